// Package frame reassembles WebSocket messages into a buffer which starts small and grows
// in escalating steps, so that small messages stay cheap while large ones are still accepted.
package frame

import (
	"errors"
	"io"

	"github.com/gorilla/websocket"
)

const (
	// DefaultInitialSize is the default size of the initial buffer.
	DefaultInitialSize = 4096
	// DefaultMaxSize is the default largest accepted message.
	DefaultMaxSize = 16 << 20

	smallStep  = 4 << 10
	mediumStep = 64 << 10
	largeStep  = 1 << 20
)

// ErrTooLarge is returned when a message exceeds the maximum size. The rest of the message
// is discarded, the connection remains usable.
var ErrTooLarge = errors.New("frame: message too large")

// Step returns the number of bytes added at the n-th growth event, counting from 1.
func Step(n int) int {
	switch {
	case n <= 3:
		return smallStep
	case n <= 7:
		return mediumStep
	default:
		return largeStep
	}
}

// Reader reads complete messages.
type Reader struct {
	initial int
	max     int
}

// NewReader creates a reader. Non-positive values select the defaults.
func NewReader(initial, max int) *Reader {
	if initial <= 0 {
		initial = DefaultInitialSize
	}
	if max <= 0 {
		max = DefaultMaxSize
	}
	if initial > max {
		initial = max
	}
	return &Reader{initial: initial, max: max}
}

// MaxSize returns the largest accepted message size.
func (r *Reader) MaxSize() int {
	return r.max
}

// ReadAll reads src until EOF. It returns the message and the number of growth events.
func (r *Reader) ReadAll(src io.Reader) ([]byte, int, error) {
	buf := make([]byte, r.initial)
	n, grown := 0, 0
	for {
		if n == len(buf) {
			if len(buf) >= r.max {
				// Buffer is at the limit: a single extra byte means the message is too large.
				var probe [1]byte
				if m, err := io.ReadFull(src, probe[:]); m == 0 {
					if err == io.EOF {
						return buf[:n], grown, nil
					}
					return nil, grown, err
				}
				io.Copy(io.Discard, src)
				return nil, grown, ErrTooLarge
			}
			grown++
			size := len(buf) + Step(grown)
			if size > r.max {
				size = r.max
			}
			bigger := make([]byte, size)
			copy(bigger, buf[:n])
			buf = bigger
		}

		m, err := src.Read(buf[n:])
		n += m
		if err == io.EOF {
			return buf[:n], grown, nil
		}
		if err != nil {
			return nil, grown, err
		}
	}
}

// ReadMessage reads the next complete message from the WebSocket connection.
func (r *Reader) ReadMessage(conn *websocket.Conn) (int, []byte, error) {
	mt, src, err := conn.NextReader()
	if err != nil {
		return mt, nil, err
	}
	data, _, err := r.ReadAll(src)
	return mt, data, err
}
