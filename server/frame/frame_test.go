package frame

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"
	"testing/iotest"
)

func TestStep(t *testing.T) {
	want := []int{4096, 4096, 4096, 65536, 65536, 65536, 65536, 1 << 20, 1 << 20}
	for i, w := range want {
		if got := Step(i + 1); got != w {
			t.Errorf("Step(%d): expected %d, got %d", i+1, w, got)
		}
	}
}

func TestReadLargeMessageSmallBuffer(t *testing.T) {
	msg := make([]byte, 3<<20)
	rand.Read(msg)

	r := NewReader(500, 0)
	// Short reads make the buffer fill in many small increments.
	got, grown, err := r.ReadAll(iotest.HalfReader(bytes.NewReader(msg)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("Message corrupted")
	}
	// 500 + 3*4K + 4*64K = 274932, then +1M steps to reach 3M: 3 more events.
	if grown != 10 {
		t.Errorf("Expected 10 growth events, got %d", grown)
	}
}

func TestReadSmallMessage(t *testing.T) {
	r := NewReader(0, 0)
	got, grown, err := r.ReadAll(bytes.NewReader([]byte("hello")))
	if err != nil || string(got) != "hello" || grown != 0 {
		t.Errorf("Unexpected result '%s', %d, %v", got, grown, err)
	}

	// Exactly the size of the buffer.
	exact := bytes.Repeat([]byte{'x'}, DefaultInitialSize)
	got, grown, err = r.ReadAll(bytes.NewReader(exact))
	if err != nil || !bytes.Equal(got, exact) {
		t.Errorf("Exact-size message failed: %d bytes, %v", len(got), err)
	}
	if grown != 1 {
		t.Errorf("Expected one growth event to detect the end, got %d", grown)
	}
}

func TestReadTooLarge(t *testing.T) {
	r := NewReader(100, 1000)

	src := bytes.NewReader(make([]byte, 1001))
	if _, _, err := r.ReadAll(src); err != ErrTooLarge {
		t.Fatalf("Expected ErrTooLarge, got %v", err)
	}
	if src.Len() != 0 {
		t.Error("Oversized message must be drained")
	}

	got, _, err := r.ReadAll(bytes.NewReader(make([]byte, 1000)))
	if err != nil || len(got) != 1000 {
		t.Errorf("Message of exactly max size must pass, got %d bytes, %v", len(got), err)
	}
}

func TestReadError(t *testing.T) {
	r := NewReader(10, 100)
	if _, _, err := r.ReadAll(iotest.ErrReader(io.ErrClosedPipe)); err != io.ErrClosedPipe {
		t.Errorf("Expected read error to pass through, got %v", err)
	}
}
