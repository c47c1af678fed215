package replica

import (
	"sync"

	"github.com/tinode/topicsync/server/logs"
	"github.com/tinode/topicsync/server/store/types"
)

// outgoing is a single item awaiting delivery to the bus. Exactly one field is set.
type outgoing struct {
	crud  *types.CRUDMessage
	queue *types.QueueMessage
}

// outbox is an unbounded FIFO of outgoing messages drained by a single goroutine. Topics push
// into it while holding their own lock, which keeps per-topic order without making mutations
// wait for network fan-out.
type outbox struct {
	lock    sync.Mutex
	cond    *sync.Cond
	items   []outgoing
	closed  bool
	done    chan struct{}
	deliver func(outgoing)
	// Largest observed depth.
	highWater int
}

func newOutbox(deliver func(outgoing)) *outbox {
	o := &outbox{deliver: deliver, done: make(chan struct{})}
	o.cond = sync.NewCond(&o.lock)
	go o.pump()
	return o
}

func (o *outbox) push(item outgoing) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.closed {
		logs.Warn.Println("outbox: message dropped after close")
		return
	}
	o.items = append(o.items, item)
	if len(o.items) > o.highWater {
		o.highWater = len(o.items)
	}
	o.cond.Signal()
}

func (o *outbox) pump() {
	defer close(o.done)

	for {
		o.lock.Lock()
		for len(o.items) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.items) == 0 {
			o.lock.Unlock()
			return
		}
		batch := o.items
		o.items = nil
		o.lock.Unlock()

		for _, item := range batch {
			o.deliver(item)
		}
	}
}

// depth returns the number of undelivered messages.
func (o *outbox) depth() int {
	o.lock.Lock()
	defer o.lock.Unlock()
	return len(o.items)
}

// close stops accepting new messages and waits for the queued ones to be delivered.
func (o *outbox) close() {
	o.lock.Lock()
	if !o.closed {
		o.closed = true
		o.cond.Broadcast()
	}
	o.lock.Unlock()
	<-o.done
}
