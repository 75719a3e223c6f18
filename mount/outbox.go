package mount

import (
	"sync"

	"github.com/w1xm/mount_interface/indigo"
)

// outbox keeps device commands in the order they were decided. Whoever
// flushes an idle outbox writes until it is empty; a flush that finds it
// busy returns at once and leaves its commands to the writer already running.
type outbox struct {
	send func(indigo.Message)

	mu       sync.Mutex
	queue    []indigo.Message
	flushing bool
}

func (o *outbox) push(msgs ...indigo.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = append(o.queue, msgs...)
}

func (o *outbox) flush() {
	o.mu.Lock()
	if o.flushing {
		o.mu.Unlock()
		return
	}
	o.flushing = true
	for len(o.queue) > 0 {
		msg := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()
		o.send(msg)
		o.mu.Lock()
	}
	o.flushing = false
	o.mu.Unlock()
}
