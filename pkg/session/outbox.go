package session

import (
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

type outboxItem struct {
	topic string
	msg   *message.Message
	// key groups snapshots of the same turn; a newer one may replace a queued
	// older one when the outbox is full.
	key string
	// final items are never dropped, even past the outbox size.
	final bool
}

// outbox hands bus messages to the publisher on its own goroutine so that a slow
// subscriber never stalls the event loop. Messages keep their order, except that
// a full outbox folds a turn snapshot into the queued snapshot of the same turn.
type outbox struct {
	pub  message.Publisher
	size int

	mu     sync.Mutex
	closed bool
	queue  []outboxItem
	wake   chan struct{}
	done   chan struct{}
}

func newOutbox(pub message.Publisher, size int) *outbox {
	if size <= 0 {
		size = 1
	}
	o := &outbox{
		pub:  pub,
		size: size,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *outbox) push(it outboxItem) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if len(o.queue) >= o.size {
		if it.key != "" {
			for i := len(o.queue) - 1; i >= 0; i-- {
				if o.queue[i].key == it.key {
					o.queue[i] = it
					return
				}
			}
		}
		if !it.final {
			log.Warn().Str("component", "session").Str("topic", it.topic).Msg("outbox full, dropping streaming snapshot")
			return
		}
	}
	o.queue = append(o.queue, it)
	o.signal()
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) run() {
	defer close(o.done)
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			closed := o.closed
			o.mu.Unlock()
			if closed {
				return
			}
			<-o.wake
			continue
		}
		it := o.queue[0]
		o.queue[0] = outboxItem{}
		o.queue = o.queue[1:]
		o.mu.Unlock()

		if err := o.pub.Publish(it.topic, it.msg); err != nil {
			log.Warn().Err(err).Str("component", "session").Str("topic", it.topic).Msg("publish failed")
		}
	}
}

// close stops accepting messages and waits up to timeout for the queued ones.
func (o *outbox) close(timeout time.Duration) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.signal()
	o.mu.Unlock()

	select {
	case <-o.done:
	case <-time.After(timeout):
		log.Warn().Str("component", "session").Msg("outbox did not drain before shutdown")
	}
}
