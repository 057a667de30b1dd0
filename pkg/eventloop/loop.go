package eventloop

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned when work is submitted to a loop that is no longer running.
var ErrClosed = errors.New("event loop: closed")

// Scheduler is the subset of Loop that components use to get back onto the loop
// from device callbacks, network readers and timers.
type Scheduler interface {
	Post(fn func()) bool
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// Loop runs posted functions one at a time, in submission order, on a single goroutine.
// Everything that mutates session state runs here, so that state carries no locks.
type Loop struct {
	name string

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	closed  bool
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ Scheduler = &Loop{}

func New(name string) *Loop {
	return &Loop{
		name: name,
		wake: make(chan struct{}, 1),
	}
}

// Start runs the loop on its own goroutine until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	if l == nil {
		return errors.New("event loop: nil loop")
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.running {
		l.mu.Unlock()
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go l.run(runCtx, done)
	return nil
}

// Stop cancels the loop and waits for the function currently executing to return.
// Functions still queued are discarded.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	l.cancel = nil
	l.closed = true
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (l *Loop) IsRunning() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Post queues fn behind everything already queued. It never blocks and returns
// false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	if l == nil || fn == nil {
		return false
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// AfterFunc posts fn onto the loop once d has elapsed. The returned function
// cancels the timer if it has not fired yet.
func (l *Loop) AfterFunc(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, func() {
		l.Post(fn)
	})
	return t.Stop
}

// Call runs fn on the loop and waits for it to finish. It must not be called from
// the loop goroutine itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	if l == nil {
		return errors.New("event loop: nil loop")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done == nil {
		return errors.Wrap(ErrClosed, "event loop: not started")
	}

	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer func() {
		l.mu.Lock()
		l.running = false
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(done)
	}()

	log.Debug().Str("component", "eventloop").Str("loop", l.name).Msg("event loop started")
	for {
		fn, ok := l.next()
		if ok {
			l.exec(fn)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			log.Debug().Str("component", "eventloop").Str("loop", l.name).Msg("event loop stopped")
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	if len(l.queue) == 0 {
		l.queue = nil
	}
	return fn, true
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "eventloop").Str("loop", l.name).Interface("panic", r).Msg("event handler panicked")
		}
	}()
	fn()
}
