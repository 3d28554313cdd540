package offload

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
)

var ErrShutdown = fmt.Errorf("shutting down")

// Loop is a single goroutine event loop. Everything posted
// to it runs one at a time, in the order posted, so state
// that only the loop touches (the Registry, the pending
// entries) needs no locking.
//
// Socket receives and Timer expirations are delivered as
// posted funcs; that is the whole of the front and back end
// concurrency model.
type Loop struct {
	name string

	mut    sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}

	halt *idem.Halter
}

// NewLoop starts the loop goroutine.
func NewLoop(name string) *Loop {
	l := &Loop{
		name: name,
		wake: make(chan struct{}, 1),
		halt: idem.NewHalter(),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.halt.Done.Close()

	var batch []func()
	for {
		stopping := false
		select {
		case <-l.wake:
		case <-l.halt.ReqStop.Chan:
			// Close refuses new Posts before it signals us,
			// so this batch is the last one.
			stopping = true
		}
		l.mut.Lock()
		batch, l.queue = l.queue, batch[:0]
		l.mut.Unlock()

		for i, fn := range batch {
			l.safeRun(fn)
			batch[i] = nil // let go of closures promptly
		}
		if stopping {
			return
		}
	}
}

// safeRun keeps one bad callback from taking down the loop,
// and with it every request in flight.
func (l *Loop) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			alwaysPrintf("loop '%v': recovered from panic in callback: '%v'\n%v", l.name, r, stack())
		}
	}()
	fn()
}

// Post queues fn to run on the loop. It never blocks.
func (l *Loop) Post(fn func()) error {
	l.mut.Lock()
	if l.closed {
		l.mut.Unlock()
		return ErrShutdown
	}
	l.queue = append(l.queue, fn)
	l.mut.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
		// already signaled; the loop will see our fn.
	}
	return nil
}

// Call runs fn on the loop and waits for it to return.
// Do not Call from the loop goroutine itself; that deadlocks.
func (l *Loop) Call(fn func()) error {
	done := make(chan struct{})
	err := l.Post(func() {
		defer close(done)
		fn()
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-l.halt.Done.Chan:
		return ErrShutdown
	}
}

// Close stops the loop and waits for the goroutine to exit.
// Post is refused from here on; funcs already queued still
// run, in order, before the loop exits.
func (l *Loop) Close() {
	l.mut.Lock()
	l.closed = true
	l.mut.Unlock()
	l.halt.ReqStop.Close()
	<-l.halt.Done.Chan
}

// Timer is a one-shot delayed callback that fires on its Loop.
// It is not started until Start.
//
// Stop on the loop before the callback's turn guarantees
// the callback never runs, even when the underlying
// time.Timer has already expired and posted.
type Timer struct {
	loop *Loop
	d    time.Duration
	fn   func()

	mut sync.Mutex
	t   *time.Timer

	stopped atomic.Bool
	fired   atomic.Bool
}

// NewTimer makes a Timer that will run fn on l, d after Start.
func (l *Loop) NewTimer(d time.Duration, fn func()) *Timer {
	return &Timer{
		loop: l,
		d:    d,
		fn:   fn,
	}
}

// AfterFunc is NewTimer followed by Start.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := l.NewTimer(d, fn)
	t.Start()
	return t
}

// Start arms the timer. Starting twice is a no-op.
func (t *Timer) Start() {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.t != nil || t.stopped.Load() {
		return
	}
	t.t = time.AfterFunc(t.d, func() {
		t.loop.Post(t.expire)
	})
}

// expire runs on the loop.
func (t *Timer) expire() {
	if t.stopped.Load() {
		return
	}
	if !t.fired.CompareAndSwap(false, true) {
		return
	}
	t.fn()
}

// Stop disarms the timer. It reports whether the
// callback was still outstanding, i.e. this Stop
// is what kept it from running.
func (t *Timer) Stop() bool {
	if !t.stopped.CompareAndSwap(false, true) {
		return false
	}
	t.mut.Lock()
	if t.t != nil {
		t.t.Stop()
	}
	t.mut.Unlock()
	return !t.fired.Load()
}

// Duration is the delay given at construction.
func (t *Timer) Duration() time.Duration {
	return t.d
}
