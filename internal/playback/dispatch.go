package playback

import "sync"

// dispatcher runs callbacks one at a time, in submission order, on its own
// goroutine. Callbacks may therefore call back into the manager or a session
// without deadlocking against the goroutine that produced the event.
type dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	stopped chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{stopped: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

// enqueue schedules fn. After close it is dropped.
func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
}

// close stops accepting work, runs what is already queued and waits for the
// loop to exit.
func (d *dispatcher) close() { <-d.shutdown() }

// shutdown stops accepting work and returns a channel closed once the queued
// callbacks have run.
func (d *dispatcher) shutdown() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		d.cond.Signal()
	}
	return d.stopped
}

func (d *dispatcher) loop() {
	defer close(d.stopped)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}

func runInline(fn func()) { fn() }
