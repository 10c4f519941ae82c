// Package dispatch provides the thread pools and coordination primitives
// used by the organizers and the chain facade.
package dispatch

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/kth-go/consensuscore/internal/log"
)

// ErrStopped is returned by operations that observe the stop flag at a
// phase or bucket boundary.
var ErrStopped = errors.New("service stopped")

// Dispatcher runs work on two pools: a general pool for I/O-driven fetches
// and subscriber notifications, and a priority pool for validation buckets.
// Both submission paths are fire-and-forget; joins happen through
// Synchronize or a Oneshot.
type Dispatcher struct {
	general  chan func()
	priority chan func()
	wg       sync.WaitGroup

	stopped atomic.Bool
	closing sync.Once
}

// New creates a dispatcher with the given pool sizes. Zero or negative sizes
// default to the number of CPUs.
func New(generalWorkers, priorityWorkers int) *Dispatcher {
	if generalWorkers <= 0 {
		generalWorkers = runtime.NumCPU()
	}
	if priorityWorkers <= 0 {
		priorityWorkers = runtime.NumCPU()
	}

	d := &Dispatcher{
		general:  make(chan func(), 1024),
		priority: make(chan func(), 1024),
	}

	d.wg.Add(generalWorkers + priorityWorkers)
	for i := 0; i < generalWorkers; i++ {
		go d.worker(d.general)
	}
	for i := 0; i < priorityWorkers; i++ {
		go d.worker(d.priority)
	}

	log.Dispatch.Debug().
		Int("general", generalWorkers).
		Int("priority", priorityWorkers).
		Msg("dispatcher started")
	return d
}

func (d *Dispatcher) worker(queue chan func()) {
	defer d.wg.Done()
	for work := range queue {
		work()
	}
}

// Concurrent schedules work on the general pool. After Close, the work is
// silently dropped.
func (d *Dispatcher) Concurrent(work func()) {
	defer func() { recover() }() // Submission after Close.
	d.general <- work
}

// Parallel schedules work on the priority pool. After Close, the work is
// silently dropped.
func (d *Dispatcher) Parallel(work func()) {
	defer func() { recover() }()
	d.priority <- work
}

// Buckets returns the number of parallel buckets validation phases should
// split their work into.
func (d *Dispatcher) Buckets() int {
	return runtime.NumCPU()
}

// Stop sets the stopped flag. In-flight phases observe it at their next
// bucket boundary and return early.
func (d *Dispatcher) Stop() {
	d.stopped.Store(true)
}

// Stopped reports whether Stop has been called.
func (d *Dispatcher) Stopped() bool {
	return d.stopped.Load()
}

// Close stops the dispatcher and joins all workers. Pending queued work
// still runs; new submissions are dropped.
func (d *Dispatcher) Close() {
	d.Stop()
	d.closing.Do(func() {
		close(d.general)
		close(d.priority)
	})
	d.wg.Wait()
}

// Synchronize returns a per-bucket completion callback that invokes handler
// exactly once: with the first non-nil error as soon as it is reported, or
// with nil after all buckets complete successfully. Late completions after
// the first error are absorbed.
func Synchronize(handler func(error), buckets int) func(error) {
	if buckets <= 0 {
		handler(nil)
		return func(error) {}
	}

	var mu sync.Mutex
	remaining := buckets
	done := false

	return func(err error) {
		mu.Lock()
		if done {
			mu.Unlock()
			return
		}
		remaining--
		if err != nil || remaining == 0 {
			done = true
			mu.Unlock()
			handler(err)
			return
		}
		mu.Unlock()
	}
}

// Oneshot is a single-use result channel: exactly one Complete, exactly one
// Wait. Organize calls suspend on one so the API presents as blocking while
// phases run on pool threads.
type Oneshot struct {
	ch   chan error
	once sync.Once
}

// NewOneshot creates an unfired oneshot.
func NewOneshot() *Oneshot {
	return &Oneshot{ch: make(chan error, 1)}
}

// Complete fires the oneshot. Subsequent calls are no-ops.
func (o *Oneshot) Complete(err error) {
	o.once.Do(func() {
		o.ch <- err
		close(o.ch)
	})
}

// Wait blocks until Complete has fired and returns its error.
func (o *Oneshot) Wait() error {
	return <-o.ch
}

// Serial runs posted work on the general pool one item at a time, preserving
// post order. Used for subscriber notification so handlers observe commits
// in the order they happened.
type Serial struct {
	d *Dispatcher

	mu      sync.Mutex
	queue   []func()
	running bool
}

// NewSerial creates a serial queue over the dispatcher's general pool.
func NewSerial(d *Dispatcher) *Serial {
	return &Serial{d: d}
}

// Post enqueues work. Items run in post order, never concurrently.
func (s *Serial) Post(work func()) {
	s.mu.Lock()
	s.queue = append(s.queue, work)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	s.d.Concurrent(s.drain)
}

func (s *Serial) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		work := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		work()
	}
}
