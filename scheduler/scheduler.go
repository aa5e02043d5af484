// Package scheduler provides the cooperative single-worker loop that owns all
// mutable DHT and tracker state.
package scheduler

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned when work is posted to a closed scheduler.
var ErrClosed = errors.New("scheduler closed")

// Scheduler runs queued actions and delayed timeouts one at a time on a
// single goroutine, in the order they were posted.
type Scheduler struct {
	name string
	tp   TimeProvider

	mu     sync.Mutex
	queue  []func()
	timers timeoutHeap
	seq    uint64
	closed bool

	wake chan struct{}
	done chan struct{}
}

// New creates and starts a scheduler.
func New(name string) *Scheduler {
	return NewWithTimeProvider(name, nil)
}

// NewWithTimeProvider creates and starts a scheduler using tp for deadlines.
func NewWithTimeProvider(name string, tp TimeProvider) *Scheduler {
	s := &Scheduler{
		name: name,
		tp:   GetTimeProvider(tp),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string {
	return s.name
}

// Post queues action to run soon. Actions posted by the same goroutine run
// in the order they were posted.
func (s *Scheduler) Post(action func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, action)
	s.mu.Unlock()

	s.signal()
	return nil
}

// PostDelayed runs predicate after delay. If it returns true it is run again
// after the same delay, otherwise it is discarded.
func (s *Scheduler) PostDelayed(delay time.Duration, predicate func() bool) (*Timeout, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	t := &Timeout{
		s:        s,
		fn:       predicate,
		interval: delay,
	}
	s.armLocked(t)
	s.mu.Unlock()

	s.signal()
	return t, nil
}

// PostBlocking runs action on the scheduler and waits until it has finished.
// It must not be called from inside a scheduler action.
func (s *Scheduler) PostBlocking(action func()) error {
	finished := make(chan struct{})
	if err := s.Post(func() {
		defer close(finished)
		action()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops the worker and drops pending actions and timeouts. It is safe
// to call more than once. When called from outside the loop it waits for the
// action in progress to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	for _, t := range s.timers {
		t.canceled = true
		t.index = -1
	}
	s.timers = nil
	s.mu.Unlock()

	s.signal()
}

// Wait blocks until the worker goroutine has exited after Close.
func (s *Scheduler) Wait() {
	<-s.done
}

// Closed reports whether Close has been called.
func (s *Scheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Now returns the scheduler's notion of the current time.
func (s *Scheduler) Now() time.Time {
	return s.tp.Now()
}

func (s *Scheduler) armLocked(t *Timeout) {
	s.seq++
	t.seq = s.seq
	t.deadline = s.tp.Now().Add(t.interval)
	heap.Push(&s.timers, t)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)

	for {
		actions, due, wait, closed := s.collect()
		if closed {
			return
		}

		for _, action := range actions {
			s.execute(action)
		}
		for _, t := range due {
			s.fire(t)
		}
		if len(actions) > 0 || len(due) > 0 {
			continue
		}

		s.sleep(wait)
	}
}

// collect takes the queued actions and every timeout whose deadline passed.
func (s *Scheduler) collect() ([]func(), []*Timeout, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, 0, true
	}

	actions := s.queue
	s.queue = nil

	now := s.tp.Now()
	var due []*Timeout
	for next := s.timers.peek(); next != nil && !next.deadline.After(now); next = s.timers.peek() {
		due = append(due, heap.Pop(&s.timers).(*Timeout))
	}

	wait := time.Duration(-1)
	if next := s.timers.peek(); next != nil {
		wait = next.deadline.Sub(now)
	}
	return actions, due, wait, false
}

func (s *Scheduler) sleep(wait time.Duration) {
	if wait < 0 {
		<-s.wake
		return
	}

	timer := s.tp.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.wake:
	case <-timer.C:
	}
}

func (s *Scheduler) fire(t *Timeout) {
	s.mu.Lock()
	skip := t.canceled || s.closed
	s.mu.Unlock()
	if skip {
		return
	}

	var again bool
	s.execute(func() { again = t.fn() })

	s.mu.Lock()
	defer s.mu.Unlock()
	if again && !t.canceled && !s.closed {
		s.armLocked(t)
	}
}

func (s *Scheduler) execute(action func()) {
	if s.Closed() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Scheduler.execute",
				"scheduler": s.name,
				"panic":     r,
			}).Error("Scheduled action panicked")
		}
	}()
	action()
}
