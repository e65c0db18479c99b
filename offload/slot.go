// Package offload adapts blocking operations to cancellable waits by running
// them on a bounded worker pool and sharing each in-flight operation among all
// of the callers that are waiting on it.
package offload

import (
	"context"
	"sync"
)

// Op is a blocking operation. It runs on a Pool worker and may take as long as
// the underlying call needs.
type Op[T any] func() (T, error)

// flight is one execution of an Op together with the callers parked on it.
type flight[T any] struct {
	done    chan struct{}
	val     T
	err     error
	waiters map[*waiter]struct{}
	claimed bool
}

func (f *flight[T]) finished() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// waiter is the identity a caller registers under while it is suspended. It
// must not be zero-sized so that distinct waiters never share an address.
type waiter struct {
	_ byte
}

// Slot holds at most one in-flight Op. Callers that arrive while an Op is
// running join it instead of issuing another one, so the underlying call for a
// given direction is never made concurrently.
//
// The mutex is only held while inspecting or replacing the current flight,
// never while the Op runs.
type Slot[T any] struct {
	pool    *Pool
	discard func(T)

	mu      sync.Mutex
	cur     *flight[T]
	started uint64
	running sync.WaitGroup
}

// NewSlot creates a Slot that runs its operations on pool (DefaultPool if
// nil). discard, if not nil, receives successful results that completed after
// every caller waiting on them went away.
func NewSlot[T any](pool *Pool, discard func(T)) *Slot[T] {
	if pool == nil {
		pool = DefaultPool()
	}
	return &Slot[T]{pool: pool, discard: discard}
}

// Do returns the result of an in-flight operation, starting op if none is
// running. A successful result is handed to exactly one caller; the others are
// woken and wait on a fresh operation. An error is returned to every caller
// that was waiting when it happened. If ctx ends first, the caller is removed
// from the waiters and ctx.Err() is returned, but the operation itself keeps
// running.
func (s *Slot[T]) Do(ctx context.Context, op Op[T]) (T, error) {
	var zero T
	w := &waiter{}
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		s.mu.Lock()
		f := s.cur
		if f == nil || (f.finished() && (f.claimed || f.err != nil)) {
			f = s.start(op)
		}
		f.waiters[w] = struct{}{}
		s.mu.Unlock()

		select {
		case <-f.done:
		case <-ctx.Done():
			s.leave(f, w)
			return zero, ctx.Err()
		}

		s.mu.Lock()
		delete(f.waiters, w)
		if s.cur == f {
			s.cur = nil
		}
		if f.err != nil {
			err := f.err
			s.mu.Unlock()
			return zero, err
		}
		if !f.claimed {
			f.claimed = true
			v := f.val
			s.mu.Unlock()
			return v, nil
		}
		s.mu.Unlock()
	}
}

// Enqueue starts op and returns immediately if the slot is idle. Otherwise it
// waits for the running operation: if that one failed, its error is returned
// to every waiter and op is not started; if it succeeded, op is started as the
// next operation. A nil return therefore means op was accepted, not that it
// completed.
func (s *Slot[T]) Enqueue(ctx context.Context, op Op[T]) error {
	w := &waiter{}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		f := s.cur
		if f == nil || f.finished() {
			s.start(op)
			s.mu.Unlock()
			return nil
		}
		f.waiters[w] = struct{}{}
		s.mu.Unlock()

		select {
		case <-f.done:
		case <-ctx.Done():
			s.leave(f, w)
			return ctx.Err()
		}

		s.mu.Lock()
		delete(f.waiters, w)
		if s.cur == f {
			s.cur = nil
		}
		f.claimed = true
		err := f.err
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// Waiting returns the number of callers parked on the current operation.
func (s *Slot[T]) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0
	}
	return len(s.cur.waiters)
}

// Busy reports whether an operation is currently running.
func (s *Slot[T]) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && !s.cur.finished()
}

// Idle reports whether the slot holds nothing: no running operation and no
// finished result still waiting to be handed to a caller.
func (s *Slot[T]) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur == nil
}

// Started returns how many operations this slot has started so far.
func (s *Slot[T]) Started() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Drain waits until no operation started by this slot is still running, or
// until ctx ends.
func (s *Slot[T]) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start must be called with s.mu held.
func (s *Slot[T]) start(op Op[T]) *flight[T] {
	f := &flight[T]{
		done:    make(chan struct{}),
		waiters: make(map[*waiter]struct{}),
	}
	s.cur = f
	s.started++
	s.running.Add(1)
	s.pool.Go(func() {
		defer s.running.Done()
		v, err := op()
		s.finish(f, v, err)
	})
	return f
}

func (s *Slot[T]) finish(f *flight[T], v T, err error) {
	s.mu.Lock()
	f.val, f.err = v, err
	close(f.done)
	orphaned := len(f.waiters) == 0
	if orphaned {
		f.claimed = true
		if s.cur == f {
			s.cur = nil
		}
	}
	s.mu.Unlock()
	if orphaned {
		s.drop(v, err)
	}
}

// leave removes w from f after its caller gave up. If w was the last waiter on
// a finished but undelivered flight, the result is dropped.
func (s *Slot[T]) leave(f *flight[T], w *waiter) {
	s.mu.Lock()
	delete(f.waiters, w)
	orphaned := len(f.waiters) == 0 && f.finished() && !f.claimed
	if orphaned {
		f.claimed = true
		if s.cur == f {
			s.cur = nil
		}
	}
	v, err := f.val, f.err
	s.mu.Unlock()
	if orphaned {
		s.drop(v, err)
	}
}

func (s *Slot[T]) drop(v T, err error) {
	if err != nil {
		log.Debugf("Discarding error from operation nobody waited for: %v", err)
		return
	}
	if s.discard != nil {
		s.discard(v)
	}
}
