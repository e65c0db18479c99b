//go:build linux || darwin || freebsd

// Package reactor delivers edge-triggered readiness notifications for file
// descriptors to any number of waiting goroutines. A single goroutine per
// Reactor blocks in the OS notifier (epoll or kqueue); waiters park on
// channels and are never woken by polling.
package reactor

import (
	"context"
	"errors"
	"sync"

	"github.com/getlantern/golog"
)

var (
	log = golog.LoggerFor("tun.reactor")

	// ErrClosed is returned to waiters when their Reactor has been closed.
	ErrClosed = errors.New("reactor closed")

	// ErrRegistered is returned when a descriptor is registered twice.
	ErrRegistered = errors.New("descriptor already registered")

	defaultReactor   *Reactor
	defaultReactorMx sync.Mutex
)

const maxEvents = 128

// Interest selects one direction of readiness.
type Interest int

const (
	// Readable is signalled when a read may make progress. Errors and hangups
	// also signal it so that the next read surfaces them.
	Readable Interest = iota
	// Writable is signalled when a write may make progress.
	Writable
)

func (i Interest) String() string {
	switch i {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	}
	return "unknown"
}

// event is what a poller reports for one descriptor.
type event struct {
	fd    int
	read  bool
	write bool
}

// poller is the OS-specific notifier.
type poller interface {
	add(fd int) error
	del(fd int) error
	// wait blocks until at least one event is available or wake is called.
	// woke reports whether a wake was consumed.
	wait(events []event) (n int, woke bool, err error)
	wake() error
	close() error
}

// Reactor multiplexes readiness for many descriptors over one OS notifier.
type Reactor struct {
	p      poller
	mx     sync.Mutex
	regs   map[int]*Registration
	closed bool
	done   chan struct{}
}

// New starts a Reactor with its own notifier and event goroutine.
func New() (*Reactor, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	r := &Reactor{
		p:    p,
		regs: make(map[int]*Registration),
		done: make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Default returns the process-wide Reactor, starting it on first use. A
// default Reactor that has stopped, because it was closed or its notifier
// failed, is replaced by a fresh one.
func Default() (*Reactor, error) {
	defaultReactorMx.Lock()
	defer defaultReactorMx.Unlock()
	if defaultReactor != nil && !defaultReactor.isClosed() {
		return defaultReactor, nil
	}
	r, err := New()
	if err != nil {
		log.Errorf("Unable to start default reactor: %v", err)
		return nil, err
	}
	if defaultReactor != nil {
		log.Debug("Restarted stopped default reactor")
	}
	defaultReactor = r
	return r, nil
}

func (r *Reactor) isClosed() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.closed
}

// Register starts watching fd for readability, writability and errors. The
// descriptor should already be in non-blocking mode.
func (r *Reactor) Register(fd int) (*Registration, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, found := r.regs[fd]; found {
		return nil, ErrRegistered
	}
	g := newRegistration(r, fd)
	r.regs[fd] = g
	if err := r.p.add(fd); err != nil {
		delete(r.regs, fd)
		return nil, err
	}
	log.Tracef("Registered fd %d", fd)
	return g, nil
}

// Close stops the event goroutine and fails every registration with
// ErrClosed.
func (r *Reactor) Close() error {
	r.mx.Lock()
	if r.closed {
		r.mx.Unlock()
		return nil
	}
	r.closed = true
	regs := make([]*Registration, 0, len(r.regs))
	for _, g := range r.regs {
		regs = append(regs, g)
	}
	r.mx.Unlock()

	for _, g := range regs {
		g.fail(ErrClosed)
	}
	if err := r.p.wake(); err != nil {
		return err
	}
	<-r.done
	return nil
}

func (r *Reactor) run() {
	defer close(r.done)
	events := make([]event, maxEvents)
	for {
		n, woke, err := r.p.wait(events)
		if err != nil {
			log.Errorf("Error waiting for readiness events: %v", err)
			r.failAll(err)
			r.p.close()
			return
		}
		for _, ev := range events[:n] {
			r.mx.Lock()
			g := r.regs[ev.fd]
			r.mx.Unlock()
			if g != nil {
				g.notify(ev.read, ev.write)
			}
		}
		if woke {
			r.mx.Lock()
			closed := r.closed
			r.mx.Unlock()
			if closed {
				r.p.close()
				return
			}
		}
	}
}

func (r *Reactor) failAll(err error) {
	r.mx.Lock()
	r.closed = true
	regs := make([]*Registration, 0, len(r.regs))
	for _, g := range r.regs {
		regs = append(regs, g)
	}
	r.mx.Unlock()
	for _, g := range regs {
		g.fail(err)
	}
}

func (r *Reactor) remove(g *Registration) error {
	r.mx.Lock()
	if r.regs[g.fd] != g {
		r.mx.Unlock()
		return nil
	}
	delete(r.regs, g.fd)
	closed := r.closed
	r.mx.Unlock()
	if closed {
		return nil
	}
	return r.p.del(g.fd)
}

// readiness is the state of one direction of a Registration. epoch advances
// on every edge reported by the OS; ch is closed and replaced at the same
// time, waking everybody parked on the previous epoch.
type readiness struct {
	epoch uint64
	ready bool
	ch    chan struct{}
}

// Registration is the binding between one descriptor and a Reactor. It is
// shared by every goroutine doing I/O on the descriptor.
type Registration struct {
	r  *Reactor
	fd int

	mx   sync.Mutex
	dirs [2]readiness
	err  error
}

func newRegistration(r *Reactor, fd int) *Registration {
	g := &Registration{r: r, fd: fd}
	for i := range g.dirs {
		// A fresh descriptor may already be ready; callers find out by trying.
		g.dirs[i] = readiness{epoch: 1, ready: true, ch: make(chan struct{})}
	}
	return g
}

// Fd returns the registered descriptor.
func (g *Registration) Fd() int {
	return g.fd
}

// Epoch returns the current readiness epoch for i. Take it before attempting
// an operation and pass it to Wait if the operation would block; an edge that
// arrives in between is then not lost.
func (g *Registration) Epoch(i Interest) uint64 {
	g.mx.Lock()
	defer g.mx.Unlock()
	return g.dirs[i].epoch
}

// Ready reports whether the last thing known about direction i is that it was
// signalled ready and nobody has observed it blocking since.
func (g *Registration) Ready(i Interest) bool {
	g.mx.Lock()
	defer g.mx.Unlock()
	return g.dirs[i].ready
}

// Wait suspends until direction i moves past epoch seen, ctx ends, or the
// registration is removed (in which case the removal error is returned).
func (g *Registration) Wait(ctx context.Context, i Interest, seen uint64) error {
	for {
		g.mx.Lock()
		if g.err != nil {
			err := g.err
			g.mx.Unlock()
			return err
		}
		d := &g.dirs[i]
		if d.epoch != seen {
			g.mx.Unlock()
			return nil
		}
		// The caller saw this epoch fail with would-block; needs a new edge.
		d.ready = false
		ch := d.ch
		g.mx.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitReady suspends until direction i is marked ready, ctx ends, or the
// registration is removed. Unlike Wait it returns at once if the direction
// is already ready, and it does not clear the ready mark.
func (g *Registration) WaitReady(ctx context.Context, i Interest) error {
	for {
		g.mx.Lock()
		if g.err != nil {
			err := g.err
			g.mx.Unlock()
			return err
		}
		d := &g.dirs[i]
		if d.ready {
			g.mx.Unlock()
			return nil
		}
		ch := d.ch
		g.mx.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ClearReady records that an operation on direction i would block, unless an
// edge arrived after epoch seen.
func (g *Registration) ClearReady(i Interest, seen uint64) {
	g.mx.Lock()
	defer g.mx.Unlock()
	if d := &g.dirs[i]; d.epoch == seen {
		d.ready = false
	}
}

// Deregister stops watching the descriptor and fails all current and future
// waiters with err. It must be called before the descriptor is closed.
func (g *Registration) Deregister(err error) error {
	if err == nil {
		err = ErrClosed
	}
	if !g.fail(err) {
		return nil
	}
	log.Tracef("Deregistering fd %d", g.fd)
	return g.r.remove(g)
}

func (g *Registration) notify(read, write bool) {
	g.mx.Lock()
	defer g.mx.Unlock()
	if g.err != nil {
		return
	}
	if read {
		g.dirs[Readable].advance()
	}
	if write {
		g.dirs[Writable].advance()
	}
}

// fail returns false if the registration had already failed.
func (g *Registration) fail(err error) bool {
	g.mx.Lock()
	defer g.mx.Unlock()
	if g.err != nil {
		return false
	}
	g.err = err
	for i := range g.dirs {
		close(g.dirs[i].ch)
	}
	return true
}

func (d *readiness) advance() {
	d.epoch++
	d.ready = true
	close(d.ch)
	d.ch = make(chan struct{})
}
