package offload

import (
	"context"
	"sync"

	"github.com/getlantern/golog"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultPoolSize is the number of blocking operations the shared pool runs
	// at once. Operations submitted beyond that queue until a worker frees up.
	DefaultPoolSize = 64
)

var (
	log = golog.LoggerFor("tun.offload")

	defaultPool     *Pool
	defaultPoolOnce sync.Once
)

// Pool runs blocking functions on background goroutines, at most size of them
// at a time.
type Pool struct {
	size int64
	sem  *semaphore.Weighted
}

// NewPool creates a Pool that runs at most size functions concurrently.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
		log.Debugf("Defaulting pool size to %v", size)
	}
	return &Pool{
		size: int64(size),
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// DefaultPool returns the process-wide pool shared by every offloaded device.
func DefaultPool() *Pool {
	defaultPoolOnce.Do(func() {
		defaultPool = NewPool(DefaultPoolSize)
	})
	return defaultPool
}

// Size returns the maximum number of concurrently running functions.
func (p *Pool) Size() int {
	return int(p.size)
}

// Go runs fn in the background once a worker slot is available. It never
// blocks the caller; saturation shows up as queuing delay.
func (p *Pool) Go(fn func()) {
	go func() {
		// Acquire with a background context cannot fail.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		fn()
	}()
}
