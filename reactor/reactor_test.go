//go:build linux || darwin || freebsd

package reactor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const waitFor = 2 * time.Second

func socketpair(t *testing.T) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestWaitWakesOnReadable(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	a, b := socketpair(t)
	g, err := r.Register(a)
	require.NoError(t, err)
	defer g.Deregister(nil)

	buf := make([]byte, 16)
	seen := g.Epoch(Readable)
	_, err = unix.Read(a, buf)
	require.Equal(t, unix.EAGAIN, err)

	woken := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			woken <- g.Wait(context.Background(), Readable, seen)
		}()
	}

	select {
	case err := <-woken:
		t.Fatalf("woke before any data was written: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	assert.False(t, g.Ready(Readable))

	_, err = unix.Write(b, []byte("ping"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		select {
		case err := <-woken:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("waiter was not woken by readability")
		}
	}
	assert.True(t, g.Ready(Readable))
	assert.NotEqual(t, seen, g.Epoch(Readable))

	n, err := unix.Read(a, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestWaitReturnsImmediatelyForStaleEpoch(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	a, b := socketpair(t)
	g, err := r.Register(a)
	require.NoError(t, err)
	defer g.Deregister(nil)

	seen := g.Epoch(Readable)
	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return g.Epoch(Readable) != seen }, waitFor, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.NoError(t, g.Wait(ctx, Readable, seen), "an edge after the snapshot must not be lost")
}

func TestWaitHonoursContext(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	a, _ := socketpair(t)
	g, err := r.Register(a)
	require.NoError(t, err)
	defer g.Deregister(nil)

	// Drain the initial edge so the next wait really blocks.
	seen := g.Epoch(Readable)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = g.Wait(ctx, Readable, seen)
	if err == nil {
		seen = g.Epoch(Readable)
		err = g.Wait(ctx, Readable, seen)
	}
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestDeregisterFailsWaiters(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	a, _ := socketpair(t)
	g, err := r.Register(a)
	require.NoError(t, err)

	aborted := errors.New("aborted")
	seen := g.Epoch(Readable)
	done := make(chan error, 1)
	go func() {
		for {
			err := g.Wait(context.Background(), Readable, seen)
			if err != nil {
				done <- err
				return
			}
			seen = g.Epoch(Readable)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, g.Deregister(aborted))
	select {
	case err := <-done:
		assert.Equal(t, aborted, err)
	case <-time.After(waitFor):
		t.Fatal("waiter was not released by Deregister")
	}
	assert.Equal(t, aborted, g.Wait(context.Background(), Writable, g.Epoch(Writable)))
	assert.NoError(t, g.Deregister(aborted), "deregistering twice is harmless")

	// The descriptor can be registered again afterwards.
	g2, err := r.Register(a)
	require.NoError(t, err)
	assert.NoError(t, g2.Deregister(nil))
}

func TestRegisterTwiceFails(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	a, _ := socketpair(t)
	g, err := r.Register(a)
	require.NoError(t, err)
	defer g.Deregister(nil)

	_, err = r.Register(a)
	assert.Equal(t, ErrRegistered, err)
}

func TestCloseFailsRegistrations(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	a, _ := socketpair(t)
	g, err := r.Register(a)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.Equal(t, ErrClosed, g.Wait(context.Background(), Readable, g.Epoch(Readable)))
	_, err = r.Register(a)
	assert.Equal(t, ErrClosed, err)
	assert.NoError(t, r.Close())
}

func TestDefaultIsShared(t *testing.T) {
	r1, err := Default()
	require.NoError(t, err)
	r2, err := Default()
	require.NoError(t, err)
	assert.True(t, r1 == r2)
}

func TestDefaultReplacedAfterFailure(t *testing.T) {
	r1, err := Default()
	require.NoError(t, err)

	// What the event goroutine does when the notifier fails.
	r1.failAll(errors.New("notifier failed"))
	defer func() {
		r1.p.wake()
		<-r1.done
	}()

	r2, err := Default()
	require.NoError(t, err)
	assert.False(t, r1 == r2, "a failed default reactor must be replaced")

	a, b := socketpair(t)
	g, err := r2.Register(a)
	require.NoError(t, err)
	defer g.Deregister(nil)
	g.ClearReady(Readable, g.Epoch(Readable))
	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	assert.NoError(t, g.WaitReady(ctx, Readable))
}

func TestWaitReadyHonoursReadyMark(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()
	a, _ := socketpair(t)
	g, err := r.Register(a)
	require.NoError(t, err)

	assert.NoError(t, g.WaitReady(context.Background(), Readable), "new registrations start out ready")

	seen := g.Epoch(Readable)
	g.ClearReady(Readable, seen)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, g.WaitReady(ctx, Readable))

	require.NoError(t, g.Deregister(ErrClosed))
	assert.Equal(t, ErrClosed, g.WaitReady(context.Background(), Readable))
}
