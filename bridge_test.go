package tun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingConn struct{}

func (failingConn) Recv(ctx context.Context, b []byte) (int, error) {
	return 0, errFake
}

func (failingConn) Send(ctx context.Context, b []byte) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func serve(ctx context.Context, br Bridge) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- br.Serve(ctx)
	}()
	return result
}

func TestBridgeRelaysBothWays(t *testing.T) {
	devA, devB := newFakeDevice(), newFakeDevice()
	a, b := NewOffloadDevice(devA, nil), NewOffloadDevice(devB, nil)
	defer a.Close()
	defer b.Close()

	br := NewBridge(a, b, &BridgeOpts{StatsInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	result := serve(ctx, br)

	devA.in <- []byte("to b")
	devB.in <- []byte("to a!")
	select {
	case pkt := <-devB.out:
		assert.Equal(t, "to b", string(pkt))
	case <-time.After(waitFor):
		t.Fatal("nothing relayed from a to b")
	}
	select {
	case pkt := <-devA.out:
		assert.Equal(t, "to a!", string(pkt))
	case <-time.After(waitFor):
		t.Fatal("nothing relayed from b to a")
	}

	require.Eventually(t, func() bool {
		s := br.Stats()
		return s.PacketsAB == 1 && s.PacketsBA == 1
	}, waitFor, time.Millisecond)
	s := br.Stats()
	assert.EqualValues(t, 4, s.BytesAB)
	assert.EqualValues(t, 5, s.BytesBA)

	cancel()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return after cancel")
	}
	assert.False(t, devA.isClosed(), "the bridge does not close its sides")
}

func TestBridgeStopsOnShutdown(t *testing.T) {
	devA := newFakeDevice()
	a, b := NewOffloadDevice(devA, nil), NewOffloadDevice(newFakeDevice(), nil)
	defer a.Close()
	defer b.Close()

	result := serve(context.Background(), NewBridge(a, b, nil))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Shutdown())

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return after shutdown")
	}
}

func TestBridgeReportsFailure(t *testing.T) {
	b := NewOffloadDevice(newFakeDevice(), nil)
	defer b.Close()

	select {
	case err := <-serve(context.Background(), NewBridge(failingConn{}, b, nil)):
		require.Error(t, err)
		assert.Contains(t, err.Error(), errFake.Error())
	case <-time.After(waitFor):
		t.Fatal("Serve did not return after a failure")
	}
}
