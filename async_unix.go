//go:build linux || darwin || freebsd

package tun

import (
	"context"

	"github.com/getlantern/tunio/reactor"
)

// AsyncDevice is a NativeDevice whose Recv and Send wait for readiness
// events instead of blocking a thread. Any number of goroutines may call them
// concurrently; each is woken on the next readiness edge and retries.
type AsyncDevice struct {
	*NativeDevice
	reg *reactor.Registration
}

var _ PacketConn = (*AsyncDevice)(nil)

// NewAsyncDevice registers dev with the process-wide reactor.
func NewAsyncDevice(dev *NativeDevice) (*AsyncDevice, error) {
	r, err := reactor.Default()
	if err != nil {
		return nil, err
	}
	reg, err := r.Register(dev.Fd())
	if err != nil {
		return nil, wrap(err, "Unable to register fd %d for readiness", dev.Fd())
	}
	return &AsyncDevice{NativeDevice: dev, reg: reg}, nil
}

// OpenAsync opens and configures a device as Open does and wraps it in an
// AsyncDevice.
func OpenAsync(cfg *Config) (*AsyncDevice, error) {
	dev, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	adev, err := NewAsyncDevice(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return adev, nil
}

// Recv reads one packet, waiting for one to arrive or for ctx to end. It
// never returns ErrWouldBlock.
func (dev *AsyncDevice) Recv(ctx context.Context, b []byte) (int, error) {
	return dev.await(ctx, reactor.Readable, func() (int, error) {
		return dev.NativeDevice.TryRecv(b)
	})
}

// Send writes one packet, waiting for room in the device or for ctx to end.
// It never returns ErrWouldBlock.
func (dev *AsyncDevice) Send(ctx context.Context, b []byte) (int, error) {
	return dev.await(ctx, reactor.Writable, func() (int, error) {
		return dev.NativeDevice.TrySend(b)
	})
}

// RecvVectored reads one packet scattered over bufs.
func (dev *AsyncDevice) RecvVectored(ctx context.Context, bufs [][]byte) (int, error) {
	return dev.await(ctx, reactor.Readable, func() (int, error) {
		return dev.NativeDevice.TryRecvVectored(bufs)
	})
}

// SendVectored writes one packet gathered from bufs.
func (dev *AsyncDevice) SendVectored(ctx context.Context, bufs [][]byte) (int, error) {
	return dev.await(ctx, reactor.Writable, func() (int, error) {
		return dev.NativeDevice.TrySendVectored(bufs)
	})
}

// TryRecv reads one packet if one is queued. An ErrWouldBlock result clears
// the readable mark, so a following Readable waits for new data.
func (dev *AsyncDevice) TryRecv(b []byte) (int, error) {
	return dev.try(reactor.Readable, func() (int, error) {
		return dev.NativeDevice.TryRecv(b)
	})
}

// TrySend writes one packet if the device has room. An ErrWouldBlock result
// clears the writable mark, so a following Writable waits for room.
func (dev *AsyncDevice) TrySend(b []byte) (int, error) {
	return dev.try(reactor.Writable, func() (int, error) {
		return dev.NativeDevice.TrySend(b)
	})
}

// Readable waits until the device is believed to have a packet queued. It is
// meant for callers driving their own loop around TryRecv.
func (dev *AsyncDevice) Readable(ctx context.Context) error {
	return dev.reg.WaitReady(ctx, reactor.Readable)
}

// Writable waits until the device is believed to have room for a packet.
func (dev *AsyncDevice) Writable(ctx context.Context) error {
	return dev.reg.WaitReady(ctx, reactor.Writable)
}

func (dev *AsyncDevice) try(i reactor.Interest, op func() (int, error)) (int, error) {
	seen := dev.reg.Epoch(i)
	n, err := op()
	if err == ErrWouldBlock {
		dev.reg.ClearReady(i, seen)
	}
	return n, err
}

func (dev *AsyncDevice) await(ctx context.Context, i reactor.Interest, op func() (int, error)) (int, error) {
	for {
		// Snapshot before trying so an edge that lands in between is not lost.
		seen := dev.reg.Epoch(i)
		n, err := op()
		if err != ErrWouldBlock {
			return n, err
		}
		if err := dev.reg.Wait(ctx, i, seen); err != nil {
			return 0, err
		}
	}
}

// Shutdown fails every pending and future Recv and Send with ErrAborted.
func (dev *AsyncDevice) Shutdown() error {
	err := dev.NativeDevice.Shutdown()
	dev.reg.Deregister(ErrAborted)
	return err
}

// Close shuts the device down and closes it.
func (dev *AsyncDevice) Close() error {
	dev.Shutdown()
	return dev.NativeDevice.Close()
}

// IntoDevice stops readiness tracking and returns the underlying device for
// blocking use. The AsyncDevice must not be used afterwards.
func (dev *AsyncDevice) IntoDevice() (*NativeDevice, error) {
	if err := dev.reg.Deregister(ErrAborted); err != nil {
		return nil, err
	}
	return dev.NativeDevice, nil
}
