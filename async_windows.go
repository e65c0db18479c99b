package tun

import (
	"context"
)

// AsyncDevice is a NativeDevice whose Recv and Send can be called from any
// number of goroutines and cancelled through their context. Wintun and TAP
// sessions have no descriptor to poll, so the blocking calls are offloaded.
type AsyncDevice struct {
	*OffloadDevice
	native *NativeDevice
}

var _ PacketConn = (*AsyncDevice)(nil)

// NewAsyncDevice wraps dev.
func NewAsyncDevice(dev *NativeDevice) (*AsyncDevice, error) {
	mtu, err := dev.MTU()
	if err != nil || mtu <= 0 || mtu > maxMTU {
		log.Debugf("Unable to read MTU, using %d: %v", defaultMTU, err)
		mtu = defaultMTU
	}
	return &AsyncDevice{
		OffloadDevice: NewOffloadDevice(dev, &OffloadOpts{MTU: mtu}),
		native:        dev,
	}, nil
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

// IntoDevice waits for background calls to finish and returns the
// underlying device. The AsyncDevice must not be used afterwards.
func (dev *AsyncDevice) IntoDevice() (*NativeDevice, error) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := dev.recv.Drain(ctx); err != nil {
		return nil, err
	}
	if err := dev.send.Drain(ctx); err != nil {
		return nil, err
	}
	return dev.native, nil
}
