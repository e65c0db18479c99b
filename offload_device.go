package tun

import (
	"context"
	"time"

	"github.com/getlantern/tunio/offload"
	"github.com/oxtoacart/bpool"
)

const (
	defaultBufferPoolDepth = 64
	drainTimeout           = 30 * time.Second

	// Room for a packet information or virtio header on top of the MTU.
	headerRoom = 16
)

// OffloadOpts configures an OffloadDevice.
type OffloadOpts struct {
	// MTU bounds the packets received in the background. Larger packets are
	// truncated.
	MTU             int
	BufferPoolDepth int
	// Pool runs the blocking calls. Defaults to offload.DefaultPool().
	Pool *offload.Pool
}

// OffloadDevice gives any Device cancellable, multi-caller Recv and Send by
// running its blocking calls on a worker pool. At most one background call
// per direction is in flight and callers that arrive meanwhile share it.
//
// Send is optimistic: once the packet is handed to a background send it
// returns len(b). A failure of that send is returned to the callers waiting
// behind it, or logged if there are none.
type OffloadDevice struct {
	Device

	recv    *offload.Slot[[]byte]
	send    *offload.Slot[int]
	buffers *bpool.BytePool
	width   int
}

var _ PacketConn = (*OffloadDevice)(nil)

// NewOffloadDevice wraps dev. The OffloadDevice owns dev from then on.
func NewOffloadDevice(dev Device, opts *OffloadOpts) *OffloadDevice {
	if opts == nil {
		opts = &OffloadOpts{}
	}
	if opts.MTU <= 0 {
		opts.MTU = defaultMTU
		log.Debugf("Defaulting offload mtu to %v", opts.MTU)
	}
	if opts.BufferPoolDepth <= 0 {
		opts.BufferPoolDepth = defaultBufferPoolDepth
		log.Debugf("Defaulting offload buffer pool depth to %v", opts.BufferPoolDepth)
	}
	width := opts.MTU + headerRoom
	od := &OffloadDevice{
		Device:  dev,
		buffers: bpool.NewBytePool(opts.BufferPoolDepth, width),
		width:   width,
	}
	od.recv = offload.NewSlot[[]byte](opts.Pool, od.release)
	od.send = offload.NewSlot[int](opts.Pool, nil)
	return od
}

// Recv returns the next packet, taking it directly if one is ready and
// otherwise waiting on the shared background receive. It never returns
// ErrWouldBlock.
func (od *OffloadDevice) Recv(ctx context.Context, b []byte) (int, error) {
	// Only bypass the slot when it is empty, so a packet already received in
	// the background is delivered before any later one.
	if od.recv.Idle() {
		n, err := od.Device.TryRecv(b)
		if !IsWouldBlock(err) {
			return n, err
		}
	}
	pkt, err := od.recv.Do(ctx, od.recvOne)
	if err != nil {
		return 0, err
	}
	n := copy(b, pkt)
	od.release(pkt)
	return n, nil
}

func (od *OffloadDevice) recvOne() ([]byte, error) {
	buf := od.buffers.Get()
	n, err := od.Device.Recv(buf)
	if err != nil {
		od.release(buf)
		return nil, err
	}
	return buf[:n], nil
}

// Send hands b to the device, directly if it has room and otherwise through
// the background sender. It never returns ErrWouldBlock.
func (od *OffloadDevice) Send(ctx context.Context, b []byte) (int, error) {
	if od.send.Idle() {
		n, err := od.Device.TrySend(b)
		if !IsWouldBlock(err) {
			return n, err
		}
	}
	pkt := od.get(len(b))
	copy(pkt, b)
	err := od.send.Enqueue(ctx, func() (int, error) {
		defer od.release(pkt)
		return od.Device.Send(pkt)
	})
	if err != nil {
		od.release(pkt)
		return 0, err
	}
	return len(b), nil
}

// Close shuts the device down, waits for background calls to return and
// then closes it.
func (od *OffloadDevice) Close() error {
	od.Device.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	// Wait for background calls to finish, but no longer than drainTimeout
	if err := od.recv.Drain(ctx); err != nil {
		log.Debugf("Background receive still running at close: %v", err)
	}
	if err := od.send.Drain(ctx); err != nil {
		log.Debugf("Background send still running at close: %v", err)
	}
	return od.Device.Close()
}

func (od *OffloadDevice) get(size int) []byte {
	if size > od.width {
		return make([]byte, size)
	}
	return od.buffers.Get()[:size]
}

func (od *OffloadDevice) release(b []byte) {
	if cap(b) == od.width {
		od.buffers.Put(b[:od.width])
	}
}
