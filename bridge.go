package tun

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oxtoacart/bpool"
)

const (
	defaultWriteBufferDepth = 100
	defaultStatsInterval    = 15 * time.Second
)

// BridgeOpts configures a Bridge
type BridgeOpts struct {
	MTU              int
	WriteBufferDepth int
	BufferPoolDepth  int
	StatsInterval    time.Duration
}

// Bridge relays packets in both directions between two PacketConns, for
// example an AsyncDevice and a tunnel transport.
type Bridge interface {
	// Serve relays packets until ctx ends, either side is shut down or either
	// side fails (blocking). It returns nil in the first two cases.
	Serve(ctx context.Context) error

	// Stats returns the packets and bytes relayed so far.
	Stats() BridgeStats
}

// BridgeStats counts relayed traffic per direction.
type BridgeStats struct {
	PacketsAB, BytesAB int64
	PacketsBA, BytesBA int64
}

type counter struct {
	packets int64
	bytes   int64
}

func (c *counter) add(n int) {
	atomic.AddInt64(&c.packets, 1)
	atomic.AddInt64(&c.bytes, int64(n))
}

type bridge struct {
	a, b          PacketConn
	mtu           int
	depth         int
	statsInterval time.Duration
	buffers       *bpool.BytePool
	ab, ba        counter
}

// NewBridge creates a new bridge between a and b. Neither side is closed
// when the bridge stops.
func NewBridge(a, b PacketConn, opts *BridgeOpts) Bridge {
	if opts == nil {
		opts = &BridgeOpts{}
	}
	if opts.MTU <= 0 {
		opts.MTU = defaultMTU
		log.Debugf("Defaulting mtu to %v", opts.MTU)
	}
	if opts.WriteBufferDepth <= 0 {
		opts.WriteBufferDepth = defaultWriteBufferDepth
		log.Debugf("Defaulting write buffer depth to %v", opts.WriteBufferDepth)
	}
	if opts.BufferPoolDepth <= 0 {
		opts.BufferPoolDepth = defaultBufferPoolDepth
		log.Debugf("Defaulting buffer pool depth to %v", opts.BufferPoolDepth)
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = defaultStatsInterval
	}
	return &bridge{
		a:             a,
		b:             b,
		mtu:           opts.MTU,
		depth:         opts.WriteBufferDepth,
		statsInterval: opts.StatsInterval,
		buffers:       bpool.NewBytePool(opts.BufferPoolDepth, opts.MTU),
	}
}

func (br *bridge) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 4)
	var wg sync.WaitGroup
	relay := func(from, to PacketConn, c *counter) {
		writes := make(chan []byte, br.depth)
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- br.read(ctx, from, writes)
		}()
		go func() {
			defer wg.Done()
			errs <- br.write(ctx, to, writes, c)
		}()
	}
	relay(br.a, br.b, &br.ab)
	relay(br.b, br.a, &br.ba)
	go br.trackStats(ctx)

	err := <-errs
	cancel()
	wg.Wait()
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if IsAborted(err) {
		log.Debug("bridge received stop signal")
		return nil
	}
	err = wrap(err, "Error relaying packets")
	log.Error(err)
	return err
}

func (br *bridge) read(ctx context.Context, from PacketConn, writes chan<- []byte) error {
	for {
		buf := br.buffers.Get()
		n, err := from.Recv(ctx, buf)
		if err != nil {
			br.buffers.Put(buf)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case writes <- buf[:n]:
		case <-ctx.Done():
			br.buffers.Put(buf)
			return nil
		}
	}
}

func (br *bridge) write(ctx context.Context, to PacketConn, writes <-chan []byte, c *counter) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-writes:
			n, err := to.Send(ctx, pkt)
			br.buffers.Put(pkt[:cap(pkt)])
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			c.add(n)
		}
	}
}

func (br *bridge) Stats() BridgeStats {
	return BridgeStats{
		PacketsAB: atomic.LoadInt64(&br.ab.packets),
		BytesAB:   atomic.LoadInt64(&br.ab.bytes),
		PacketsBA: atomic.LoadInt64(&br.ba.packets),
		BytesBA:   atomic.LoadInt64(&br.ba.bytes),
	}
}
