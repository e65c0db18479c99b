// example joins two tun devices with a Bridge, so that whatever the kernel
// routes into one comes out of the other.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getlantern/golog"
	"github.com/getlantern/tunio"
)

var (
	log = golog.LoggerFor("tunio-example")
)

var (
	leftDevice  = flag.String("left-device", "tun0", "first tun device name")
	leftAddr    = flag.String("left-address", "10.0.0.2", "first tun device address")
	rightDevice = flag.String("right-device", "tun1", "second tun device name")
	rightAddr   = flag.String("right-address", "10.0.1.2", "second tun device address")
	tunMask     = flag.String("tun-mask", "255.255.255.0", "netmask for both devices")
	mtu         = flag.Int("mtu", 1500, "mtu for both devices")
	stats       = flag.Duration("stats-interval", 5*time.Second, "how often to log relay stats")
)

func open(name, addr string) *tun.OffloadDevice {
	dev, err := tun.Open(&tun.Config{
		Name:    name,
		Address: net.ParseIP(addr),
		Netmask: net.IPMask(net.ParseIP(*tunMask).To4()),
		MTU:     *mtu,
	})
	if err != nil {
		log.Fatal(err)
	}
	return tun.NewOffloadDevice(dev, &tun.OffloadOpts{MTU: *mtu})
}

func main() {
	flag.Parse()

	left := open(*leftDevice, *leftAddr)
	defer left.Close()
	right := open(*rightDevice, *rightAddr)
	defer right.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	br := tun.NewBridge(left, right, &tun.BridgeOpts{MTU: *mtu, StatsInterval: *stats})
	if err := br.Serve(ctx); err != nil {
		log.Error(err)
	}
	s := br.Stats()
	log.Debugf("Relayed %d packets left to right and %d right to left", s.PacketsAB, s.PacketsBA)
}
