package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/getlantern/golog"
	"github.com/getlantern/tunio"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	log = golog.LoggerFor("tunio-demo")
)

var (
	tunDevice = flag.String("tun-device", "tun0", "tun device name")
	tunAddr   = flag.String("tun-address", "10.0.0.2", "tun device address")
	tunMask   = flag.String("tun-mask", "255.255.255.0", "tun device netmask")
	tunGW     = flag.String("tun-gw", "10.0.0.1", "tun device gateway")
	tunMTU    = flag.Int("tun-mtu", 1500, "tun device mtu")
	tap       = flag.Bool("tap", false, "open a tap device instead of a tun device")
	mac       = flag.String("mac", "aa:00:01:01:01:01", "mac address to use in tap device")
)

type fivetuple struct {
	proto            string
	srcIP, dstIP     string
	srcPort, dstPort int
}

func (ft fivetuple) String() string {
	return fmt.Sprintf("[%v] %v:%v -> %v:%v", ft.proto, ft.srcIP, ft.srcPort, ft.dstIP, ft.dstPort)
}

func decode(b []byte, first gopacket.LayerType) (fivetuple, bool) {
	var ft fivetuple
	pkt := gopacket.NewPacket(b, first, gopacket.NoCopy)
	nl := pkt.NetworkLayer()
	if nl == nil {
		return ft, false
	}
	src, dst := nl.NetworkFlow().Endpoints()
	ft.srcIP, ft.dstIP = src.String(), dst.String()
	switch tl := pkt.TransportLayer().(type) {
	case *layers.TCP:
		ft.proto, ft.srcPort, ft.dstPort = "TCP", int(tl.SrcPort), int(tl.DstPort)
	case *layers.UDP:
		ft.proto, ft.srcPort, ft.dstPort = "UDP", int(tl.SrcPort), int(tl.DstPort)
	default:
		ft.proto = nl.LayerType().String()
	}
	return ft, true
}

func main() {
	flag.Parse()

	cfg := &tun.Config{
		Name:        *tunDevice,
		Address:     net.ParseIP(*tunAddr),
		Netmask:     net.IPMask(net.ParseIP(*tunMask).To4()),
		Destination: net.ParseIP(*tunGW),
		MTU:         *tunMTU,
	}
	first := layers.LayerTypeIPv4
	if *tap {
		maddr, err := net.ParseMAC(*mac)
		if err != nil {
			log.Fatalf("Bad MAC address %v: %v", *mac, err)
		}
		cfg.Layer = tun.L2
		cfg.HardwareAddr = maddr
		cfg.Destination = nil
		first = layers.LayerTypeEthernet
	}

	dev, err := tun.OpenAsync(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer dev.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Debugf("Received %v, shutting down", sig)
		dev.Shutdown()
	}()

	name, _ := dev.Name()
	log.Debugf("Reading packets from %v", name)
	b := make([]byte, *tunMTU+64)
	for {
		n, err := dev.Recv(context.Background(), b)
		if err != nil {
			if tun.IsAborted(err) {
				return
			}
			log.Errorf("Unable to read packet: %v", err)
			return
		}
		pkt := b[:n]
		if !*tap && len(pkt) > 0 && pkt[0]>>4 == 6 {
			if ft, ok := decode(pkt, layers.LayerTypeIPv6); ok {
				log.Debugf("%v (%d bytes)", ft, n)
				continue
			}
		}
		if ft, ok := decode(pkt, first); ok {
			log.Debugf("%v (%d bytes)", ft, n)
		} else {
			log.Debugf("Non-IP packet (%d bytes)", n)
		}
	}
}
