package tun

import (
	"net"
)

const (
	maxMTU = 65535
)

// Layer selects between IP packets (L3, TUN) and Ethernet frames (L2, TAP).
type Layer int

const (
	L3 Layer = iota
	L2
)

func (l Layer) String() string {
	switch l {
	case L3:
		return "L3"
	case L2:
		return "L2"
	}
	return "unknown"
}

// IPv6Addr is an IPv6 address with its prefix length.
type IPv6Addr struct {
	IP     net.IP
	Prefix int
}

// Config describes a device to open. Zero values leave the OS default in
// place, except where noted.
type Config struct {
	// Name of the interface. Empty lets the OS pick one.
	Name  string
	Layer Layer

	// IPv4 addressing, applied together as the network address.
	Address     net.IP
	Netmask     net.IPMask // defaults to 255.255.255.0 when Address is set
	Destination net.IP

	IPv6 []IPv6Addr

	MTU   int
	MTUv6 int // windows only

	// Enabled brings the interface up (the default) or leaves it down.
	Enabled *bool

	// HardwareAddr is only applied to L2 devices.
	HardwareAddr net.HardwareAddr

	// PacketInformation keeps the 4-byte packet information header on every
	// packet (linux, darwin, freebsd).
	PacketInformation bool

	// linux only.
	Offload    bool
	MultiQueue bool
	Queues     int
	TxQueueLen int

	// windows only.
	RingCapacity   uint32
	Metric         int
	DeviceGUID     string
	DriverPath     string
	DeleteRegistry bool
	TapComponentID string
}

// Validate checks everything that can be checked without touching the OS.
func (cfg *Config) Validate() error {
	if len(cfg.Name) > maxNameLen {
		return ErrNameTooLong
	}
	if cfg.Layer != L3 && cfg.Layer != L2 {
		return ErrUnsupportedLayer
	}
	if cfg.Queues < 0 || (cfg.Queues > 1 && !cfg.MultiQueue) {
		return ErrInvalidQueuesNumber
	}
	if cfg.Address != nil {
		if _, err := toIPv4(cfg.Address); err != nil {
			return err
		}
	} else if cfg.Netmask != nil || cfg.Destination != nil {
		return ErrInvalidConfig
	}
	if cfg.Netmask != nil {
		if _, bits := cfg.Netmask.Size(); bits != 8*net.IPv4len {
			return ErrInvalidAddress
		}
	}
	if cfg.Destination != nil {
		if _, err := toIPv4(cfg.Destination); err != nil {
			return err
		}
	}
	for _, addr := range cfg.IPv6 {
		if _, err := toIPv6(addr.IP); err != nil {
			return err
		}
		if addr.Prefix < 0 || addr.Prefix > 8*net.IPv6len {
			return ErrInvalidAddress
		}
	}
	if cfg.HardwareAddr != nil && len(cfg.HardwareAddr) != 6 {
		return ErrInvalidAddress
	}
	if cfg.MTU < 0 || cfg.MTU > maxMTU || cfg.MTUv6 < 0 || cfg.MTUv6 > maxMTU {
		return ErrInvalidConfig
	}
	if cfg.TxQueueLen < 0 || cfg.Metric < 0 {
		return ErrInvalidConfig
	}
	return validatePlatform(cfg)
}

func (cfg *Config) enabled() bool {
	return cfg.Enabled == nil || *cfg.Enabled
}

func (cfg *Config) queues() int {
	if cfg.Queues < 1 {
		return 1
	}
	return cfg.Queues
}

// Configure applies cfg to dev: MTU first, then the optional platform
// settings, the hardware address (L2 only), the IPv4 network address, the
// IPv6 addresses and finally the enabled state, so that the interface only
// comes up once it is addressed.
func Configure(dev Device, cfg *Config) error {
	if cfg.MTU > 0 {
		if err := dev.SetMTU(cfg.MTU); err != nil {
			return wrap(err, "Unable to set MTU to %d", cfg.MTU)
		}
	}
	if cfg.MTUv6 > 0 {
		if s, ok := dev.(mtuV6Setter); ok {
			if err := s.SetMTUv6(cfg.MTUv6); err != nil {
				return wrap(err, "Unable to set IPv6 MTU to %d", cfg.MTUv6)
			}
		} else {
			log.Debugf("Ignoring IPv6 MTU on this platform")
		}
	}
	if cfg.Metric > 0 {
		if s, ok := dev.(metricSetter); ok {
			if err := s.SetMetric(cfg.Metric); err != nil {
				return wrap(err, "Unable to set metric to %d", cfg.Metric)
			}
		} else {
			log.Debugf("Ignoring metric on this platform")
		}
	}
	if cfg.TxQueueLen > 0 {
		if s, ok := dev.(txQueueLenSetter); ok {
			if err := s.SetTxQueueLen(cfg.TxQueueLen); err != nil {
				return wrap(err, "Unable to set tx queue length to %d", cfg.TxQueueLen)
			}
		} else {
			log.Debugf("Ignoring tx queue length on this platform")
		}
	}
	if cfg.Layer == L2 && cfg.HardwareAddr != nil {
		if err := dev.SetHardwareAddress(cfg.HardwareAddr); err != nil {
			return wrap(err, "Unable to set hardware address to %v", cfg.HardwareAddr)
		}
	}
	if cfg.Address != nil {
		mask := cfg.Netmask
		if mask == nil {
			mask = net.CIDRMask(24, 8*net.IPv4len)
			log.Debugf("Defaulting netmask to %v", net.IP(mask))
		}
		if err := dev.SetNetworkAddress(cfg.Address, mask, cfg.Destination); err != nil {
			return wrap(err, "Unable to set network address %v/%v", cfg.Address, net.IP(mask))
		}
	}
	for _, addr := range cfg.IPv6 {
		if err := dev.AddAddressV6(addr.IP, addr.Prefix); err != nil {
			return wrap(err, "Unable to add address %v/%d", addr.IP, addr.Prefix)
		}
	}
	if err := dev.SetEnabled(cfg.enabled()); err != nil {
		return wrap(err, "Unable to set enabled to %v", cfg.enabled())
	}
	return nil
}

// Open creates or attaches to the interface described by cfg and configures
// it. Nothing is returned, and the interface is closed, if any step fails.
func Open(cfg *Config) (*NativeDevice, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dev, err := openNative(cfg)
	if err != nil {
		err = wrap(err, "Unable to open %v device %q", cfg.Layer, cfg.Name)
		log.Error(err)
		return nil, err
	}
	if err := Configure(dev, cfg); err != nil {
		dev.Close()
		err = wrap(err, "Unable to configure device")
		log.Error(err)
		return nil, err
	}
	name, _ := dev.Name()
	log.Debugf("Opened %v device %v", cfg.Layer, name)
	return dev, nil
}
