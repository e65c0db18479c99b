package tun

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	no := false
	cases := []struct {
		name string
		cfg  Config
		err  error
	}{
		{"empty", Config{}, nil},
		{"name too long", Config{Name: strings.Repeat("x", maxNameLen+1)}, ErrNameTooLong},
		{"bad layer", Config{Layer: Layer(7)}, ErrUnsupportedLayer},
		{"negative queues", Config{Queues: -1}, ErrInvalidQueuesNumber},
		{"queues without multiqueue", Config{Queues: 2}, ErrInvalidQueuesNumber},
		{"ipv6 as ipv4", Config{Address: net.ParseIP("fd00::1")}, ErrInvalidAddress},
		{"netmask without address", Config{Netmask: net.CIDRMask(24, 32)}, ErrInvalidConfig},
		{"ipv6 netmask", Config{Address: net.ParseIP("10.0.0.1"), Netmask: net.CIDRMask(64, 128)}, ErrInvalidAddress},
		{"ipv6 destination", Config{Address: net.ParseIP("10.0.0.1"), Destination: net.ParseIP("fd00::2")}, ErrInvalidAddress},
		{"ipv4 in ipv6 list", Config{IPv6: []IPv6Addr{{IP: net.ParseIP("10.0.0.1"), Prefix: 64}}}, ErrInvalidAddress},
		{"ipv6 prefix", Config{IPv6: []IPv6Addr{{IP: net.ParseIP("fd00::1"), Prefix: 129}}}, ErrInvalidAddress},
		{"short mac", Config{HardwareAddr: net.HardwareAddr{1, 2, 3}}, ErrInvalidAddress},
		{"mtu", Config{MTU: maxMTU + 1}, ErrInvalidConfig},
		{"negative mtu", Config{MTU: -1}, ErrInvalidConfig},
		{"negative txqueuelen", Config{TxQueueLen: -1}, ErrInvalidConfig},
		{"disabled", Config{Enabled: &no}, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.err, c.cfg.Validate())
		})
	}
}

func TestConfigureOrder(t *testing.T) {
	dev := newFakeDevice()
	yes := true
	mac, _ := net.ParseMAC("aa:00:01:01:01:01")
	cfg := &Config{
		Layer:        L2,
		MTU:          1350,
		MTUv6:        1280,
		Metric:       5,
		HardwareAddr: mac,
		Address:      net.ParseIP("10.0.0.9"),
		Netmask:      net.CIDRMask(24, 32),
		Destination:  net.ParseIP("10.0.0.1"),
		IPv6:         []IPv6Addr{{IP: net.ParseIP("fd00::9"), Prefix: 64}},
		Enabled:      &yes,
	}
	require.NoError(t, cfg.Validate())
	require.NoError(t, Configure(dev, cfg))

	// The fake has no IPv6 MTU, so that step is skipped.
	assert.Equal(t, []string{"mtu", "metric", "mac", "address", "netmask", "destination", "v6", "enabled"}, dev.callLog())

	mtu, _ := dev.MTU()
	assert.Equal(t, 1350, mtu)
	addr, _ := dev.Address()
	assert.Equal(t, "10.0.0.9", addr.String())
	mask, _ := dev.Netmask()
	assert.Equal(t, "255.255.255.0", net.IP(mask).String())
	dest, _ := dev.Destination()
	assert.Equal(t, "10.0.0.1", dest.String())
	assert.True(t, dev.enabled)
	assert.Equal(t, mac, dev.mac)
	assert.Equal(t, 5, dev.metric)
	assert.Len(t, dev.v6, 1)
}

func TestConfigureDefaults(t *testing.T) {
	dev := newFakeDevice()
	mac, _ := net.ParseMAC("aa:00:01:01:01:01")
	cfg := &Config{
		HardwareAddr: mac,
		Address:      net.ParseIP("10.0.0.9"),
	}
	require.NoError(t, Configure(dev, cfg))

	assert.Equal(t, []string{"address", "netmask", "enabled"}, dev.callLog(), "L3 devices ignore the hardware address")
	mask, _ := dev.Netmask()
	assert.Equal(t, "255.255.255.0", net.IP(mask).String())
	assert.True(t, dev.enabled, "devices are enabled unless asked otherwise")
}

func TestConfigureDisabled(t *testing.T) {
	dev := newFakeDevice()
	dev.enabled = true
	no := false
	require.NoError(t, Configure(dev, &Config{Enabled: &no}))
	assert.Equal(t, []string{"enabled"}, dev.callLog())
	assert.False(t, dev.enabled)
}

func TestConfigureStopsAtFirstFailure(t *testing.T) {
	dev := newFakeDevice()
	dev.failOn = "netmask"
	err := Configure(dev, &Config{
		MTU:     1400,
		Address: net.ParseIP("10.0.0.9"),
		IPv6:    []IPv6Addr{{IP: net.ParseIP("fd00::9"), Prefix: 64}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), errFake.Error())
	assert.Equal(t, []string{"mtu", "address", "netmask"}, dev.callLog(), "nothing is applied after a failure and the device is not enabled")
}

func TestConfigureKeepsCause(t *testing.T) {
	dev := newFakeDevice()
	dev.failOn = "netmask"
	err := Configure(dev, &Config{Address: net.ParseIP("10.0.0.9")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errFake))

	dev = newFakeDevice()
	dev.failOn = "mtu"
	dev.failErr = syscall.EPERM
	err = Configure(dev, &Config{MTU: 1400})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unable to set MTU to 1400")
	var errno syscall.Errno
	if assert.True(t, errors.As(err, &errno)) {
		assert.Equal(t, syscall.EPERM, errno)
	}

	// Wrapping again, as Open does, keeps the errno reachable.
	outer := wrap(err, "Unable to configure device")
	assert.True(t, errors.Is(outer, syscall.EPERM))
	assert.Contains(t, outer.Error(), "Unable to configure device: Unable to set MTU to 1400")
}

func TestLayerString(t *testing.T) {
	assert.Equal(t, "L3", L3.String())
	assert.Equal(t, "L2", L2.String())
	assert.Equal(t, "unknown", Layer(9).String())
}
