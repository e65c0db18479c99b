package tun

import (
	"fmt"
	"net"
	"strconv"
)

func netshSetAddress(idx int, ip net.IP, mask net.IPMask, gateway net.IP) error {
	args := []string{"interface", "ipv4", "set", "address",
		"name=" + strconv.Itoa(idx), "source=static",
		"address=" + ip.String(), "mask=" + net.IP(mask).String()}
	if gateway != nil {
		args = append(args, "gateway="+gateway.String())
	}
	return runCommand("netsh", args...)
}

func netshAddAddressV6(idx int, ip net.IP, prefix int) error {
	return runCommand("netsh", "interface", "ipv6", "add", "address",
		strconv.Itoa(idx), fmt.Sprintf("%v/%d", ip, prefix), "store=active")
}

func netshDeleteAddress(idx int, ip net.IP) error {
	family := "ipv6"
	if ip.To4() != nil {
		family = "ipv4"
	}
	return runCommand("netsh", "interface", family, "delete", "address", strconv.Itoa(idx), ip.String())
}

func netshSetMTU(idx int, family string, mtu int) error {
	return runCommand("netsh", "interface", family, "set", "subinterface",
		strconv.Itoa(idx), "mtu="+strconv.Itoa(mtu), "store=active")
}

func netshSetMetric(idx int, metric int) error {
	return runCommand("netsh", "interface", "ipv4", "set", "interface",
		strconv.Itoa(idx), "metric="+strconv.Itoa(metric))
}

func netshSetAdmin(name string, enabled bool) error {
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	return runCommand("netsh", "interface", "set", "interface", "name="+name, "admin="+state)
}

func netshRename(old, name string) error {
	return runCommand("netsh", "interface", "set", "interface", "name="+old, "newname="+name)
}

func netshAddRoute(idx int, dst *net.IPNet) error {
	family := "ipv6"
	if dst.IP.To4() != nil {
		family = "ipv4"
	}
	return runCommand("netsh", "interface", family, "add", "route",
		"prefix="+dst.String(), "interface="+strconv.Itoa(idx), "store=active")
}
