package tun

import (
	"errors"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	utunControl = "com.apple.net.utun_control"
	utunPrefix  = "utun"

	afSysControl    = 2 // AF_SYS_CONTROL
	sysprotoControl = 2 // SYSPROTO_CONTROL
	utunOptIfname   = 2 // UTUN_OPT_IFNAME
)

func validatePlatform(cfg *Config) error {
	if cfg.Layer != L3 {
		return ErrUnsupportedLayer
	}
	if cfg.queues() > 1 {
		return ErrInvalidQueuesNumber
	}
	if cfg.Name != "" {
		if _, err := utunUnit(cfg.Name); err != nil {
			return err
		}
	}
	return nil
}

// utunUnit maps utunN to the control unit N+1. Unit 0 asks the kernel for
// the first free interface.
func utunUnit(name string) (uint32, error) {
	if name == "" {
		return 0, nil
	}
	if !strings.HasPrefix(name, utunPrefix) {
		return 0, ErrInvalidConfig
	}
	n, err := strconv.ParseUint(name[len(utunPrefix):], 10, 31)
	if err != nil {
		return 0, ErrInvalidConfig
	}
	return uint32(n) + 1, nil
}

func openNative(cfg *Config) (*NativeDevice, error) {
	if cfg.Offload || cfg.TxQueueLen > 0 {
		log.Debug("Ignoring linux only options")
	}
	unit, err := utunUnit(cfg.Name)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_SYSTEM, unix.SOCK_DGRAM, afSysControl)
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(fd)

	info := &unix.CtlInfo{}
	copy(info.Name[:], utunControl)
	if err := unix.IoctlCtlInfo(fd, info); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Connect(fd, &unix.SockaddrCtl{ID: info.Id, Unit: unit}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	name, err := queryName(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	t, err := newTunFD(fd, true, cfg.PacketInformation)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &NativeDevice{tunFD: t, layer: L3, name: name}, nil
}

// FromRawFd wraps a connected utun control socket. The caller must own fd;
// the device closes it on Close.
func FromRawFd(fd int) (*NativeDevice, error) {
	t, err := newTunFD(fd, true, false)
	if err != nil {
		return nil, err
	}
	return &NativeDevice{tunFD: t, layer: L3}, nil
}

func queryName(fd int) (string, error) {
	return unix.GetsockoptString(fd, sysprotoControl, utunOptIfname)
}

// SetName is not supported: utun interfaces are named by the kernel.
func (dev *NativeDevice) SetName(name string) error {
	return errors.ErrUnsupported
}
