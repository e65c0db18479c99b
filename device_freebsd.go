package tun

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const (
	maxUnits = 256

	tunSIFHEAD = 0x80047460 // _IOW('t', 96, int)
)

func validatePlatform(cfg *Config) error {
	if cfg.queues() > 1 {
		return ErrInvalidQueuesNumber
	}
	return nil
}

func devicePrefix(layer Layer) string {
	if layer == L2 {
		return "tap"
	}
	return "tun"
}

func openNative(cfg *Config) (*NativeDevice, error) {
	if cfg.Offload || cfg.TxQueueLen > 0 {
		log.Debug("Ignoring linux only options")
	}
	var fd int
	var name string
	var err error
	if cfg.Name != "" {
		name = cfg.Name
		fd, err = unix.Open(filepath.Join("/dev", name), unix.O_RDWR|unix.O_CLOEXEC, 0)
	} else {
		fd, name, err = openFirstFree(devicePrefix(cfg.Layer))
	}
	if err != nil {
		return nil, err
	}

	header := false
	if cfg.Layer == L3 {
		// Always ask for the address family header so IPv6 works.
		if err := unix.IoctlSetPointerInt(fd, tunSIFHEAD, 1); err != nil {
			unix.Close(fd)
			return nil, err
		}
		header = true
	}
	t, err := newTunFD(fd, header, cfg.PacketInformation && header)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &NativeDevice{tunFD: t, layer: cfg.Layer, name: name}, nil
}

// openFirstFree opens the first /dev/<prefix>N that is not in use.
func openFirstFree(prefix string) (int, string, error) {
	for i := 0; i < maxUnits; i++ {
		name := fmt.Sprintf("%v%d", prefix, i)
		fd, err := unix.Open(filepath.Join("/dev", name), unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err == nil {
			return fd, name, nil
		}
		if err != unix.EBUSY {
			return -1, "", err
		}
	}
	return -1, "", os.ErrNotExist
}

// FromRawFd wraps an open tun device descriptor that was put in
// multi-address-family mode (TUNSIFHEAD). The caller must own fd; the device
// closes it on Close.
func FromRawFd(fd int) (*NativeDevice, error) {
	t, err := newTunFD(fd, true, false)
	if err != nil {
		return nil, err
	}
	return &NativeDevice{tunFD: t, layer: L3}, nil
}

func queryName(fd int) (string, error) {
	return "", errors.New("name of wrapped descriptor is unknown")
}

// SetName renames the interface.
func (dev *NativeDevice) SetName(name string) error {
	if len(name) > maxNameLen {
		return ErrNameTooLong
	}
	old, err := dev.Name()
	if err != nil {
		return err
	}
	dev.nameMx.Lock()
	defer dev.nameMx.Unlock()
	if err := runCommand("ifconfig", old, "name", name); err != nil {
		return err
	}
	dev.name = name
	return nil
}
