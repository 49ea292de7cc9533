//go:build linux

package platform

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

var errAlreadyClosed = errors.New("already closed")

// openTUN creates a TUN interface from the clone device. The kernel fills
// in the %d of the template with the first free index.
func openTUN(template string) (int, string, error) {
	fd, err := unix.Open(tunCloneDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return -1, "", &DeviceError{Op: "open", Err: os.ErrPermission}
		}
		return -1, "", &DeviceError{Op: "open", Err: err}
	}

	ifr, err := unix.NewIfreq(template)
	if err != nil {
		unix.Close(fd)
		return -1, "", &DeviceError{Op: "interface name", Err: err}
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return -1, "", &DeviceError{Op: "ioctl TUNSETIFF", Err: err}
	}
	return fd, ifr.Name(), nil
}

func setNonblock(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}

func closeFd(fd int) error {
	if err := unix.Close(fd); err != nil {
		return &DeviceError{Op: "close", Err: err}
	}
	return nil
}
