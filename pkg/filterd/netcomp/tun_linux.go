// tun_linux.go: TUN devices via the Universal TUN/TAP driver.
package netcomp

import (
	"bytes"
	"fmt"
	"os"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Device is an open point-to-point tunnel interface. The interface lives
// exactly as long as the descriptor; closing the file removes it.
type Device struct {
	Name string
	File *os.File
}

// ioctlTunSetInterfaceFlags wraps the TUNSETIFF ioctl.
func ioctlTunSetInterfaceFlags(fd int, name string, flags int16) (string, error) {
	var ifreq struct {
		name  [unix.IFNAMSIZ]byte
		flags int16
	}

	if len(name) >= unix.IFNAMSIZ {
		return "", unix.EINVAL
	}
	copy(ifreq.name[:], name)
	ifreq.flags = flags

	// <linux/if.h> declares TUNSETIFF as taking an 'int', not a pointer,
	// so the pointer gets cast to an int for IoctlSetInt.
	err := unix.IoctlSetInt(fd, unix.TUNSETIFF, int(uintptr(unsafe.Pointer(&ifreq))))

	return string(bytes.SplitN(ifreq.name[:], []byte{0}, 2)[0]), err
}

// openTun creates a TUN device with the given fixed name in the current
// network namespace. An interface already carrying that name is a startup
// error, not something to silently reuse.
func openTun(name string) (*Device, error) {
	if _, err := netlink.LinkByName(name); err == nil {
		return nil, fmt.Errorf("interface %q already exists", name)
	}

	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}
	actual, err := ioctlTunSetInterfaceFlags(fd, name, unix.IFF_TUN|unix.IFF_NO_PI)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("create %s: %w", name, err)
	}

	// Non-blocking so that Read() doesn't hang when the fd is closed;
	// os.File integrates the fd with the runtime poller.
	_ = unix.SetNonblock(fd, true)
	return &Device{Name: actual, File: os.NewFile(uintptr(fd), actual)}, nil
}

// Close releases the descriptor, which also removes the interface.
func (d *Device) Close() error {
	return d.File.Close()
}
