// core_engine/network/tap_device.go
package network

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

// HostNetInterface defines the interface for interacting with the host's network.
type HostNetInterface interface {
	ReadPacket() ([]byte, error)
	WritePacket(packet []byte) error
	Close() error
}

// TapDevice implements HostNetInterface using a Linux TUN/TAP device.
type TapDevice struct {
	fd   int
	name string
	log  logr.Logger
}

// NewTapDevice creates and configures a new TAP device. Reads are
// non-blocking and return nil when no frame is queued.
func NewTapDevice(name string, log logr.Logger) (*TapDevice, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bad tap device name %q: %w", name, err)
	}
	// IFF_TAP for Ethernet frames, IFF_NO_PI to not include packet info
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF ioctl failed for %s: %w", name, err)
	}

	t := &TapDevice{fd: fd, name: ifr.Name(), log: log.WithValues("tap", ifr.Name())}
	t.log.Info("tap device created", "fd", fd)
	return t, nil
}

func (t *TapDevice) Name() string { return t.name }

// ReadPacket reads an Ethernet frame from the TAP device.
func (t *TapDevice) ReadPacket() ([]byte, error) {
	buffer := make([]byte, 2048)
	n, err := unix.Read(t.fd, buffer)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return nil, nil // No data available right now, not an error
		}
		return nil, fmt.Errorf("failed to read from tap device %s: %w", t.name, err)
	}
	return buffer[:n], nil
}

// WritePacket writes an Ethernet frame to the TAP device.
func (t *TapDevice) WritePacket(packet []byte) error {
	if _, err := unix.Write(t.fd, packet); err != nil {
		return fmt.Errorf("failed to write to tap device %s: %w", t.name, err)
	}
	return nil
}

// Close closes the TAP device file descriptor.
func (t *TapDevice) Close() error {
	if t.fd <= 0 {
		return nil
	}
	t.log.V(1).Info("closing tap device", "fd", t.fd)
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}

// SetLinkUp marks the interface administratively up.
func SetLinkUp(name string) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to open control socket: %w", err)
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return fmt.Errorf("SIOCGIFFLAGS failed for %s: %w", name, err)
	}
	ifr.SetUint16(ifr.Uint16() | unix.IFF_UP)
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("SIOCSIFFLAGS failed for %s: %w", name, err)
	}
	return nil
}
