//go:build linux

package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/rennerdo30/bifrost-tunnel/internal/util"
)

// WaitForTunnelUp blocks until the interface behind fd is up and, with
// ipv6Enabled, its IPv6 addresses have left the tentative state.
func (l *Local) WaitForTunnelUp(ctx context.Context, fd int, ipv6Enabled bool) error {
	name, err := interfaceName(fd)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		up, err := linkReady(name, ipv6Enabled)
		if err != nil {
			l.logger.Debug("interface not ready", "interface", name, "error", err)
		}
		if up {
			l.logger.Debug("tunnel interface up", "interface", name, "waited", time.Since(start))
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return util.WrapErrorf(util.ErrTimeout, "interface %s not up after %s", name, time.Since(start).Round(time.Millisecond))
			}
			return fmt.Errorf("interface %s not up: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// interfaceName resolves the interface behind a TUN fd. The fd is
// duplicated so closing the wrapper leaves the caller's fd open.
func interfaceName(fd int) (string, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return "", fmt.Errorf("dup tunnel fd: %w", err)
	}
	dev, name, err := tun.CreateUnmonitoredTUNFromFD(dup)
	if err != nil {
		unix.Close(dup)
		return "", fmt.Errorf("inspect tunnel fd: %w", err)
	}
	if err := dev.Close(); err != nil {
		return "", fmt.Errorf("close tunnel fd wrapper: %w", err)
	}
	return name, nil
}

func linkReady(name string, ipv6Enabled bool) (bool, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return false, err
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		return false, nil
	}
	if !ipv6Enabled {
		return true, nil
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V6)
	if err != nil && !errors.Is(err, netlink.ErrDumpInterrupted) {
		return false, err
	}
	for _, a := range addrs {
		if a.Flags&unix.IFA_F_TENTATIVE != 0 {
			return false, nil
		}
	}
	return true, nil
}
