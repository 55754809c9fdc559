//go:build linux

package monitor

import (
	"context"
	"log"

	"github.com/vishvananda/netlink"
)

// watchLinks calls changed whenever a link or an address changes, until ctx
// ends.
func watchLinks(ctx context.Context, changed func()) error {
	links := make(chan netlink.LinkUpdate, 16)
	addrs := make(chan netlink.AddrUpdate, 16)
	done := make(chan struct{})

	if err := netlink.LinkSubscribe(links, done); err != nil {
		close(done)
		return err
	}
	if err := netlink.AddrSubscribe(addrs, done); err != nil {
		close(done)
		return err
	}

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-links:
				if !ok {
					return
				}
				log.Printf("[MONITOR] Link %s changed (flags %v)", u.Attrs().Name, u.Attrs().Flags)
				changed()
			case u, ok := <-addrs:
				if !ok {
					return
				}
				log.Printf("[MONITOR] Address %s changed on link %d", u.LinkAddress.IP, u.LinkIndex)
				changed()
			}
		}
	}()
	return nil
}
