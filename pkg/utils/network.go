package utils

import (
	"net"
	"net/netip"
)

// GetLocalIP returns the preferred outbound IP of this machine.
func GetLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

// Interface is a network interface with its IPv4 addresses.
type Interface struct {
	Name  string
	Index int
	Flags net.Flags
	Addrs []netip.Addr
}

// Interfaces lists the machine's interfaces.
func Interfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(ifaces))
	for _, ifi := range ifaces {
		info := Interface{Name: ifi.Name, Index: ifi.Index, Flags: ifi.Flags}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok {
				if ip, ok := netip.AddrFromSlice(ipn.IP); ok && ip.Unmap().Is4() {
					info.Addrs = append(info.Addrs, ip.Unmap())
				}
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// Usable reports whether multicast chat can run over the interface.
func (i Interface) Usable() bool {
	return i.Flags&net.FlagUp != 0 &&
		i.Flags&net.FlagLoopback == 0 &&
		i.Flags&net.FlagPointToPoint == 0 &&
		i.Flags&net.FlagMulticast != 0 &&
		len(i.Addrs) > 0
}

// PickInterface chooses the interface to chat on. A usable preferred
// interface wins; otherwise the one carrying outbound, then the first usable.
func PickInterface(ifaces []Interface, preferred, outbound string) (Interface, netip.Addr, bool) {
	if preferred != "" {
		for _, i := range ifaces {
			if i.Name == preferred && i.Usable() {
				return i, i.Addrs[0], true
			}
		}
	}
	if out, err := netip.ParseAddr(outbound); err == nil {
		for _, i := range ifaces {
			if !i.Usable() {
				continue
			}
			for _, a := range i.Addrs {
				if a == out {
					return i, a, true
				}
			}
		}
	}
	for _, i := range ifaces {
		if i.Usable() {
			return i, i.Addrs[0], true
		}
	}
	return Interface{}, netip.Addr{}, false
}
