package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"lanchat/internal/config"
	"lanchat/internal/wire"
	"lanchat/pkg/utils"
)

const readBufferSize = 2048

// Transport is the UDP implementation of Network.
type Transport struct {
	config config.Config
	group  netip.Addr

	// connectMu serializes Connect from start to finish.
	connectMu sync.Mutex

	mu          sync.Mutex
	connected   bool
	iface       utils.Interface
	localAddr   netip.Addr
	main        *net.UDPConn
	temp        *net.UDPConn
	priv        *net.UDPConn
	privatePort int
	wg          sync.WaitGroup

	lmu       sync.RWMutex
	receivers map[Channel][]func(Inbound)
	listeners []StatusListener
}

func NewTransport(cfg config.Config) (*Transport, error) {
	group, err := netip.ParseAddr(cfg.MulticastGroup)
	if err != nil || !group.Is4() || !group.IsMulticast() {
		return nil, fmt.Errorf("multicast group %q: not an IPv4 multicast address", cfg.MulticastGroup)
	}
	return &Transport{
		config:    cfg,
		group:     group,
		receivers: make(map[Channel][]func(Inbound)),
	}, nil
}

func (t *Transport) AddReceiver(ch Channel, fn func(Inbound)) {
	t.lmu.Lock()
	t.receivers[ch] = append(t.receivers[ch], fn)
	t.lmu.Unlock()
}

func (t *Transport) AddStatusListener(l StatusListener) {
	t.lmu.Lock()
	t.listeners = append(t.listeners, l)
	t.lmu.Unlock()
}

func (t *Transport) statusListeners() []StatusListener {
	t.lmu.RLock()
	defer t.lmu.RUnlock()
	out := make([]StatusListener, len(t.listeners))
	copy(out, t.listeners)
	return out
}

// selectInterface picks the interface to chat on.
func (t *Transport) selectInterface() (utils.Interface, netip.Addr, error) {
	ifaces, err := utils.Interfaces()
	if err != nil {
		return utils.Interface{}, netip.Addr{}, fmt.Errorf("%w: %v", ErrNoNetwork, err)
	}
	iface, addr, ok := utils.PickInterface(ifaces, t.config.Interface, utils.GetLocalIP())
	if !ok {
		return utils.Interface{}, netip.Addr{}, fmt.Errorf("%w: no interface is up with multicast and an IPv4 address", ErrNoNetwork)
	}
	if t.config.Interface != "" && iface.Name != t.config.Interface {
		log.Printf("[NETWORK] Interface %s not usable, using %s", t.config.Interface, iface.Name)
	}
	return iface, addr, nil
}

// Connect joins the main and temporary groups and binds the private port.
func (t *Transport) Connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	iface, addr, err := t.selectInterface()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, l := range t.statusListeners() {
		l.BeforeNetworkUp()
	}

	ifi, err := net.InterfaceByIndex(iface.Index)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoNetwork, err)
	}
	main, err := listenGroup(ifi, t.group, t.config.MainPort)
	if err != nil {
		return fmt.Errorf("%w: main channel: %v", ErrNoNetwork, err)
	}
	temp, err := listenGroup(ifi, t.group, t.config.TempPort)
	if err != nil {
		main.Close()
		return fmt.Errorf("%w: temporary channel: %v", ErrNoNetwork, err)
	}
	priv, port, err := bindUDP(t.config.PrivatePort, t.config.PortAttempts)
	if err != nil {
		main.Close()
		temp.Close()
		return fmt.Errorf("%w: private channel: %v", ErrNoNetwork, err)
	}
	if err := t.configureSender(priv, ifi); err != nil {
		main.Close()
		temp.Close()
		priv.Close()
		return fmt.Errorf("%w: %v", ErrNoNetwork, err)
	}

	t.mu.Lock()
	t.connected = true
	t.iface = iface
	t.localAddr = addr
	t.main, t.temp, t.priv = main, temp, priv
	t.privatePort = port
	t.wg.Add(3)
	go t.receive(main, Main)
	go t.receive(temp, Temp)
	go t.receive(priv, Private)
	t.mu.Unlock()

	log.Printf("[NETWORK] Up on %s (%s), group %s:%d, private port %d", iface.Name, addr, t.group, t.config.MainPort, port)
	for _, l := range t.statusListeners() {
		l.NetworkUp()
	}
	return nil
}

// configureSender sets up the private socket to also send to the group.
func (t *Transport) configureSender(c *net.UDPConn, ifi *net.Interface) error {
	pc := ipv4.NewPacketConn(c)
	if err := pc.SetMulticastInterface(ifi); err != nil {
		return fmt.Errorf("multicast interface: %w", err)
	}
	if err := pc.SetMulticastTTL(t.config.MulticastTTL); err != nil {
		return fmt.Errorf("multicast ttl: %w", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		return fmt.Errorf("multicast loopback: %w", err)
	}
	return nil
}

func listenGroup(ifi *net.Interface, group netip.Addr, port int) (*net.UDPConn, error) {
	conn, err := net.ListenMulticastUDP("udp4", ifi, net.UDPAddrFromAddrPort(netip.AddrPortFrom(group, uint16(port))))
	if err != nil {
		return nil, err
	}
	conn.SetReadBuffer(readBufferSize * 64)
	return conn, nil
}

// bindUDP binds the first free port from base on.
func bindUDP(base, attempts int) (*net.UDPConn, int, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for port := base; port < base+attempts && port <= 65535; port++ {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
		if err == nil {
			return conn, conn.LocalAddr().(*net.UDPAddr).Port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no free port in %d-%d: %w", base, base+attempts-1, lastErr)
}

func (t *Transport) receive(conn *net.UDPConn, ch Channel) {
	defer t.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[NETWORK] %s channel read error: %v", ch, err)
			go t.lost()
			return
		}
		if n > wire.MaxPacketSize {
			log.Printf("[RECV] Dropping %d byte datagram from %s", n, from)
			continue
		}
		msg, err := wire.Decode(buf[:n])
		if err != nil {
			log.Printf("[RECV] Dropping datagram from %s on %s channel: %v", from, ch, err)
			continue
		}
		in := Inbound{
			Msg:     msg,
			From:    netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
			Channel: ch,
		}
		t.dispatch(in)
	}
}

func (t *Transport) dispatch(in Inbound) {
	t.lmu.RLock()
	fns := t.receivers[in.Channel]
	t.lmu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[RECV] Handler panic on %s: %v", in.Msg.Type, r)
				}
			}()
			fn(in)
		}()
	}
}

// lost runs when a receive loop dies while connected.
func (t *Transport) lost() {
	if t.Connected() {
		log.Printf("[NETWORK] Connection lost")
		t.Disconnect()
	}
}

// Disconnect closes every socket. It is safe to call at any time and more
// than once.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	conns := []*net.UDPConn{t.main, t.temp, t.priv}
	t.main, t.temp, t.priv = nil, nil, nil
	t.privatePort = 0
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	t.wg.Wait()
	log.Printf("[NETWORK] Down")
	for _, l := range t.statusListeners() {
		l.NetworkDown()
	}
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Usable reports whether the interface in use is still up with its address.
func (t *Transport) Usable() bool {
	t.mu.Lock()
	name, addr := t.iface.Name, t.localAddr
	t.mu.Unlock()
	if name == "" {
		_, _, err := t.selectInterface()
		return err == nil
	}

	ifaces, err := utils.Interfaces()
	if err != nil {
		return false
	}
	for _, i := range ifaces {
		if i.Name != name {
			continue
		}
		if !i.Usable() {
			return false
		}
		for _, a := range i.Addrs {
			if a == addr {
				return true
			}
		}
	}
	return false
}

func (t *Transport) LocalAddr() netip.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localAddr
}

func (t *Transport) PrivatePort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.privatePort
}

func (t *Transport) SendMain(ctx context.Context, m wire.Message) error {
	return t.send(ctx, netip.AddrPortFrom(t.group, uint16(t.config.MainPort)), m)
}

func (t *Transport) SendTemp(ctx context.Context, m wire.Message) error {
	return t.send(ctx, netip.AddrPortFrom(t.group, uint16(t.config.TempPort)), m)
}

func (t *Transport) SendPrivate(ctx context.Context, to netip.AddrPort, m wire.Message) error {
	return t.send(ctx, to, m)
}

func (t *Transport) send(ctx context.Context, to netip.AddrPort, m wire.Message) error {
	b, err := wire.Encode(m)
	if err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.priv
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := writeTo(ctx, conn, to, b); err != nil {
		return fmt.Errorf("send %s to %s: %w", m.Type, to, err)
	}
	return nil
}

func writeTo(ctx context.Context, conn *net.UDPConn, to netip.AddrPort, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline() // zero clears a previous deadline
	conn.SetWriteDeadline(deadline)
	_, err := conn.WriteToUDPAddrPort(b, to)
	return err
}

// Negotiate sends query on the temporary channel from a short-lived socket
// and collects what comes back within window. It works whether or not the
// transport is connected.
func (t *Transport) Negotiate(ctx context.Context, query wire.Message, window time.Duration) ([]Inbound, error) {
	b, err := wire.Encode(query)
	if err != nil {
		return nil, err
	}
	iface, _, err := t.selectInterface()
	if err != nil {
		return nil, err
	}
	ifi, err := net.InterfaceByIndex(iface.Index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoNetwork, err)
	}
	conn, err := listenGroup(ifi, t.group, t.config.TempPort)
	if err != nil {
		return nil, fmt.Errorf("%w: temporary channel: %v", ErrNoNetwork, err)
	}
	defer conn.Close()
	if err := t.configureSender(conn, ifi); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoNetwork, err)
	}

	if err := writeTo(ctx, conn, netip.AddrPortFrom(t.group, uint16(t.config.TempPort)), b); err != nil {
		return nil, fmt.Errorf("send query: %w", err)
	}

	end := time.Now().Add(window)
	if d, ok := ctx.Deadline(); ok && d.Before(end) {
		end = d
	}
	conn.SetReadDeadline(end)

	var replies []Inbound
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return replies, nil
			}
			return replies, fmt.Errorf("negotiate: %w", err)
		}
		msg, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		replies = append(replies, Inbound{Msg: msg, From: netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), Channel: Temp})
	}
}
