// Package networktest provides an in-memory network for exercising several
// chat nodes inside one process.
package networktest

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"lanchat/internal/network"
	"lanchat/internal/wire"
)

const inboxSize = 1024

// DropFunc decides whether a datagram from one node to another is lost.
type DropFunc func(from, to netip.Addr, m wire.Message) bool

// Bus connects Nodes as if they shared a LAN segment. Every datagram goes
// through the wire codec.
type Bus struct {
	mu    sync.RWMutex
	nodes []*Node
	drop  DropFunc
}

func NewBus() *Bus {
	return &Bus{}
}

// SetDrop installs a loss rule; nil delivers everything.
func (b *Bus) SetDrop(fn DropFunc) {
	b.mu.Lock()
	b.drop = fn
	b.mu.Unlock()
}

// Node adds a machine with the given IPv4 address.
func (b *Bus) Node(addr string) *Node {
	n := &Node{
		bus:       b,
		addr:      netip.MustParseAddr(addr),
		usable:    true,
		receivers: make(map[network.Channel][]func(network.Inbound)),
	}
	b.mu.Lock()
	b.nodes = append(b.nodes, n)
	b.mu.Unlock()
	return n
}

func (b *Bus) deliver(from *Node, m wire.Message, to func(*Node) (network.Channel, bool)) error {
	line, err := wire.Encode(m)
	if err != nil {
		return err
	}
	b.mu.RLock()
	nodes := make([]*Node, len(b.nodes))
	copy(nodes, b.nodes)
	drop := b.drop
	b.mu.RUnlock()

	for _, n := range nodes {
		ch, ok := to(n)
		if !ok {
			continue
		}
		if drop != nil && drop(from.addr, n.addr, m) {
			continue
		}
		msg, err := wire.Decode(line)
		if err != nil {
			return err
		}
		n.enqueue(network.Inbound{
			Msg:     msg,
			From:    netip.AddrPortFrom(from.addr, uint16(from.PrivatePort())),
			Channel: ch,
		})
	}
	return nil
}

// Node is one machine on a Bus. It implements network.Network.
type Node struct {
	bus  *Bus
	addr netip.Addr

	mu          sync.Mutex
	connected   bool
	usable      bool
	privatePort int
	inbox       chan network.Inbound
	stopped     chan struct{}
	query       chan network.Inbound

	lmu       sync.RWMutex
	receivers map[network.Channel][]func(network.Inbound)
	listeners []network.StatusListener
}

var _ network.Network = (*Node)(nil)

func (n *Node) AddReceiver(ch network.Channel, fn func(network.Inbound)) {
	n.lmu.Lock()
	n.receivers[ch] = append(n.receivers[ch], fn)
	n.lmu.Unlock()
}

func (n *Node) AddStatusListener(l network.StatusListener) {
	n.lmu.Lock()
	n.listeners = append(n.listeners, l)
	n.lmu.Unlock()
}

func (n *Node) statusListeners() []network.StatusListener {
	n.lmu.RLock()
	defer n.lmu.RUnlock()
	out := make([]network.StatusListener, len(n.listeners))
	copy(out, n.listeners)
	return out
}

// SetUsable simulates the interface going away or coming back. Making it
// unusable does not disconnect by itself.
func (n *Node) SetUsable(ok bool) {
	n.mu.Lock()
	n.usable = ok
	n.mu.Unlock()
}

func (n *Node) Usable() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.usable
}

func (n *Node) Connect(ctx context.Context) error {
	n.mu.Lock()
	if n.connected {
		n.mu.Unlock()
		return nil
	}
	if !n.usable {
		n.mu.Unlock()
		return network.ErrNoNetwork
	}
	n.mu.Unlock()

	for _, l := range n.statusListeners() {
		l.BeforeNetworkUp()
	}

	n.mu.Lock()
	n.connected = true
	n.privatePort = 50051
	n.inbox = make(chan network.Inbound, inboxSize)
	n.stopped = make(chan struct{})
	go n.run(n.inbox, n.stopped)
	n.mu.Unlock()

	for _, l := range n.statusListeners() {
		l.NetworkUp()
	}
	return nil
}

func (n *Node) run(inbox chan network.Inbound, stopped chan struct{}) {
	defer close(stopped)
	for in := range inbox {
		n.lmu.RLock()
		fns := n.receivers[in.Channel]
		n.lmu.RUnlock()
		for _, fn := range fns {
			fn(in)
		}
	}
}

func (n *Node) enqueue(in network.Inbound) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if in.Channel == network.Temp && n.query != nil {
		select {
		case n.query <- in:
		default:
		}
		return
	}
	if !n.connected {
		return
	}
	select {
	case n.inbox <- in:
	default:
	}
}

func (n *Node) Disconnect() {
	n.mu.Lock()
	if !n.connected {
		n.mu.Unlock()
		return
	}
	n.connected = false
	n.privatePort = 0
	close(n.inbox)
	stopped := n.stopped
	n.mu.Unlock()

	<-stopped
	for _, l := range n.statusListeners() {
		l.NetworkDown()
	}
}

func (n *Node) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

func (n *Node) LocalAddr() netip.Addr { return n.addr }

func (n *Node) PrivatePort() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.privatePort
}

func (n *Node) SendMain(ctx context.Context, m wire.Message) error {
	if _, err := wire.Encode(m); err != nil {
		return err
	}
	if !n.Connected() {
		return network.ErrNotConnected
	}
	return n.bus.deliver(n, m, func(to *Node) (network.Channel, bool) {
		return network.Main, true
	})
}

func (n *Node) SendTemp(ctx context.Context, m wire.Message) error {
	if _, err := wire.Encode(m); err != nil {
		return err
	}
	if !n.Connected() {
		return network.ErrNotConnected
	}
	return n.bus.deliver(n, m, func(to *Node) (network.Channel, bool) {
		return network.Temp, true
	})
}

func (n *Node) SendPrivate(ctx context.Context, addr netip.AddrPort, m wire.Message) error {
	if _, err := wire.Encode(m); err != nil {
		return err
	}
	if !n.Connected() {
		return network.ErrNotConnected
	}
	return n.bus.deliver(n, m, func(to *Node) (network.Channel, bool) {
		return network.Private, to.addr == addr.Addr() && to.PrivatePort() == int(addr.Port())
	})
}

// Negotiate broadcasts query on the temporary channel and gathers replies
// for window.
func (n *Node) Negotiate(ctx context.Context, query wire.Message, window time.Duration) ([]network.Inbound, error) {
	if _, err := wire.Encode(query); err != nil {
		return nil, err
	}
	if !n.Usable() {
		return nil, network.ErrNoNetwork
	}
	replies := make(chan network.Inbound, inboxSize)
	n.mu.Lock()
	n.query = replies
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.query = nil
		n.mu.Unlock()
	}()

	if err := n.bus.deliver(n, query, func(to *Node) (network.Channel, bool) {
		return network.Temp, true
	}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	var out []network.Inbound
	for {
		select {
		case in := <-replies:
			out = append(out, in)
		case <-timer.C:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}
