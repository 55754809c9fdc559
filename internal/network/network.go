// Package network moves chat lines over UDP: the main multicast channel, a
// unicast private channel, and the temporary multicast channel used while a
// node negotiates its identity before logging on.
package network

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"lanchat/internal/wire"
)

var (
	ErrNoNetwork    = errors.New("no usable network")
	ErrNotConnected = errors.New("not connected")
)

type Channel int

const (
	Main Channel = iota
	Private
	Temp
)

func (c Channel) String() string {
	switch c {
	case Main:
		return "main"
	case Private:
		return "private"
	case Temp:
		return "temp"
	}
	return "unknown"
}

// Inbound is a decoded datagram and where it came from.
type Inbound struct {
	Msg     wire.Message
	From    netip.AddrPort
	Channel Channel
}

// StatusListener follows the connection state. NetworkDown fires once per
// connection, however it was lost.
type StatusListener interface {
	BeforeNetworkUp()
	NetworkUp()
	NetworkDown()
}

// Network is what the chat needs from a transport. Transport implements it
// over real sockets; networktest implements it in memory.
type Network interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	Usable() bool

	LocalAddr() netip.Addr
	PrivatePort() int

	SendMain(ctx context.Context, m wire.Message) error
	SendPrivate(ctx context.Context, to netip.AddrPort, m wire.Message) error
	SendTemp(ctx context.Context, m wire.Message) error
	Negotiate(ctx context.Context, query wire.Message, window time.Duration) ([]Inbound, error)

	AddReceiver(ch Channel, fn func(Inbound))
	AddStatusListener(l StatusListener)
}
