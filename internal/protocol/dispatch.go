// Package protocol turns inbound chat lines into state changes and replies.
//
// Dispatch routes each decoded message to a Responder. Handler is the
// Responder used by a running session: it keeps the peer directory in sync
// and answers through a Sender. The protocol tolerates loss, duplication and
// reordering, so nothing here treats an unexpected message as an error.
package protocol

import (
	"time"

	"lanchat/internal/models"
	"lanchat/internal/network"
	"lanchat/internal/wire"
)

// ClientInfo is what a CLIENT message tells about its sender.
type ClientInfo struct {
	PrivatePort int
	LogonTime   time.Time
	OS          string
	Hostname    string
	Client      string
}

// Responder receives inbound messages by kind.
type Responder interface {
	// OwnMessage is called for messages carrying the local code.
	OwnMessage(in network.Inbound)
	Logon(in network.Inbound)
	Logoff(in network.Inbound)
	Exposing(in network.Inbound, away bool, awayMsg string)
	ExposeRequest(in network.Inbound)
	NickChange(in network.Inbound)
	NickCrash(in network.Inbound)
	Idle(in network.Inbound)
	Chat(in network.Inbound, color int, text string)
	Private(in network.Inbound, replyPort, color int, text string)
	Topic(in network.Inbound, topic models.Topic)
	GetTopic(in network.Inbound)
	Away(in network.Inbound, away bool, awayMsg string)
	Writing(in network.Inbound, writing bool)
	ClientInfo(in network.Inbound, info ClientInfo)
	FileSend(in network.Inbound, id int, size int64, fingerprint, name string)
	FileAccept(in network.Inbound, id, port int, fingerprint, name string)
	FileAbort(in network.Inbound, id int, fingerprint, name string)
}

// Dispatch hands in to the matching Responder method. self is the local
// code: messages from it go to OwnMessage and messages addressed to someone
// else are dropped.
func Dispatch(self int, in network.Inbound, r Responder) {
	m := in.Msg
	if m.Code == self {
		r.OwnMessage(in)
		return
	}
	if to, ok := m.Recipient(); ok && to != self {
		return
	}

	switch m.Type {
	case wire.TypeLogon:
		r.Logon(in)
	case wire.TypeLogoff:
		r.Logoff(in)
	case wire.TypeExposing:
		r.Exposing(in, m.Bool(0), m.Text(1))
	case wire.TypeExpose:
		r.ExposeRequest(in)
	case wire.TypeNick:
		r.NickChange(in)
	case wire.TypeNickCrash:
		r.NickCrash(in)
	case wire.TypeIdle:
		r.Idle(in)
	case wire.TypeChat:
		r.Chat(in, int(m.Int(0)), m.Text(1))
	case wire.TypePrivate:
		r.Private(in, int(m.Int(1)), int(m.Int(2)), m.Text(3))
	case wire.TypeTopic:
		r.Topic(in, models.Topic{Time: time.UnixMilli(m.Int(0)), Nick: m.Text(1), Text: m.Text(2)})
	case wire.TypeGetTopic:
		r.GetTopic(in)
	case wire.TypeAway:
		r.Away(in, m.Bool(0), m.Text(1))
	case wire.TypeWriting:
		r.Writing(in, m.Bool(0))
	case wire.TypeClient:
		r.ClientInfo(in, ClientInfo{
			PrivatePort: int(m.Int(0)),
			LogonTime:   time.UnixMilli(m.Int(1)),
			OS:          m.Text(2),
			Hostname:    m.Text(3),
			Client:      m.Text(4),
		})
	case wire.TypeFileSend:
		r.FileSend(in, int(m.Int(1)), m.Int(2), m.Text(3), m.Text(4))
	case wire.TypeFileAccept:
		r.FileAccept(in, int(m.Int(1)), int(m.Int(2)), m.Text(3), m.Text(4))
	case wire.TypeFileAbort:
		r.FileAbort(in, int(m.Int(1)), m.Text(2), m.Text(3))
	}
}
