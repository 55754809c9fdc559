package protocol

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"lanchat/internal/config"
	"lanchat/internal/models"
	"lanchat/internal/network"
	"lanchat/internal/wire"
)

const exposeInterval = 2 * time.Second

var (
	ErrNoIdentity    = errors.New("no local identity yet")
	ErrNoPrivatePort = errors.New("peer has no known private port")
)

var instanceID = uuid.NewString()[:8]

// Sender builds outbound messages from the current local state.
type Sender struct {
	net      network.Network
	self     func() *models.Peer
	client   string
	hostname string

	lastExpose atomic.Int64
}

func NewSender(n network.Network, cfg config.Config, self func() *models.Peer) *Sender {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Sender{
		net:      n,
		self:     self,
		client:   fmt.Sprintf("%s %s (%s)", cfg.ClientName, instanceID, runtime.Version()),
		hostname: wire.Sanitize(hostname),
	}
}

func (s *Sender) me() (*models.Peer, error) {
	me := s.self()
	if me == nil {
		return nil, ErrNoIdentity
	}
	return me, nil
}

// main encodes the message built by fn from the local peer and multicasts it.
func (s *Sender) main(ctx context.Context, fn func(me *models.Peer) wire.Message) error {
	me, err := s.me()
	if err != nil {
		return err
	}
	return s.net.SendMain(ctx, fn(me))
}

func (s *Sender) Logon(ctx context.Context) error {
	return s.main(ctx, func(me *models.Peer) wire.Message { return wire.Logon(me.Code(), me.Nick()) })
}

func (s *Sender) Logoff(ctx context.Context) error {
	return s.main(ctx, func(me *models.Peer) wire.Message { return wire.Logoff(me.Code(), me.Nick()) })
}

func (s *Sender) Expose(ctx context.Context) error {
	s.lastExpose.Store(time.Now().UnixNano())
	return s.main(ctx, func(me *models.Peer) wire.Message { return wire.Expose(me.Code(), me.Nick()) })
}

// ExposeLimited asks everyone to expose themselves unless that was done
// recently. It reports whether a request went out.
func (s *Sender) ExposeLimited(ctx context.Context) bool {
	last := s.lastExpose.Load()
	now := time.Now().UnixNano()
	if now-last < int64(exposeInterval) || !s.lastExpose.CompareAndSwap(last, now) {
		return false
	}
	return s.main(ctx, func(me *models.Peer) wire.Message { return wire.Expose(me.Code(), me.Nick()) }) == nil
}

func exposing(me *models.Peer) wire.Message {
	return wire.Exposing(me.Code(), me.Nick(), me.Away(), wire.SanitizeText(me.AwayMsg()))
}

func (s *Sender) Exposing(ctx context.Context) error {
	return s.main(ctx, exposing)
}

// ExposingTemp answers a negotiation query on the temporary channel.
func (s *Sender) ExposingTemp(ctx context.Context) error {
	me, err := s.me()
	if err != nil {
		return err
	}
	return s.net.SendTemp(ctx, exposing(me))
}

func (s *Sender) Client(ctx context.Context) error {
	return s.main(ctx, func(me *models.Peer) wire.Message {
		return wire.Client(me.Code(), me.Nick(), s.net.PrivatePort(), me.LogonTime().UnixMilli(), runtime.GOOS, s.hostname, s.client)
	})
}

func (s *Sender) Idle(ctx context.Context) error {
	return s.main(ctx, func(me *models.Peer) wire.Message { return wire.Idle(me.Code(), me.Nick()) })
}

func (s *Sender) NickChange(ctx context.Context) error {
	return s.main(ctx, func(me *models.Peer) wire.Message { return wire.NickChange(me.Code(), me.Nick()) })
}

// NickCrash claims nick for the local node.
func (s *Sender) NickCrash(ctx context.Context, nick string) error {
	return s.main(ctx, func(me *models.Peer) wire.Message { return wire.NickCrash(me.Code(), nick) })
}

func (s *Sender) GetTopic(ctx context.Context) error {
	return s.main(ctx, func(me *models.Peer) wire.Message { return wire.GetTopic(me.Code(), me.Nick()) })
}

func (s *Sender) Topic(ctx context.Context, t models.Topic) error {
	return s.main(ctx, func(me *models.Peer) wire.Message {
		return wire.Topic(me.Code(), me.Nick(), t.Time.UnixMilli(), t.Nick, wire.SanitizeText(t.Text))
	})
}

func (s *Sender) Away(ctx context.Context) error {
	return s.main(ctx, func(me *models.Peer) wire.Message {
		return wire.Away(me.Code(), me.Nick(), me.Away(), wire.SanitizeText(me.AwayMsg()))
	})
}

func (s *Sender) Writing(ctx context.Context, writing bool) error {
	return s.main(ctx, func(me *models.Peer) wire.Message { return wire.Writing(me.Code(), me.Nick(), writing) })
}

func (s *Sender) Chat(ctx context.Context, text string) error {
	return s.main(ctx, func(me *models.Peer) wire.Message {
		return wire.Chat(me.Code(), me.Nick(), me.Color(), wire.SanitizeText(text))
	})
}

// Private sends text to a single peer over the private channel.
func (s *Sender) Private(ctx context.Context, to *models.Peer, text string) error {
	me, err := s.me()
	if err != nil {
		return err
	}
	addr, ok := to.PrivateAddr()
	if !ok {
		return ErrNoPrivatePort
	}
	m := wire.Private(me.Code(), me.Nick(), to.Code(), s.net.PrivatePort(), me.Color(), wire.SanitizeText(text))
	return s.net.SendPrivate(ctx, addr, m)
}

func (s *Sender) AnnounceSend(ctx context.Context, to, id int, size int64, fingerprint, name string) error {
	return s.main(ctx, func(me *models.Peer) wire.Message {
		return wire.FileSend(me.Code(), me.Nick(), to, id, size, fingerprint, wire.SanitizeText(name))
	})
}

func (s *Sender) AnnounceAccept(ctx context.Context, to, id, port int, fingerprint, name string) error {
	return s.main(ctx, func(me *models.Peer) wire.Message {
		return wire.FileAccept(me.Code(), me.Nick(), to, id, port, fingerprint, wire.SanitizeText(name))
	})
}

func (s *Sender) AnnounceAbort(ctx context.Context, to, id int, fingerprint, name string) error {
	return s.main(ctx, func(me *models.Peer) wire.Message {
		return wire.FileAbort(me.Code(), me.Nick(), to, id, fingerprint, wire.SanitizeText(name))
	})
}
