// Package session ties the chat together. A Controller owns the peer
// directory, the network, the protocol handler, the transfer engine and the
// connection monitor of one local user, and exposes the operations a
// frontend needs.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lanchat/internal/config"
	"lanchat/internal/directory"
	"lanchat/internal/models"
	"lanchat/internal/monitor"
	"lanchat/internal/network"
	"lanchat/internal/protocol"
	"lanchat/internal/storage"
	"lanchat/internal/transfer"
	"lanchat/internal/ui"
	"lanchat/internal/wire"
)

var (
	ErrNotConnected    = network.ErrNotConnected
	ErrNoPrivatePort   = protocol.ErrNoPrivatePort
	ErrNotLoggedOn     = errors.New("not logged on")
	ErrAlreadyLoggedOn = errors.New("already logged on")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrInvalidNick     = errors.New("invalid nickname")
	ErrNickInUse       = errors.New("nickname is in use")
	ErrPeerOffline     = errors.New("peer is offline")
)

type Controller struct {
	config  config.Config
	net     network.Network
	dir     *directory.Directory
	topic   *models.TopicHolder
	send    *protocol.Sender
	handler *protocol.Handler
	engine  *transfer.Engine
	monitor *monitor.Monitor
	store   storage.History
	ui      ui.UserInterface

	// mu serializes LogOn and LogOff.
	mu       sync.Mutex
	nick     string
	me       atomic.Pointer[models.Peer]
	loggedOn atomic.Bool
}

// New wires a controller on top of n. store may be nil.
func New(cfg config.Config, n network.Network, store storage.History, userInterface ui.UserInterface) *Controller {
	c := &Controller{
		config: cfg,
		net:    n,
		dir:    directory.New(),
		topic:  &models.TopicHolder{},
		store:  store,
		ui:     userInterface,
		nick:   cfg.Nick,
	}
	c.send = protocol.NewSender(n, cfg, c.Me)
	c.engine = transfer.NewEngine(cfg, c.send, store, c.myCode)
	c.engine.AddListener(userInterface.ShowTransfer)
	c.monitor = monitor.New(cfg, n, c.dir, c)
	c.handler = protocol.NewHandler(cfg, c.dir, c.Me, c.topic, c.send, c.engine, userInterface, c.monitor.Loopback)

	for _, ch := range []network.Channel{network.Main, network.Private, network.Temp} {
		n.AddReceiver(ch, c.handler.Receive)
	}
	n.AddStatusListener(c)
	return c
}

// Me returns the local peer, or nil before the first logon.
func (c *Controller) Me() *models.Peer {
	return c.me.Load()
}

func (c *Controller) myCode() int {
	if me := c.Me(); me != nil {
		return me.Code()
	}
	return 0
}

func (c *Controller) Directory() *directory.Directory { return c.dir }

func (c *Controller) Topic() models.Topic { return c.topic.Get() }

func (c *Controller) LoggedOn() bool { return c.loggedOn.Load() }

func (c *Controller) Connected() bool { return c.net.Connected() }

func (c *Controller) BeforeNetworkUp() {}

func (c *Controller) NetworkUp() {
	log.Printf("[SESSION] Network up at %s", c.net.LocalAddr())
	c.ui.NetworkStatus(true)
}

func (c *Controller) NetworkDown() {
	log.Printf("[SESSION] Network down")
	c.ui.NetworkStatus(false)
}

// Go runs op on its own goroutine with the send timeout and delivers its
// result on the returned channel.
func (c *Controller) Go(op func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.SendTimeout)
		defer cancel()
		done <- op(ctx)
	}()
	return done
}

// LogOn negotiates an identity, joins the network and announces the user.
func (c *Controller) LogOn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedOn.Load() {
		return ErrAlreadyLoggedOn
	}

	code := models.RandomCode()
	nick := c.nick
	if nick == "" {
		nick = models.FallbackNick(code)
	}
	if !models.ValidNick(nick) {
		return fmt.Errorf("%w: %q", ErrInvalidNick, nick)
	}

	code, nick, err := c.negotiate(ctx, code, nick)
	if err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}

	if err := c.net.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	me := models.NewMe(code, nick)
	me.SetColor(c.config.Color)
	me.SetAddr(c.net.LocalAddr())
	me.SetPrivatePort(c.net.PrivatePort())
	c.dir.Clear()
	if err := c.dir.Add(me); err != nil {
		c.net.Disconnect()
		return fmt.Errorf("add me: %w", err)
	}
	c.me.Store(me)
	c.nick = nick
	c.loggedOn.Store(true)
	log.Printf("[SESSION] Logged on as %s(%d)", nick, code)

	c.announce(ctx, c.send.Logon, c.send.Client, c.send.Expose, c.send.GetTopic)
	c.monitor.Start()
	c.ui.Messages().SystemMessage(fmt.Sprintf("Logged on as %s", nick))
	return nil
}

// negotiate queries the temporary channel for holders of code or nick and
// picks new ones until nobody objects.
func (c *Controller) negotiate(ctx context.Context, code int, nick string) (int, string, error) {
	for attempt := 0; attempt < c.config.NegotiationAttempts; attempt++ {
		replies, err := c.net.Negotiate(ctx, wire.Expose(code, nick), c.config.NegotiationWindow)
		if err != nil {
			return 0, "", err
		}
		clash := false
		for _, in := range replies {
			if in.Msg.Type != wire.TypeExposing {
				continue
			}
			switch {
			case in.Msg.Code == code:
				log.Printf("[SESSION] Code %d is taken, picking another", code)
				code = models.RandomCode()
				clash = true
			case strings.EqualFold(in.Msg.Nick, nick):
				renamed := models.AlternativeNick(nick, code)
				log.Printf("[SESSION] Nick %s is taken by %d, trying %s", nick, in.Msg.Code, renamed)
				nick = renamed
				clash = true
			}
		}
		if !clash {
			break
		}
	}
	return code, nick, nil
}

// announce sends each message and logs failures.
func (c *Controller) announce(ctx context.Context, sends ...func(ctx context.Context) error) {
	for _, send := range sends {
		if err := send(ctx); err != nil {
			log.Printf("[SESSION] Announce: %v", err)
		}
	}
}

// LogOff leaves the chat. silent skips the LOGOFF message. Logging off
// twice is not an error.
func (c *Controller) LogOff(silent bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedOn.Load() {
		return nil
	}
	c.monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.SendTimeout)
	defer cancel()
	if !silent && c.net.Connected() {
		if err := c.send.Logoff(ctx); err != nil {
			log.Printf("[SESSION] Logoff: %v", err)
		}
	}
	c.engine.CancelAll(ctx)
	c.nick = c.Me().Nick()
	c.loggedOn.Store(false)
	c.net.Disconnect()
	c.dir.Clear()
	c.topic.Reset()
	log.Printf("[SESSION] Logged off")
	return nil
}

// Reconnect brings the network back after a loss and announces the session
// again.
func (c *Controller) Reconnect(ctx context.Context) error {
	if !c.loggedOn.Load() {
		return ErrNotLoggedOn
	}
	if err := c.net.Connect(ctx); err != nil {
		return err
	}
	me := c.Me()
	c.dir.Update(me.Code(), func(p *models.Peer) {
		p.SetAddr(c.net.LocalAddr())
		p.SetPrivatePort(c.net.PrivatePort())
	})
	c.announce(ctx, c.send.Expose, c.send.Exposing, c.send.Client, c.send.GetTopic)
	c.ui.Messages().SystemMessage("Reconnected")
	return nil
}

func (c *Controller) SendIdle(ctx context.Context) error {
	return c.send.Idle(ctx)
}

func (c *Controller) PeerTimedOut(p *models.Peer) {
	c.engine.FailPeer(p.Code())
	c.ui.Messages().SystemMessage(fmt.Sprintf("%s timed out", p.Nick()))
}

// ready returns the local peer when messages can be sent.
func (c *Controller) ready() (*models.Peer, error) {
	if !c.loggedOn.Load() {
		return nil, ErrNotLoggedOn
	}
	if !c.net.Connected() {
		return nil, ErrNotConnected
	}
	return c.Me(), nil
}

func (c *Controller) SendChatMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	me, err := c.ready()
	if err != nil {
		return err
	}
	if err := c.send.Chat(ctx, text); err != nil {
		return fmt.Errorf("send chat: %w", err)
	}
	c.ui.Messages().OwnLine(text, me.Color())
	return nil
}

// SendPrivateMessage sends text to peer, who must still be online.
func (c *Controller) SendPrivateMessage(ctx context.Context, text string, peer *models.Peer) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	me, err := c.ready()
	if err != nil {
		return err
	}
	p, ok := c.dir.ByCode(peer.Code())
	if !ok || p.IsMe() {
		return ErrPeerOffline
	}
	if err := c.send.Private(ctx, p, text); err != nil {
		return fmt.Errorf("send private to %s: %w", p.Nick(), err)
	}
	p.PrivateLog().Append(models.LogLine{Time: time.Now(), Nick: me.Nick(), Text: text, Color: me.Color(), Outgoing: true})
	return nil
}

// ChangeMyNickname renames the local user. Before logon it only sets the
// nick to log on with.
func (c *Controller) ChangeMyNickname(ctx context.Context, nick string) error {
	nick = strings.TrimSpace(nick)
	if !models.ValidNick(nick) {
		return fmt.Errorf("%w: %q", ErrInvalidNick, nick)
	}
	if !c.loggedOn.Load() {
		c.mu.Lock()
		c.nick = nick
		c.mu.Unlock()
		return nil
	}
	me, err := c.ready()
	if err != nil {
		return err
	}
	old := me.Nick()
	if old == nick {
		return nil
	}
	if err := c.dir.ChangeNickname(me.Code(), nick); err != nil {
		if errors.Is(err, directory.ErrDuplicateNick) {
			return fmt.Errorf("%w: %s", ErrNickInUse, nick)
		}
		return err
	}
	c.mu.Lock()
	c.nick = nick
	c.mu.Unlock()
	if err := c.send.NickChange(ctx); err != nil {
		return fmt.Errorf("send nick: %w", err)
	}
	c.ui.NickChanged(old, nick)
	return nil
}

// ChangeTopic sets a new topic for everyone.
func (c *Controller) ChangeTopic(ctx context.Context, text string) error {
	me, err := c.ready()
	if err != nil {
		return err
	}
	now := time.UnixMilli(time.Now().UnixMilli())
	if cur := c.topic.Get(); !now.After(cur.Time) {
		now = cur.Time.Add(time.Millisecond)
	}
	t := models.Topic{Text: wire.SanitizeText(strings.TrimSpace(text)), Nick: me.Nick(), Time: now}
	c.topic.Apply(t)
	if err := c.send.Topic(ctx, t); err != nil {
		return fmt.Errorf("send topic: %w", err)
	}
	c.ui.ShowTopic(t)
	return nil
}

func (c *Controller) ChangeAwayStatus(ctx context.Context, away bool, msg string) error {
	me, err := c.ready()
	if err != nil {
		return err
	}
	c.dir.Update(me.Code(), func(p *models.Peer) { p.SetAway(away, strings.TrimSpace(msg)) })
	if err := c.send.Away(ctx); err != nil {
		return fmt.Errorf("send away: %w", err)
	}
	return nil
}

func (c *Controller) ChangeWriting(ctx context.Context, writing bool) error {
	me, err := c.ready()
	if err != nil {
		return err
	}
	if me.Writing() == writing {
		return nil
	}
	c.dir.Update(me.Code(), func(p *models.Peer) { p.SetWriting(writing) })
	return c.send.Writing(ctx, writing)
}

// SendFile offers the file at path to peer. An empty name uses the file's
// base name.
func (c *Controller) SendFile(ctx context.Context, peer *models.Peer, path, name string) (*transfer.Transfer, error) {
	if _, err := c.ready(); err != nil {
		return nil, err
	}
	p, ok := c.dir.ByCode(peer.Code())
	if !ok || p.IsMe() {
		return nil, ErrPeerOffline
	}
	if name == "" {
		name = filepath.Base(path)
	}
	return c.engine.Send(ctx, p, path, name)
}

func (c *Controller) AcceptFile(ctx context.Context, t *transfer.Transfer) error {
	return c.engine.Accept(ctx, t)
}

func (c *Controller) RejectFile(ctx context.Context, t *transfer.Transfer) error {
	return c.engine.Reject(ctx, t)
}

func (c *Controller) CancelTransfer(ctx context.Context, t *transfer.Transfer) error {
	return c.engine.Cancel(ctx, t)
}

func (c *Controller) Transfers() []*transfer.Transfer {
	return c.engine.Transfers()
}

func (c *Controller) FindTransfer(peer, id int, dir transfer.Direction) (*transfer.Transfer, bool) {
	return c.engine.Find(peer, id, dir)
}

// PruneTransfers forgets finished transfers.
func (c *Controller) PruneTransfers() int {
	return c.engine.Prune()
}

// History lists recorded transfers, newest first.
func (c *Controller) History() ([]*models.TransferHistory, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.GetHistory()
}
