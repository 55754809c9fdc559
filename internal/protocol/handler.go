package protocol

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"lanchat/internal/config"
	"lanchat/internal/directory"
	"lanchat/internal/models"
	"lanchat/internal/network"
	"lanchat/internal/transfer"
	"lanchat/internal/ui"
)

// Handler is the Responder of a running session.
type Handler struct {
	config   config.Config
	dir      *directory.Directory
	self     func() *models.Peer
	topic    *models.TopicHolder
	send     *Sender
	engine   *transfer.Engine
	ui       ui.UserInterface
	loopback func()
}

func NewHandler(
	cfg config.Config,
	dir *directory.Directory,
	self func() *models.Peer,
	topic *models.TopicHolder,
	send *Sender,
	engine *transfer.Engine,
	userInterface ui.UserInterface,
	loopback func(),
) *Handler {
	return &Handler{
		config:   cfg,
		dir:      dir,
		self:     self,
		topic:    topic,
		send:     send,
		engine:   engine,
		ui:       userInterface,
		loopback: loopback,
	}
}

// Receive is registered with the network for every channel.
func (h *Handler) Receive(in network.Inbound) {
	me := h.self()
	if me == nil {
		return
	}
	Dispatch(me.Code(), in, h)
}

func (h *Handler) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.config.SendTimeout)
}

// reply runs a send and logs its failure.
func (h *Handler) reply(what string, fn func(ctx context.Context) error) {
	ctx, cancel := h.ctx()
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Printf("[SEND] %s: %v", what, err)
	}
}

// known looks up the sender and records that it is alive.
func (h *Handler) known(in network.Inbound) (*models.Peer, bool) {
	p, ok := h.dir.ByCode(in.Msg.Code)
	if !ok {
		return nil, false
	}
	p.Touch()
	addr := in.From.Addr()
	if p.Idle() || (in.Channel != network.Temp && addr.IsValid() && addr != p.Addr()) {
		h.dir.Update(p.Code(), func(p *models.Peer) {
			p.SetIdle(false)
			if in.Channel != network.Temp && addr.IsValid() {
				p.SetAddr(addr)
			}
		})
	}
	return p, true
}

var errInvalidNick = errors.New("invalid nickname")

// syncNick follows a nick announced in a message header.
func (h *Handler) syncNick(p *models.Peer, nick string) {
	if p.Nick() == nick {
		return
	}
	old := p.Nick()
	if !models.ValidNick(nick) {
		log.Printf("[RECV] Ignoring invalid nick %q for %s(%d)", nick, old, p.Code())
		return
	}
	if err := h.dir.ChangeNickname(p.Code(), nick); err != nil {
		log.Printf("[RECV] Ignoring nick %s for %s(%d): %v", nick, old, p.Code(), err)
		return
	}
	h.ui.Messages().SystemMessage(fmt.Sprintf("%s is now known as %s", old, nick))
}

func (h *Handler) isMyNick(nick string) bool {
	me := h.self()
	return me != nil && strings.EqualFold(me.Nick(), nick)
}

// addPeer registers a newly seen peer.
func (h *Handler) addPeer(in network.Inbound, init func(p *models.Peer)) (*models.Peer, error) {
	if !models.ValidNick(in.Msg.Nick) {
		return nil, fmt.Errorf("%w: %q", errInvalidNick, in.Msg.Nick)
	}
	p := models.NewPeer(in.Msg.Code, in.Msg.Nick)
	if in.Channel != network.Temp {
		p.SetAddr(in.From.Addr())
	}
	if init != nil {
		init(p)
	}
	if err := h.dir.Add(p); err != nil {
		return nil, err
	}
	log.Printf("[RECV] Added %s(%d) at %s", p.Nick(), p.Code(), in.From.Addr())
	return p, nil
}

func (h *Handler) OwnMessage(in network.Inbound) {
	if in.Channel == network.Main && h.loopback != nil {
		h.loopback()
	}
}

func (h *Handler) Logon(in network.Inbound) {
	if _, ok := h.known(in); ok {
		return
	}
	if h.isMyNick(in.Msg.Nick) {
		log.Printf("[RECV] %d logged on as my nick %s", in.Msg.Code, in.Msg.Nick)
		h.reply("nick crash", func(ctx context.Context) error { return h.send.NickCrash(ctx, in.Msg.Nick) })
		return
	}
	p, err := h.addPeer(in, nil)
	if err != nil {
		log.Printf("[RECV] Logon from %s(%d): %v", in.Msg.Nick, in.Msg.Code, err)
		return
	}
	h.ui.Messages().SystemMessage(fmt.Sprintf("%s logged on", p.Nick()))
	h.reply("client", h.send.Client)
	h.reply("exposing", h.send.Exposing)
}

func (h *Handler) Logoff(in network.Inbound) {
	p, ok := h.dir.Remove(in.Msg.Code)
	if !ok {
		return
	}
	h.engine.FailPeer(p.Code())
	log.Printf("[RECV] %s(%d) logged off", p.Nick(), p.Code())
	h.ui.Messages().SystemMessage(fmt.Sprintf("%s logged off", p.Nick()))
}

func (h *Handler) Exposing(in network.Inbound, away bool, awayMsg string) {
	if in.Channel == network.Temp {
		return
	}
	if p, ok := h.known(in); ok {
		h.syncNick(p, in.Msg.Nick)
		if p.Away() != away || p.AwayMsg() != awayMsg {
			h.dir.Update(p.Code(), func(p *models.Peer) { p.SetAway(away, awayMsg) })
		}
		return
	}
	if h.isMyNick(in.Msg.Nick) {
		// The lower code keeps a contested nick.
		if me := h.self(); me.Code() < in.Msg.Code {
			h.reply("nick crash", func(ctx context.Context) error { return h.send.NickCrash(ctx, in.Msg.Nick) })
		}
		return
	}
	p, err := h.addPeer(in, func(p *models.Peer) { p.SetAway(away, awayMsg) })
	if err != nil {
		log.Printf("[RECV] Exposing from %s(%d): %v", in.Msg.Nick, in.Msg.Code, err)
		return
	}
	h.ui.Messages().SystemMessage(fmt.Sprintf("%s is online", p.Nick()))
	h.reply("client", h.send.Client)
	h.reply("exposing", h.send.Exposing)
}

func (h *Handler) ExposeRequest(in network.Inbound) {
	if in.Channel == network.Temp {
		h.reply("exposing (temp)", h.send.ExposingTemp)
		return
	}
	h.known(in)
	h.reply("exposing", h.send.Exposing)
	h.reply("client", h.send.Client)
}

func (h *Handler) NickChange(in network.Inbound) {
	p, ok := h.known(in)
	if !ok {
		return
	}
	if h.isMyNick(in.Msg.Nick) {
		h.reply("nick crash", func(ctx context.Context) error { return h.send.NickCrash(ctx, in.Msg.Nick) })
		return
	}
	h.syncNick(p, in.Msg.Nick)
}

func (h *Handler) NickCrash(in network.Inbound) {
	h.known(in)
	if !h.isMyNick(in.Msg.Nick) {
		return
	}
	me := h.self()
	old := me.Nick()
	nick := ""
	for i := 0; i < 10; i++ {
		candidate := models.AlternativeNick(old, me.Code())
		if !h.dir.NickTaken(candidate, me.Code()) {
			nick = candidate
			break
		}
	}
	if nick == "" {
		nick = models.FallbackNick(me.Code())
	}
	if err := h.dir.ChangeNickname(me.Code(), nick); err != nil {
		log.Printf("[RECV] Cannot leave contested nick %s: %v", old, err)
		return
	}
	log.Printf("[RECV] Nick %s is taken by %d, now %s", old, in.Msg.Code, nick)
	h.reply("nick", h.send.NickChange)
	h.ui.NickChanged(old, nick)
	h.ui.Messages().SystemMessage(fmt.Sprintf("Nick %s is in use, you are now %s", old, nick))
}

func (h *Handler) Idle(in network.Inbound) {
	if p, ok := h.known(in); ok {
		h.syncNick(p, in.Msg.Nick)
		return
	}
	if _, err := h.addPeer(in, nil); err != nil && !errors.Is(err, directory.ErrDuplicateCode) {
		log.Printf("[RECV] Idle from %s(%d): %v", in.Msg.Nick, in.Msg.Code, err)
	}
	h.exposeLimited()
}

func (h *Handler) exposeLimited() {
	ctx, cancel := h.ctx()
	defer cancel()
	h.send.ExposeLimited(ctx)
}

func (h *Handler) Chat(in network.Inbound, color int, text string) {
	p, ok := h.known(in)
	if !ok {
		log.Printf("[RECV] Chat from unknown %s(%d)", in.Msg.Nick, in.Msg.Code)
		h.exposeLimited()
		return
	}
	h.ui.Messages().ChatLine(p.Nick(), text, color)
	h.ui.ShowMessage(p, text, color)
}

func (h *Handler) Private(in network.Inbound, replyPort, color int, text string) {
	p, ok := h.known(in)
	if !ok {
		log.Printf("[RECV] Private message from unknown %s(%d)", in.Msg.Nick, in.Msg.Code)
		h.exposeLimited()
		return
	}
	if models.ValidPort(replyPort) && replyPort != p.PrivatePort() {
		h.dir.Update(p.Code(), func(p *models.Peer) { p.SetPrivatePort(replyPort) })
	}
	p.PrivateLog().Append(models.LogLine{Time: time.Now(), Nick: p.Nick(), Text: text, Color: color})
	h.ui.ShowPrivateMessage(p, text, color)
}

func (h *Handler) Topic(in network.Inbound, t models.Topic) {
	h.known(in)
	if h.topic.Apply(t) {
		log.Printf("[RECV] Topic by %s: %q", t.Nick, t.Text)
		h.ui.ShowTopic(t)
	}
}

func (h *Handler) GetTopic(in network.Inbound) {
	h.known(in)
	t := h.topic.Get()
	if !t.IsSet() {
		return
	}
	h.reply("topic", func(ctx context.Context) error { return h.send.Topic(ctx, t) })
}

func (h *Handler) Away(in network.Inbound, away bool, awayMsg string) {
	p, ok := h.known(in)
	if !ok {
		return
	}
	h.dir.Update(p.Code(), func(p *models.Peer) { p.SetAway(away, awayMsg) })
	if away {
		h.ui.Messages().SystemMessage(fmt.Sprintf("%s is away: %s", p.Nick(), awayMsg))
	} else {
		h.ui.Messages().SystemMessage(fmt.Sprintf("%s is back", p.Nick()))
	}
}

func (h *Handler) Writing(in network.Inbound, writing bool) {
	p, ok := h.known(in)
	if !ok || p.Writing() == writing {
		return
	}
	h.dir.Update(p.Code(), func(p *models.Peer) { p.SetWriting(writing) })
}

func (h *Handler) ClientInfo(in network.Inbound, info ClientInfo) {
	p, ok := h.known(in)
	if !ok {
		return
	}
	h.syncNick(p, in.Msg.Nick)
	h.dir.Update(p.Code(), func(p *models.Peer) {
		if models.ValidPort(info.PrivatePort) {
			p.SetPrivatePort(info.PrivatePort)
		}
		p.SetLogonTime(info.LogonTime)
		p.SetClientInfo(info.Client, info.OS, info.Hostname)
	})
}

func (h *Handler) FileSend(in network.Inbound, id int, size int64, fingerprint, name string) {
	p, ok := h.known(in)
	if !ok {
		log.Printf("[RECV] File offer from unknown %s(%d)", in.Msg.Nick, in.Msg.Code)
		h.exposeLimited()
		return
	}
	t, err := h.engine.Incoming(p, id, size, fingerprint, name)
	if err != nil {
		log.Printf("[RECV] File offer #%d from %s: %v", id, p.Nick(), err)
		return
	}
	go h.askFileSave(t)
}

func (h *Handler) askFileSave(t *transfer.Transfer) {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.RequestTimeout)
	defer cancel()
	go func() {
		select {
		case <-t.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	accept := h.ui.AskFileSave(ctx, t)
	sendCtx, sendCancel := h.ctx()
	defer sendCancel()
	var err error
	if accept && ctx.Err() == nil {
		err = h.engine.Accept(sendCtx, t)
	} else {
		err = h.engine.Reject(sendCtx, t)
	}
	if err != nil && !errors.Is(err, transfer.ErrNotWaiting) {
		log.Printf("[TRANSFER] Answering #%d from %s: %v", t.ID(), t.PeerNick(), err)
	}
}

func (h *Handler) FileAccept(in network.Inbound, id, port int, fingerprint, name string) {
	h.known(in)
	if err := h.engine.RemoteAccepted(in.Msg.Code, id, port, fingerprint); err != nil {
		log.Printf("[RECV] Accept of #%d by %s: %v", id, in.Msg.Nick, err)
	}
}

func (h *Handler) FileAbort(in network.Inbound, id int, fingerprint, name string) {
	h.known(in)
	if err := h.engine.RemoteAborted(in.Msg.Code, id, fingerprint); err != nil {
		log.Printf("[RECV] Abort of #%d by %s: %v", id, in.Msg.Nick, err)
	}
}
