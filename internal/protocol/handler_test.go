package protocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"lanchat/internal/config"
	"lanchat/internal/directory"
	"lanchat/internal/models"
	"lanchat/internal/network"
	"lanchat/internal/network/networktest"
	"lanchat/internal/storage"
	"lanchat/internal/transfer"
	"lanchat/internal/ui"
	"lanchat/internal/wire"
)

const (
	aliceCode = 11111111
	bobCode   = 22222222
)

type recordingUI struct {
	ui.Nop
	accept bool

	mu      sync.Mutex
	nicks   []string
	chats   []string
	topics  []models.Topic
	offered []*transfer.Transfer
	lines   []string
}

func (u *recordingUI) Messages() ui.MessageController { return u }

func (u *recordingUI) ChatLine(nick, text string, color int) {
	u.mu.Lock()
	u.lines = append(u.lines, nick+": "+text)
	u.mu.Unlock()
}

func (u *recordingUI) chatLines() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.lines...)
}

func (u *recordingUI) AskFileSave(ctx context.Context, t *transfer.Transfer) bool {
	u.mu.Lock()
	u.offered = append(u.offered, t)
	u.mu.Unlock()
	return u.accept
}

func (u *recordingUI) ShowMessage(p *models.Peer, text string, color int) {
	u.mu.Lock()
	u.chats = append(u.chats, p.Nick()+": "+text)
	u.mu.Unlock()
}

func (u *recordingUI) ShowTopic(t models.Topic) {
	u.mu.Lock()
	u.topics = append(u.topics, t)
	u.mu.Unlock()
}

func (u *recordingUI) NickChanged(oldNick, newNick string) {
	u.mu.Lock()
	u.nicks = append(u.nicks, newNick)
	u.mu.Unlock()
}

func (u *recordingUI) snapshot() (nicks, chats []string, topics []models.Topic) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.nicks...), append([]string(nil), u.chats...), append([]models.Topic(nil), u.topics...)
}

type fixture struct {
	me    *models.Peer
	dir   *directory.Directory
	topic *models.TopicHolder
	ui    *recordingUI
	bob   *networktest.Node
	seen  chan wire.Message
}

// newFixture runs alice's Handler on a bus and gives the test a raw node
// for bob that records everything alice multicasts.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.ReceiveDir = t.TempDir()
	cfg.RequestTimeout = 2 * time.Second

	bus := networktest.NewBus()
	aliceNode := bus.Node("10.0.0.1")
	bobNode := bus.Node("10.0.0.2")

	f := &fixture{
		me:    models.NewMe(aliceCode, "alice"),
		dir:   directory.New(),
		topic: &models.TopicHolder{},
		ui:    &recordingUI{},
		bob:   bobNode,
		seen:  make(chan wire.Message, 256),
	}
	if err := f.dir.Add(f.me); err != nil {
		t.Fatal(err)
	}
	self := func() *models.Peer { return f.me }
	send := NewSender(aliceNode, cfg, self)
	engine := transfer.NewEngine(cfg, send, storage.NewMemoryStore(), f.me.Code)
	h := NewHandler(cfg, f.dir, self, f.topic, send, engine, f.ui, nil)
	for _, ch := range []network.Channel{network.Main, network.Private, network.Temp} {
		aliceNode.AddReceiver(ch, h.Receive)
	}
	bobNode.AddReceiver(network.Main, func(in network.Inbound) {
		if in.Msg.Code == aliceCode {
			f.seen <- in.Msg
		}
	})

	for _, n := range []*networktest.Node{aliceNode, bobNode} {
		if err := n.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(n.Disconnect)
	}
	return f
}

func (f *fixture) fromBob(t *testing.T, m wire.Message) {
	t.Helper()
	if err := f.bob.SendMain(context.Background(), m); err != nil {
		t.Fatalf("SendMain(%s): %v", m.Type, err)
	}
}

// expect waits for alice to multicast a message of type typ.
func (f *fixture) expect(t *testing.T, typ wire.Type) wire.Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-f.seen:
			if m.Type == typ {
				return m
			}
		case <-timeout:
			t.Fatalf("no %s from alice", typ)
			return wire.Message{}
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandlerLogonAddsPeerAndReplies(t *testing.T) {
	f := newFixture(t)
	f.fromBob(t, wire.Logon(bobCode, "bob"))

	f.expect(t, wire.TypeClient)
	f.expect(t, wire.TypeExposing)
	p, ok := f.dir.ByCode(bobCode)
	if !ok || p.Nick() != "bob" {
		t.Fatalf("bob not in directory: %v", f.dir.Peers())
	}
	if p.Addr().String() != "10.0.0.2" {
		t.Errorf("addr = %s, want 10.0.0.2", p.Addr())
	}

	// A repeated logon is ignored.
	f.fromBob(t, wire.Logon(bobCode, "bob"))
	f.fromBob(t, wire.Chat(bobCode, "bob", 0, "hello"))
	eventually(t, "chat", func() bool {
		_, chats, _ := f.ui.snapshot()
		return len(chats) == 1
	})
	if f.dir.Len() != 2 {
		t.Errorf("directory has %d peers, want 2", f.dir.Len())
	}
	if lines := f.ui.chatLines(); len(lines) != 1 || lines[0] != "bob: hello" {
		t.Errorf("chat lines = %q", lines)
	}
}

func TestHandlerLogonWithMyNick(t *testing.T) {
	f := newFixture(t)
	f.fromBob(t, wire.Logon(bobCode, "Alice"))

	m := f.expect(t, wire.TypeNickCrash)
	if m.Nick != "Alice" {
		t.Errorf("crash nick = %q, want Alice", m.Nick)
	}
	if _, ok := f.dir.ByCode(bobCode); ok {
		t.Error("peer with my nick was added")
	}
	if f.me.Nick() != "alice" {
		t.Errorf("my nick changed to %q", f.me.Nick())
	}
}

func TestHandlerNickCrashRenamesMe(t *testing.T) {
	f := newFixture(t)
	f.fromBob(t, wire.NickCrash(bobCode, "alice"))

	m := f.expect(t, wire.TypeNick)
	if m.Nick == "alice" || !models.ValidNick(m.Nick) {
		t.Errorf("new nick = %q", m.Nick)
	}
	if f.me.Nick() != m.Nick {
		t.Errorf("my nick = %q, announced %q", f.me.Nick(), m.Nick)
	}
	eventually(t, "NickChanged", func() bool {
		nicks, _, _ := f.ui.snapshot()
		return len(nicks) == 1 && nicks[0] == m.Nick
	})
}

func TestHandlerExposingTieBreak(t *testing.T) {
	f := newFixture(t)
	// Alice has the lower code, so she keeps the nick and tells bob.
	f.fromBob(t, wire.Exposing(bobCode, "alice", false, ""))
	f.expect(t, wire.TypeNickCrash)
	if f.me.Nick() != "alice" {
		t.Errorf("my nick = %q, want alice", f.me.Nick())
	}
}

func TestHandlerTopicOnlyNewer(t *testing.T) {
	f := newFixture(t)
	f.fromBob(t, wire.Logon(bobCode, "bob"))
	eventually(t, "bob", func() bool { _, ok := f.dir.ByCode(bobCode); return ok })

	f.fromBob(t, wire.Topic(bobCode, "bob", 2000, "bob", "new"))
	f.fromBob(t, wire.Topic(bobCode, "bob", 1000, "bob", "old"))
	f.fromBob(t, wire.GetTopic(bobCode, "bob"))

	m := f.expect(t, wire.TypeTopic)
	if m.Text(2) != "new" || m.Int(0) != 2000 {
		t.Errorf("topic reply = %v", m.Args)
	}
	_, _, topics := f.ui.snapshot()
	if len(topics) != 1 || topics[0].Text != "new" {
		t.Errorf("shown topics = %v", topics)
	}
}

func TestHandlerUnknownChatRequestsExposure(t *testing.T) {
	f := newFixture(t)
	f.fromBob(t, wire.Chat(bobCode, "bob", 0, "who am I"))
	f.expect(t, wire.TypeExpose)
	if _, chats, _ := f.ui.snapshot(); len(chats) != 0 {
		t.Errorf("chat from unknown peer shown: %v", chats)
	}
}

func TestHandlerAwayAndLogoff(t *testing.T) {
	f := newFixture(t)
	f.fromBob(t, wire.Logon(bobCode, "bob"))
	eventually(t, "bob", func() bool { _, ok := f.dir.ByCode(bobCode); return ok })

	f.fromBob(t, wire.Away(bobCode, "bob", true, "lunch"))
	eventually(t, "away", func() bool {
		p, ok := f.dir.ByCode(bobCode)
		return ok && p.Away() && p.AwayMsg() == "lunch"
	})

	f.fromBob(t, wire.Logoff(bobCode, "bob"))
	eventually(t, "logoff", func() bool { _, ok := f.dir.ByCode(bobCode); return !ok })
}

func TestHandlerRejectedFileOffer(t *testing.T) {
	f := newFixture(t)
	f.fromBob(t, wire.Logon(bobCode, "bob"))
	eventually(t, "bob", func() bool { _, ok := f.dir.ByCode(bobCode); return ok })

	f.fromBob(t, wire.FileSend(bobCode, "bob", aliceCode, 1, 1000, "00ff", "photo.png"))
	m := f.expect(t, wire.TypeFileAbort)
	if to, _ := m.Recipient(); to != bobCode || m.Int(1) != 1 || m.Text(2) != "00ff" {
		t.Errorf("abort = %v", m.Args)
	}
}

func TestHandlerDropsInvalidNicks(t *testing.T) {
	f := newFixture(t)
	f.fromBob(t, wire.Logon(bobCode, ""))
	f.fromBob(t, wire.Logon(33333333, "bad\x01nick\tname-way-too-long"))
	f.fromBob(t, wire.Exposing(44444444, "tab\there", false, ""))
	f.fromBob(t, wire.Idle(55555555, "much-too-long"))

	f.fromBob(t, wire.Logon(bobCode, "bob"))
	eventually(t, "bob", func() bool { _, ok := f.dir.ByCode(bobCode); return ok })
	f.fromBob(t, wire.NickChange(bobCode, ""))
	f.fromBob(t, wire.Client(bobCode, "bo\x02b", 50051, 0, "linux", "host", "lanchat"))
	f.fromBob(t, wire.Chat(bobCode, "bob", 0, "still bob"))
	eventually(t, "chat", func() bool {
		_, chats, _ := f.ui.snapshot()
		return len(chats) == 1
	})

	if f.dir.Len() != 2 {
		t.Errorf("directory has %d peers, want alice and bob", f.dir.Len())
	}
	for _, p := range f.dir.Peers() {
		if !models.ValidNick(p.Nick()) {
			t.Errorf("directory holds invalid nick %q", p.Nick())
		}
	}
	if p, _ := f.dir.ByCode(bobCode); p.Nick() != "bob" {
		t.Errorf("bob renamed to %q", p.Nick())
	}
}

func TestHandlerIgnoresOutOfRangePorts(t *testing.T) {
	f := newFixture(t)
	f.fromBob(t, wire.Logon(bobCode, "bob"))
	eventually(t, "bob", func() bool { _, ok := f.dir.ByCode(bobCode); return ok })

	f.fromBob(t, wire.Client(bobCode, "bob", 70000, 0, "linux", "host", "lanchat"))
	f.fromBob(t, wire.Private(bobCode, "bob", aliceCode, 70000, 0, "psst"))
	f.fromBob(t, wire.Chat(bobCode, "bob", 0, "done"))
	eventually(t, "chat", func() bool {
		_, chats, _ := f.ui.snapshot()
		return len(chats) == 1
	})
	p, _ := f.dir.ByCode(bobCode)
	if p.PrivatePort() != 0 {
		t.Errorf("private port = %d, want unset", p.PrivatePort())
	}
	if _, ok := p.PrivateAddr(); ok {
		t.Error("private address usable with no valid port")
	}

	f.fromBob(t, wire.Client(bobCode, "bob", 50051, 0, "linux", "host", "lanchat"))
	eventually(t, "valid port", func() bool { return p.PrivatePort() == 50051 })
}
