package session

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lanchat/internal/config"
	"lanchat/internal/models"
	"lanchat/internal/network"
	"lanchat/internal/network/networktest"
	"lanchat/internal/storage"
	"lanchat/internal/transfer"
	"lanchat/internal/ui"
	"lanchat/internal/wire"
)

type testUI struct {
	ui.Nop
	accept bool

	mu       sync.Mutex
	chats    []string
	privates []string
	up       []bool
}

func (u *testUI) AskFileSave(ctx context.Context, t *transfer.Transfer) bool { return u.accept }

func (u *testUI) ShowMessage(p *models.Peer, text string, color int) {
	u.mu.Lock()
	u.chats = append(u.chats, p.Nick()+": "+text)
	u.mu.Unlock()
}

func (u *testUI) ShowPrivateMessage(p *models.Peer, text string, color int) {
	u.mu.Lock()
	u.privates = append(u.privates, p.Nick()+": "+text)
	u.mu.Unlock()
}

func (u *testUI) NetworkStatus(up bool) {
	u.mu.Lock()
	u.up = append(u.up, up)
	u.mu.Unlock()
}

func (u *testUI) lines() (chats, privates []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.chats...), append([]string(nil), u.privates...)
}

type node struct {
	*Controller
	net *networktest.Node
	ui  *testUI
	dir string
}

func testConfig(t *testing.T, nick string) config.Config {
	cfg := config.Default()
	cfg.Nick = nick
	cfg.ReceiveDir = t.TempDir()
	cfg.FilePort = 0
	cfg.NegotiationWindow = 50 * time.Millisecond
	cfg.NegotiationAttempts = 3
	cfg.IdleInterval = time.Hour
	cfg.RequestTimeout = 3 * time.Second
	cfg.ProgressInterval = time.Millisecond
	return cfg
}

// start creates a controller on bus. Addresses are loopback ones so file
// transfers can dial them.
func start(t *testing.T, bus *networktest.Bus, addr, nick string, accept bool) *node {
	t.Helper()
	cfg := testConfig(t, nick)
	n := bus.Node(addr)
	u := &testUI{accept: accept}
	c := New(cfg, n, storage.NewMemoryStore(), u)
	t.Cleanup(func() { c.LogOff(true) })
	return &node{Controller: c, net: n, ui: u, dir: cfg.ReceiveDir}
}

func logOn(t *testing.T, n *node) {
	t.Helper()
	if err := n.LogOn(context.Background()); err != nil {
		t.Fatalf("LogOn: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func knows(n *node, nick string) func() bool {
	return func() bool {
		p, ok := n.Directory().ByNick(nick)
		return ok && !p.IsMe()
	}
}

func TestLogOnDiscovery(t *testing.T) {
	bus := networktest.NewBus()
	a := start(t, bus, "127.0.0.1", "alice", false)
	b := start(t, bus, "127.0.0.2", "bob", false)
	logOn(t, a)
	logOn(t, b)

	eventually(t, "alice to know bob", knows(a, "bob"))
	eventually(t, "bob to know alice", knows(b, "alice"))
	if a.Directory().Len() != 2 || b.Directory().Len() != 2 {
		t.Errorf("directory sizes: %d, %d", a.Directory().Len(), b.Directory().Len())
	}
	p, _ := b.Directory().ByNick("alice")
	if p.Addr() != netip.MustParseAddr("127.0.0.1") {
		t.Errorf("alice's address = %s", p.Addr())
	}
	eventually(t, "alice's private port at bob", func() bool { return p.PrivatePort() != 0 })

	if err := a.LogOn(context.Background()); !errors.Is(err, ErrAlreadyLoggedOn) {
		t.Errorf("second LogOn = %v, want ErrAlreadyLoggedOn", err)
	}
}

func TestLogOffIsIdempotent(t *testing.T) {
	bus := networktest.NewBus()
	a := start(t, bus, "127.0.0.1", "alice", false)
	b := start(t, bus, "127.0.0.2", "bob", false)
	logOn(t, a)
	logOn(t, b)
	eventually(t, "bob to know alice", knows(b, "alice"))

	for i := 0; i < 2; i++ {
		if err := a.LogOff(false); err != nil {
			t.Fatalf("LogOff #%d: %v", i+1, err)
		}
	}
	if a.Directory().Len() != 0 || a.Connected() {
		t.Errorf("after logoff: %d peers, connected=%t", a.Directory().Len(), a.Connected())
	}
	eventually(t, "bob to drop alice", func() bool { _, ok := b.Directory().ByNick("alice"); return !ok })

	if err := a.SendChatMessage(context.Background(), "hi"); !errors.Is(err, ErrNotLoggedOn) {
		t.Errorf("chat after logoff = %v, want ErrNotLoggedOn", err)
	}
}

// refusingNet negotiates normally but cannot connect.
type refusingNet struct {
	*networktest.Node
}

func (refusingNet) Connect(context.Context) error { return network.ErrNoNetwork }

func TestFailedConnectLeavesNoIdentity(t *testing.T) {
	bus := networktest.NewBus()
	c := New(testConfig(t, "alice"), refusingNet{bus.Node("127.0.0.1")}, storage.NewMemoryStore(), &testUI{})

	if err := c.LogOn(context.Background()); !errors.Is(err, network.ErrNoNetwork) {
		t.Fatalf("LogOn = %v, want ErrNoNetwork", err)
	}
	if c.Me() != nil {
		t.Errorf("Me() = %s after a failed logon", c.Me().Nick())
	}
	if c.LoggedOn() || c.Directory().Len() != 0 {
		t.Errorf("loggedOn=%t, %d peers", c.LoggedOn(), c.Directory().Len())
	}
	if err := c.SendChatMessage(context.Background(), "hi"); !errors.Is(err, ErrNotLoggedOn) {
		t.Errorf("chat = %v, want ErrNotLoggedOn", err)
	}
}

func TestNegotiationRenamesLaterStarter(t *testing.T) {
	bus := networktest.NewBus()
	a := start(t, bus, "127.0.0.1", "alice", false)
	b := start(t, bus, "127.0.0.2", "alice", false)
	logOn(t, a)
	logOn(t, b)

	if a.Me().Nick() != "alice" {
		t.Errorf("first starter renamed to %q", a.Me().Nick())
	}
	if b.Me().Nick() == "alice" || !models.ValidNick(b.Me().Nick()) {
		t.Errorf("later starter kept %q", b.Me().Nick())
	}
	eventually(t, "alice to know the renamed peer", knows(a, b.Me().Nick()))
}

func TestChat(t *testing.T) {
	bus := networktest.NewBus()
	a := start(t, bus, "127.0.0.1", "alice", false)
	b := start(t, bus, "127.0.0.2", "bob", false)
	logOn(t, a)
	logOn(t, b)
	eventually(t, "bob to know alice", knows(b, "alice"))

	if err := a.SendChatMessage(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank chat = %v, want ErrEmptyMessage", err)
	}
	if err := <-a.Go(func(ctx context.Context) error { return a.SendChatMessage(ctx, "hi | all") }); err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	eventually(t, "chat at bob", func() bool {
		chats, _ := b.ui.lines()
		return len(chats) == 1 && chats[0] == "alice: hi | all"
	})
}

func TestLostMessagesAreNotRedelivered(t *testing.T) {
	bus := networktest.NewBus()
	a := start(t, bus, "127.0.0.1", "alice", false)
	b := start(t, bus, "127.0.0.2", "bob", false)
	logOn(t, a)
	logOn(t, b)
	eventually(t, "bob to know alice", knows(b, "alice"))

	bus.SetDrop(func(from, to netip.Addr, m wire.Message) bool {
		return m.Type == wire.TypeChat && m.Text(1) == "lost"
	})
	ctx := context.Background()
	for _, text := range []string{"lost", "kept"} {
		if err := a.SendChatMessage(ctx, text); err != nil {
			t.Fatal(err)
		}
	}
	eventually(t, "kept message", func() bool { chats, _ := b.ui.lines(); return len(chats) == 1 })
	bus.SetDrop(nil)
	time.Sleep(50 * time.Millisecond)
	if chats, _ := b.ui.lines(); len(chats) != 1 || chats[0] != "alice: kept" {
		t.Errorf("chats = %v", chats)
	}
	if _, ok := b.Directory().ByNick("alice"); !ok {
		t.Error("short loss logged alice off")
	}
}

func TestPrivateMessage(t *testing.T) {
	bus := networktest.NewBus()
	a := start(t, bus, "127.0.0.1", "alice", false)
	b := start(t, bus, "127.0.0.2", "bob", false)
	c := start(t, bus, "127.0.0.3", "carol", false)
	for _, n := range []*node{a, b, c} {
		logOn(t, n)
	}
	eventually(t, "alice to know bob", knows(a, "bob"))
	bob, _ := a.Directory().ByNick("bob")
	eventually(t, "bob's private port", func() bool { return bob.PrivatePort() != 0 })

	if err := a.SendPrivateMessage(context.Background(), "secret", bob); err != nil {
		t.Fatalf("SendPrivateMessage: %v", err)
	}
	eventually(t, "private at bob", func() bool {
		_, privates := b.ui.lines()
		return len(privates) == 1 && privates[0] == "alice: secret"
	})
	if _, privates := c.ui.lines(); len(privates) != 0 {
		t.Errorf("carol saw %v", privates)
	}
	if lines := bob.PrivateLog().Lines(); len(lines) != 1 || !lines[0].Outgoing {
		t.Errorf("alice's log with bob = %+v", lines)
	}

	ghost := models.NewPeer(12345678, "ghost")
	if err := a.SendPrivateMessage(context.Background(), "boo", ghost); !errors.Is(err, ErrPeerOffline) {
		t.Errorf("private to offline peer = %v, want ErrPeerOffline", err)
	}
}

func TestChangeMyNickname(t *testing.T) {
	bus := networktest.NewBus()
	a := start(t, bus, "127.0.0.1", "alice", false)
	b := start(t, bus, "127.0.0.2", "bob", false)
	logOn(t, a)
	logOn(t, b)
	eventually(t, "alice to know bob", knows(a, "bob"))
	ctx := context.Background()

	if err := a.ChangeMyNickname(ctx, "no spaces"); !errors.Is(err, ErrInvalidNick) {
		t.Errorf("invalid nick = %v, want ErrInvalidNick", err)
	}
	if err := a.ChangeMyNickname(ctx, "BOB"); !errors.Is(err, ErrNickInUse) {
		t.Errorf("taken nick = %v, want ErrNickInUse", err)
	}
	if a.Me().Nick() != "alice" {
		t.Fatalf("nick changed on failure to %q", a.Me().Nick())
	}
	if err := a.ChangeMyNickname(ctx, "ally"); err != nil {
		t.Fatalf("ChangeMyNickname: %v", err)
	}
	eventually(t, "bob to see ally", knows(b, "ally"))
}

func TestTopic(t *testing.T) {
	bus := networktest.NewBus()
	a := start(t, bus, "127.0.0.1", "alice", false)
	b := start(t, bus, "127.0.0.2", "bob", false)
	logOn(t, a)
	logOn(t, b)
	eventually(t, "bob to know alice", knows(b, "alice"))

	if err := a.ChangeTopic(context.Background(), "release friday"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "topic at bob", func() bool { return b.Topic().Text == "release friday" })
	if got := b.Topic().Nick; got != "alice" {
		t.Errorf("topic setter = %q", got)
	}

	// A late joiner asks for the topic on logon.
	c := start(t, bus, "127.0.0.3", "carol", false)
	logOn(t, c)
	eventually(t, "topic at carol", func() bool { return c.Topic().Text == "release friday" })
}

func TestAway(t *testing.T) {
	bus := networktest.NewBus()
	a := start(t, bus, "127.0.0.1", "alice", false)
	b := start(t, bus, "127.0.0.2", "bob", false)
	logOn(t, a)
	logOn(t, b)
	eventually(t, "bob to know alice", knows(b, "alice"))

	if err := a.ChangeAwayStatus(context.Background(), true, "lunch"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "alice away at bob", func() bool {
		p, ok := b.Directory().ByNick("alice")
		return ok && p.Away() && p.AwayMsg() == "lunch"
	})
}

func writeFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photo.png")
	data := bytes.Repeat([]byte{0x42}, size)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitDone(t *testing.T, tr *transfer.Transfer) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("transfer #%d still %s", tr.ID(), tr.Status())
	}
}

func TestFileRejected(t *testing.T) {
	bus := networktest.NewBus()
	a := start(t, bus, "127.0.0.1", "alice", false)
	b := start(t, bus, "127.0.0.2", "bob", false)
	logOn(t, a)
	logOn(t, b)
	eventually(t, "alice to know bob", knows(a, "bob"))
	bob, _ := a.Directory().ByNick("bob")

	tr, err := a.SendFile(context.Background(), bob, writeFile(t, 1000), "")
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	waitDone(t, tr)
	if tr.Status() != transfer.Failed || !errors.Is(tr.Err(), transfer.ErrRejected) {
		t.Errorf("status = %s, err = %v", tr.Status(), tr.Err())
	}
	entries, _ := os.ReadDir(b.dir)
	if len(entries) != 0 {
		t.Errorf("receive dir has %d entries", len(entries))
	}
}

func TestFileAccepted(t *testing.T) {
	bus := networktest.NewBus()
	a := start(t, bus, "127.0.0.1", "alice", false)
	b := start(t, bus, "127.0.0.2", "bob", true)
	logOn(t, a)
	logOn(t, b)
	eventually(t, "alice to know bob", knows(a, "bob"))
	bob, _ := a.Directory().ByNick("bob")

	tr, err := a.SendFile(context.Background(), bob, writeFile(t, 100000), "holiday.png")
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	waitDone(t, tr)
	if tr.Status() != transfer.Completed {
		t.Fatalf("status = %s, err = %v", tr.Status(), tr.Err())
	}
	data, err := os.ReadFile(filepath.Join(b.dir, "holiday.png"))
	if err != nil || len(data) != 100000 {
		t.Fatalf("received %d bytes, err = %v", len(data), err)
	}

	history, err := a.History()
	if err != nil || len(history) != 1 || history[0].Status != transfer.Completed.String() {
		t.Errorf("history = %+v, err = %v", history, err)
	}
}
