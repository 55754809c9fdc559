package console

import (
	"context"
	"strings"
	"testing"
	"time"

	"lanchat/internal/config"
	"lanchat/internal/network/networktest"
	"lanchat/internal/session"
	"lanchat/internal/storage"
	"lanchat/internal/transfer"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		ok   bool
		name string
		rest string
		args int
	}{
		{"hello", false, "", "", 0},
		{"//not a command", false, "", "", 0},
		{"/quit", true, "quit", "", 0},
		{"/NICK bob", true, "nick", "bob", 1},
		{"  /msg bob  see you | later ", true, "msg", "bob  see you | later", 5},
		{"/topic", true, "topic", "", 0},
	}
	for _, tt := range tests {
		cmd, ok := parseCommand(tt.line)
		if ok != tt.ok {
			t.Errorf("parseCommand(%q) ok = %t", tt.line, ok)
			continue
		}
		if !ok {
			continue
		}
		if cmd.name != tt.name || cmd.rest != tt.rest || len(cmd.args) != tt.args {
			t.Errorf("parseCommand(%q) = %+v", tt.line, cmd)
		}
	}
}

func TestNickStyleKeepsText(t *testing.T) {
	for _, c := range []int{0, 0xFF0000, 0x1234567} {
		if got := nickStyle(c).Render("bob"); !strings.Contains(got, "bob") {
			t.Errorf("nickStyle(%#x) = %q", c, got)
		}
	}
}

func TestTransferStatus(t *testing.T) {
	for st := transfer.Waiting; st <= transfer.Canceled; st++ {
		got, ok := transferStatus(st.String())
		if !ok || got != st {
			t.Errorf("transferStatus(%q) = %v, %t", st.String(), got, ok)
		}
	}
	if _, ok := transferStatus("bogus"); ok {
		t.Error("bogus status parsed")
	}
}

func newTestModel(t *testing.T) (*model, *Frontend) {
	t.Helper()
	cfg := config.Default()
	cfg.Nick = "alice"
	cfg.ReceiveDir = t.TempDir()
	cfg.NegotiationWindow = 20 * time.Millisecond
	cfg.NegotiationAttempts = 1
	cfg.IdleInterval = time.Hour

	f := NewFrontend()
	ctrl := session.New(cfg, networktest.NewBus().Node("127.0.0.1"), storage.NewMemoryStore(), f)
	if err := ctrl.LogOn(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ctrl.LogOff(true) })
	m := newModel(ctrl, f)
	return &m, f
}

func TestFrontendQueuesEvents(t *testing.T) {
	m, f := newTestModel(t)
	f.SystemMessage("hello there")
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-f.events:
			next, _ := m.Update(msg)
			*m = next.(model)
			if strings.Contains(strings.Join(m.lines, "\n"), "hello there") {
				return
			}
		case <-deadline:
			t.Fatalf("system message never shown, lines = %q", m.lines)
		}
	}
}

func TestRunCommands(t *testing.T) {
	m, _ := newTestModel(t)

	if cmd := m.run(command{name: "nick"}); cmd == nil {
		t.Fatal("/nick without args returned no command")
	} else if res, ok := cmd().(resultMsg); !ok || res.err == nil {
		t.Errorf("/nick without args = %+v", res)
	}

	cmd := m.run(command{name: "nick", rest: "ally", args: []string{"ally"}})
	if res, ok := cmd().(resultMsg); !ok || res.err != nil {
		t.Fatalf("/nick ally = %+v", res)
	}
	if got := m.ctrl.Me().Nick(); got != "ally" {
		t.Errorf("nick = %q, want ally", got)
	}

	cmd = m.run(command{name: "accept", rest: "7", args: []string{"7"}})
	if res := cmd().(resultMsg); res.err == nil {
		t.Error("/accept of a missing transfer succeeded")
	}

	if m.run(command{name: "users"}) != nil {
		t.Error("/users should be handled locally")
	}
	if !strings.Contains(strings.Join(m.lines, "\n"), "ally") {
		t.Errorf("/users did not list me: %q", m.lines)
	}
}
