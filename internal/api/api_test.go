package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lanchat/internal/config"
	"lanchat/internal/models"
	"lanchat/internal/network/networktest"
	"lanchat/internal/session"
	"lanchat/internal/storage"
	"lanchat/web"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Nick = "alice"
	cfg.ReceiveDir = t.TempDir()
	cfg.NegotiationWindow = 20 * time.Millisecond
	cfg.NegotiationAttempts = 1
	cfg.IdleInterval = time.Hour

	s := NewServer(cfg, "127.0.0.1", web.FS)
	ctrl := session.New(cfg, networktest.NewBus().Node("127.0.0.1"), storage.NewMemoryStore(), s)
	s.SetController(ctrl)
	if err := ctrl.LogOn(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ctrl.LogOff(true) })

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, ts *httptest.Server, path, body string) (*http.Response, map[string]string) {
	t.Helper()
	res, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var out map[string]string
	json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func TestPeers(t *testing.T) {
	_, ts := newTestServer(t)
	res, err := http.Get(ts.URL + "/api/peers")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var peers []models.PeerInfo
	if err := json.NewDecoder(res.Body).Decode(&peers); err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0].Nick != "alice" || !peers[0].Me {
		t.Errorf("peers = %+v", peers)
	}
}

func TestErrorStatus(t *testing.T) {
	_, ts := newTestServer(t)
	tests := []struct {
		path, body string
		want       int
	}{
		{"/api/message", `{"text":"  "}`, http.StatusBadRequest},
		{"/api/message", `not json`, http.StatusBadRequest},
		{"/api/nick", `{"nick":"has space"}`, http.StatusBadRequest},
		{"/api/private", `{"code":1,"text":"hi"}`, http.StatusNotFound},
		{"/api/transfer/accept", `{"peerCode":1,"id":1,"direction":"receive"}`, http.StatusNotFound},
		{"/api/transfer/accept", `{"peerCode":1,"id":1,"direction":"sideways"}`, http.StatusBadRequest},
		{"/api/message", `{"text":"hello"}`, http.StatusOK},
		{"/api/nick", `{"nick":"ally"}`, http.StatusOK},
	}
	for _, tt := range tests {
		res, out := post(t, ts, tt.path, tt.body)
		if res.StatusCode != tt.want {
			t.Errorf("POST %s %s = %d %v, want %d", tt.path, tt.body, res.StatusCode, out, tt.want)
		}
	}
}

func TestWebsocketEvents(t *testing.T) {
	_, ts := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The server registers the client after the upgrade returns.
	time.Sleep(50 * time.Millisecond)
	if res, out := post(t, ts, "/api/topic", `{"text":"hello world"}`); res.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/topic = %d %v", res.StatusCode, out)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("no topic event: %v", err)
		}
		if msg.Type != "topic" {
			continue
		}
		var topic models.Topic
		if err := json.Unmarshal(msg.Payload, &topic); err != nil {
			t.Fatal(err)
		}
		if topic.Text != "hello world" || topic.Nick != "alice" {
			t.Errorf("topic = %+v", topic)
		}
		return
	}
}

func TestIndex(t *testing.T) {
	_, ts := newTestServer(t)
	res, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK || !strings.HasPrefix(res.Header.Get("Content-Type"), "text/html") {
		t.Errorf("GET / = %d %s", res.StatusCode, res.Header.Get("Content-Type"))
	}
}

func TestAnswerPendingQuestion(t *testing.T) {
	s := NewServer(config.Default(), "", web.FS)
	answer := make(chan bool, 1)
	s.pending["1-2-receive"] = answer
	if !s.answer("1-2-receive", true) || !<-answer {
		t.Error("pending question not answered")
	}
	if s.answer("1-2-receive", false) {
		t.Error("question answered twice")
	}
}
