// Package api serves the browser frontend: a JSON API for the session's
// operations and a websocket that pushes every chat event.
package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lanchat/internal/config"
	"lanchat/internal/models"
	"lanchat/internal/session"
	"lanchat/internal/transfer"
	"lanchat/internal/ui"
)

const writeWait = 2 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is a ui.UserInterface backed by websocket clients.
type Server struct {
	config     config.Config
	ctrl       *session.Controller
	webContent embed.FS
	localIP    string

	wsClients map[*websocket.Conn]bool
	wsMu      sync.Mutex

	// pending holds unanswered file questions by transfer key.
	pending   map[string]chan bool
	pendingMu sync.Mutex

	peersDirty chan struct{}
}

var (
	_ ui.UserInterface     = (*Server)(nil)
	_ ui.MessageController = (*Server)(nil)
)

func NewServer(cfg config.Config, localIP string, content embed.FS) *Server {
	return &Server{
		config:     cfg,
		localIP:    localIP,
		webContent: content,
		wsClients:  make(map[*websocket.Conn]bool),
		pending:    make(map[string]chan bool),
		peersDirty: make(chan struct{}, 1),
	}
}

// SetController wires the session (called after NewServer to resolve the
// circular dependency).
func (s *Server) SetController(c *session.Controller) {
	s.ctrl = c
	c.Directory().AddListener(s)
}

// Broadcast sends a JSON message to all connected WebSocket clients.
func (s *Server) Broadcast(msgType string, payload interface{}) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	msg := map[string]interface{}{"type": msgType, "payload": payload}
	for conn := range s.wsClients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			delete(s.wsClients, conn)
		}
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/me", s.handleMe)
	mux.HandleFunc("/api/peers", s.handlePeers)
	mux.HandleFunc("/api/topic", s.handleTopic)
	mux.HandleFunc("/api/message", s.handleMessage)
	mux.HandleFunc("/api/private", s.handlePrivate)
	mux.HandleFunc("/api/private/log", s.handlePrivateLog)
	mux.HandleFunc("/api/nick", s.handleNick)
	mux.HandleFunc("/api/away", s.handleAway)
	mux.HandleFunc("/api/writing", s.handleWriting)
	mux.HandleFunc("/api/transfer/send", s.handleSend)
	mux.HandleFunc("/api/transfer/accept", s.handleAccept)
	mux.HandleFunc("/api/transfer/reject", s.handleReject)
	mux.HandleFunc("/api/transfer/cancel", s.handleCancel)
	mux.HandleFunc("/api/transfers/active", s.handleActiveTransfers)
	mux.HandleFunc("/api/transfers/prune", s.handlePrune)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/ws", s.handleWS)

	// Static
	staticFS, _ := fs.Sub(s.webContent, "static")
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	// Downloads
	mux.Handle("/dl/", http.StripPrefix("/dl/", http.FileServer(http.Dir(s.config.ReceiveDir))))

	mux.HandleFunc("/", s.handleIndex)
	return mux
}

// Start serves the UI until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	go s.pushPeers(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.WebPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Printf("[API] Web UI listening on http://localhost%s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ---- ui.UserInterface ----

type chatEvent struct {
	Code  int       `json:"code,omitempty"`
	Nick  string    `json:"nick"`
	Text  string    `json:"text"`
	Color int       `json:"color"`
	Own   bool      `json:"own,omitempty"`
	Time  time.Time `json:"time"`
}

func transferKey(peer, id int, dir transfer.Direction) string {
	return fmt.Sprintf("%d-%d-%s", peer, id, dir)
}

// AskFileSave publishes the offer and waits for /api/transfer/accept or
// /api/transfer/reject.
func (s *Server) AskFileSave(ctx context.Context, t *transfer.Transfer) bool {
	key := transferKey(t.PeerCode(), t.ID(), t.Direction())
	answer := make(chan bool, 1)
	s.pendingMu.Lock()
	s.pending[key] = answer
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, key)
		s.pendingMu.Unlock()
	}()

	s.Broadcast("fileRequest", t.Info())
	select {
	case ok := <-answer:
		return ok
	case <-ctx.Done():
		return false
	}
}

// answer resolves a pending file question and reports whether there was one.
func (s *Server) answer(key string, accept bool) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- accept
	}
	return ok
}

func (s *Server) ShowTransfer(t *transfer.Transfer) {
	s.Broadcast("transfer", t.Info())
}

// ShowMessage lets the page flag unread chat; the line goes out via ChatLine.
func (s *Server) ShowMessage(p *models.Peer, text string, color int) {
	s.Broadcast("notify", map[string]interface{}{"code": p.Code(), "nick": p.Nick()})
}

func (s *Server) ShowPrivateMessage(p *models.Peer, text string, color int) {
	s.Broadcast("private", chatEvent{Code: p.Code(), Nick: p.Nick(), Text: text, Color: color, Time: time.Now()})
}

func (s *Server) ShowTopic(t models.Topic) {
	s.Broadcast("topic", t)
}

func (s *Server) NickChanged(oldNick, newNick string) {
	s.Broadcast("nick", map[string]string{"old": oldNick, "new": newNick})
}

func (s *Server) NetworkStatus(up bool) {
	s.Broadcast("network", map[string]bool{"up": up})
}

func (s *Server) Messages() ui.MessageController { return s }

func (s *Server) SystemMessage(text string) {
	s.Broadcast("system", chatEvent{Text: text, Time: time.Now()})
}

func (s *Server) ChatLine(nick, text string, color int) {
	s.Broadcast("message", chatEvent{Nick: nick, Text: text, Color: color, Time: time.Now()})
}

func (s *Server) OwnLine(text string, color int) {
	nick := ""
	if me := s.ctrl.Me(); me != nil {
		nick = me.Nick()
	}
	s.Broadcast("message", chatEvent{Nick: nick, Text: text, Color: color, Own: true, Time: time.Now()})
}

// ---- directory.Listener ----

func (s *Server) PeerAdded(int, *models.Peer)   { s.markPeers() }
func (s *Server) PeerRemoved(int, *models.Peer) { s.markPeers() }
func (s *Server) PeerChanged(int, *models.Peer) { s.markPeers() }

// markPeers runs under the directory lock, so the list is sent later.
func (s *Server) markPeers() {
	select {
	case s.peersDirty <- struct{}{}:
	default:
	}
}

func (s *Server) pushPeers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.peersDirty:
			s.Broadcast("peers", s.peerInfos())
		}
	}
}

func (s *Server) peerInfos() []models.PeerInfo {
	peers := s.ctrl.Directory().Peers()
	infos := make([]models.PeerInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, p.Info())
	}
	return infos
}

// ---- Page Handler ----

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data, err := s.webContent.ReadFile("templates/index.html")
	if err != nil {
		http.Error(w, "Template not found", 500)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write(data)
}

// ---- App Handlers ----

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	var me *models.PeerInfo
	if p := s.ctrl.Me(); p != nil {
		info := p.Info()
		me = &info
	}
	jsonWrite(w, map[string]interface{}{
		"me":        me,
		"loggedOn":  s.ctrl.LoggedOn(),
		"connected": s.ctrl.Connected(),
		"localIP":   s.localIP,
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	jsonWrite(w, s.peerInfos())
}

func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jsonWrite(w, s.ctrl.Topic())
	case http.MethodPost:
		var body struct {
			Text string `json:"text"`
		}
		if !decode(w, r, &body) {
			return
		}
		s.run(w, "topic set", func(ctx context.Context) error { return s.ctrl.ChangeTopic(ctx, body.Text) })
	default:
		http.Error(w, "Method not allowed", 405)
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &body) {
		return
	}
	s.run(w, "sent", func(ctx context.Context) error { return s.ctrl.SendChatMessage(ctx, body.Text) })
}

func (s *Server) handlePrivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}
	var body struct {
		Code int    `json:"code"`
		Text string `json:"text"`
	}
	if !decode(w, r, &body) {
		return
	}
	peer, ok := s.ctrl.Directory().ByCode(body.Code)
	if !ok {
		jsonError(w, session.ErrPeerOffline.Error(), 404)
		return
	}
	s.run(w, "sent", func(ctx context.Context) error { return s.ctrl.SendPrivateMessage(ctx, body.Text, peer) })
}

func (s *Server) handlePrivateLog(w http.ResponseWriter, r *http.Request) {
	var code int
	if _, err := fmt.Sscan(r.URL.Query().Get("code"), &code); err != nil {
		jsonError(w, "code required", 400)
		return
	}
	peer, ok := s.ctrl.Directory().ByCode(code)
	if !ok {
		jsonError(w, session.ErrPeerOffline.Error(), 404)
		return
	}
	lines := []models.LogLine{}
	if peer.HasPrivateLog() {
		lines = peer.PrivateLog().Lines()
	}
	jsonWrite(w, lines)
}

func (s *Server) handleNick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}
	var body struct {
		Nick string `json:"nick"`
	}
	if !decode(w, r, &body) {
		return
	}
	s.run(w, "nick changed", func(ctx context.Context) error { return s.ctrl.ChangeMyNickname(ctx, body.Nick) })
}

func (s *Server) handleAway(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}
	var body struct {
		Away    bool   `json:"away"`
		Message string `json:"message"`
	}
	if !decode(w, r, &body) {
		return
	}
	s.run(w, "away updated", func(ctx context.Context) error {
		return s.ctrl.ChangeAwayStatus(ctx, body.Away, body.Message)
	})
}

func (s *Server) handleWriting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}
	var body struct {
		Writing bool `json:"writing"`
	}
	if !decode(w, r, &body) {
		return
	}
	s.run(w, "ok", func(ctx context.Context) error { return s.ctrl.ChangeWriting(ctx, body.Writing) })
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}
	if err := r.ParseMultipartForm(512 << 20); err != nil {
		log.Printf("[API] Form error: %v", err)
		jsonError(w, "File upload error", 400)
		return
	}

	var code int
	if _, err := fmt.Sscan(r.FormValue("code"), &code); err != nil {
		jsonError(w, "code required", 400)
		return
	}
	peer, ok := s.ctrl.Directory().ByCode(code)
	if !ok {
		jsonError(w, session.ErrPeerOffline.Error(), 404)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "file required", 400)
		return
	}
	defer file.Close()

	safeName := filepath.Base(header.Filename)
	tmpFile, err := os.CreateTemp("", "lanchat_upload_*")
	if err != nil {
		log.Printf("[API] Temp file create error: %v", err)
		jsonError(w, "could not create temp file", 500)
		return
	}
	tmpPath := tmpFile.Name()

	if _, err := io.Copy(tmpFile, file); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		jsonError(w, "could not write temp file", 500)
		return
	}
	tmpFile.Close()

	log.Printf("[API] Offering %s (%d bytes) to %s", safeName, header.Size, peer.Nick())
	ctx, cancel := context.WithTimeout(r.Context(), s.config.SendTimeout)
	defer cancel()
	t, err := s.ctrl.SendFile(ctx, peer, tmpPath, safeName)
	if err != nil {
		os.Remove(tmpPath)
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	go func() {
		<-t.Done()
		os.Remove(tmpPath)
	}()
	jsonWrite(w, t.Info())
}

type transferRef struct {
	PeerCode  int    `json:"peerCode"`
	ID        int    `json:"id"`
	Direction string `json:"direction"`
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*transfer.Transfer, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return nil, false
	}
	var ref transferRef
	if !decode(w, r, &ref) {
		return nil, false
	}
	dir, ok := transfer.ParseDirection(ref.Direction)
	if !ok {
		jsonError(w, "direction must be send or receive", 400)
		return nil, false
	}
	t, ok := s.ctrl.FindTransfer(ref.PeerCode, ref.ID, dir)
	if !ok {
		jsonError(w, transfer.ErrUnknown.Error(), 404)
		return nil, false
	}
	return t, true
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.answer(transferKey(t.PeerCode(), t.ID(), t.Direction()), true) {
		jsonOK(w, "accepted")
		return
	}
	s.run(w, "accepted", func(ctx context.Context) error { return s.ctrl.AcceptFile(ctx, t) })
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.answer(transferKey(t.PeerCode(), t.ID(), t.Direction()), false) {
		jsonOK(w, "rejected")
		return
	}
	s.run(w, "rejected", func(ctx context.Context) error { return s.ctrl.RejectFile(ctx, t) })
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.run(w, "canceled", func(ctx context.Context) error { return s.ctrl.CancelTransfer(ctx, t) })
}

func (s *Server) handleActiveTransfers(w http.ResponseWriter, r *http.Request) {
	transfers := s.ctrl.Transfers()
	infos := make([]transfer.Info, 0, len(transfers))
	for _, t := range transfers {
		infos = append(infos, t.Info())
	}
	jsonWrite(w, infos)
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}
	jsonWrite(w, map[string]int{"pruned": s.ctrl.PruneTransfers()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.ctrl.History()
	if err != nil {
		log.Printf("[API] History: %v", err)
		jsonError(w, "DB error", 500)
		return
	}
	if history == nil {
		history = []*models.TransferHistory{}
	}
	jsonWrite(w, history)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.wsMu.Lock()
	s.wsClients[conn] = true
	s.wsMu.Unlock()

	// Read pump to detect disconnects
	go func() {
		defer func() {
			s.wsMu.Lock()
			delete(s.wsClients, conn)
			s.wsMu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// ---- Helpers ----

// run executes op through the controller and writes the outcome.
func (s *Server) run(w http.ResponseWriter, okMsg string, op func(ctx context.Context) error) {
	if err := <-s.ctrl.Go(op); err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonOK(w, okMsg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyMessage), errors.Is(err, session.ErrInvalidNick):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNickInUse), errors.Is(err, transfer.ErrNotWaiting), errors.Is(err, transfer.ErrFinished):
		return http.StatusConflict
	case errors.Is(err, session.ErrPeerOffline), errors.Is(err, transfer.ErrUnknown):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotLoggedOn), errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrNoPrivatePort):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonError(w, "Invalid request", 400)
		return false
	}
	return true
}

func jsonWrite(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func jsonOK(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "message": msg})
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
