package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"lanchat/internal/config"
	"lanchat/internal/models"
	"lanchat/internal/storage"
)

// Announcer puts the transfer control messages on the wire.
type Announcer interface {
	AnnounceSend(ctx context.Context, to, id int, size int64, fingerprint, name string) error
	AnnounceAccept(ctx context.Context, to, id, port int, fingerprint, name string) error
	AnnounceAbort(ctx context.Context, to, id int, fingerprint, name string) error
}

// abortGrace is how long a broken stream waits for the peer's abort.
const abortGrace = 500 * time.Millisecond

type key struct {
	peer int
	id   int
	dir  Direction
}

// Engine runs every file transfer of a session.
type Engine struct {
	config    config.Config
	announcer Announcer
	store     storage.History
	self      func() int

	nextID atomic.Int64

	mu        sync.RWMutex
	transfers map[key]*Transfer
	listeners []func(*Transfer)
}

// NewEngine creates an engine. self returns the local session code and
// store may be nil.
func NewEngine(cfg config.Config, announcer Announcer, store storage.History, self func() int) *Engine {
	return &Engine{
		config:    cfg,
		announcer: announcer,
		store:     store,
		self:      self,
		transfers: make(map[key]*Transfer),
	}
}

// AddListener registers fn for every transfer's progress and status.
func (e *Engine) AddListener(fn func(*Transfer)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

func (e *Engine) broadcast(t *Transfer) {
	e.mu.RLock()
	listeners := make([]func(*Transfer), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(t)
	}
}

func (e *Engine) register(t *Transfer) error {
	k := key{t.peerCode, t.id, t.dir}
	t.listeners = []func(*Transfer){e.broadcast}
	t.onFinish = e.finished

	e.mu.Lock()
	if _, ok := e.transfers[k]; ok {
		e.mu.Unlock()
		return ErrDuplicate
	}
	e.transfers[k] = t
	e.mu.Unlock()

	t.notify()
	return nil
}

// Send offers the file at path to peer and returns at once. name overrides
// the file name shown to the peer.
func (e *Engine) Send(ctx context.Context, peer *models.Peer, path, name string) (*Transfer, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", path, ErrNotAFile)
	}
	if name == "" {
		name = filepath.Base(path)
	}
	name = cleanName(name)

	id := int(e.nextID.Add(1))
	t := newTransfer(Send, id, peer, name, st.Size(), e.config.ProgressInterval)
	t.source = path
	t.fingerprint = e.fingerprint(id, name, st.Size())
	if err := e.register(t); err != nil {
		return nil, err
	}

	log.Printf("[TRANSFER] Offering %s (%d bytes) to %s as #%d", name, t.size, t.peerNick, id)
	if err := e.announcer.AnnounceSend(ctx, t.peerCode, id, t.size, t.fingerprint, name); err != nil {
		err = fmt.Errorf("announce: %w", err)
		t.finish(Failed, err)
		return t, err
	}
	go e.runSend(t)
	return t, nil
}

func (e *Engine) runSend(t *Transfer) {
	timer := time.NewTimer(e.config.RequestTimeout)
	defer timer.Stop()

	var port int
	select {
	case port = <-t.accepted:
	case <-t.done:
		return
	case <-timer.C:
		if t.finish(Failed, ErrTimeout) {
			e.announceAbort(t)
		}
		return
	}

	t.setStatus(Connecting)
	addr := netip.AddrPortFrom(t.peerAddr, uint16(port))
	d := net.Dialer{Timeout: e.config.RequestTimeout}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	cancel()
	if err != nil {
		t.finish(Failed, fmt.Errorf("dial %s: %w", addr, err))
		return
	}
	defer conn.Close()
	if !t.attach(conn) {
		return
	}

	t.setStatus(Transferring)
	if err := e.stream(t, conn); err != nil {
		e.failStream(t, err)
		return
	}
	t.finish(Completed, nil)
}

// Incoming registers a file offered by peer. The caller decides with Accept
// or Reject; an undecided offer expires after the request timeout.
func (e *Engine) Incoming(peer *models.Peer, id int, size int64, fingerprint, name string) (*Transfer, error) {
	t := newTransfer(Receive, id, peer, cleanName(name), size, e.config.ProgressInterval)
	t.fingerprint = fingerprint
	if err := e.register(t); err != nil {
		return nil, err
	}
	log.Printf("[TRANSFER] %s offers %s (%d bytes) as #%d", t.peerNick, t.name, size, id)

	timer := time.AfterFunc(e.config.RequestTimeout, func() {
		t.finishWhen(func(s Status) bool { return s == Waiting }, Failed, ErrTimeout)
	})
	go func() {
		<-t.done
		timer.Stop()
	}()
	return t, nil
}

// Accept saves an offered file into the receive directory, never
// overwriting, and tells the sender where to connect.
func (e *Engine) Accept(ctx context.Context, t *Transfer) error {
	if t.dir != Receive || t.Status() != Waiting {
		return ErrNotWaiting
	}
	f, path, err := reserveFile(e.config.ReceiveDir, t.name)
	if err != nil {
		err = fmt.Errorf("create file: %w", err)
		if t.finish(Failed, err) {
			e.announceAbort(t)
		}
		return err
	}
	ln, err := listenTCP(e.config.FilePort, e.config.PortAttempts)
	if err != nil {
		f.Close()
		os.Remove(path)
		if t.finish(Failed, err) {
			e.announceAbort(t)
		}
		return err
	}
	if !t.begin(ln, path) {
		ln.Close()
		f.Close()
		os.Remove(path)
		return ErrNotWaiting
	}

	port := ln.Addr().(*net.TCPAddr).Port
	log.Printf("[TRANSFER] Accepting #%d from %s into %s, listening on %d", t.id, t.peerNick, path, port)
	if err := e.announcer.AnnounceAccept(ctx, t.peerCode, t.id, port, t.fingerprint, t.name); err != nil {
		f.Close()
		err = fmt.Errorf("announce: %w", err)
		t.finish(Failed, err)
		return err
	}
	go e.runReceive(t, ln, f)
	return nil
}

func (e *Engine) runReceive(t *Transfer, ln net.Listener, f *os.File) {
	defer f.Close()
	if tl, ok := ln.(*net.TCPListener); ok {
		tl.SetDeadline(time.Now().Add(e.config.RequestTimeout))
	}
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if t.finish(Failed, ErrTimeout) {
				e.announceAbort(t)
			}
			return
		}
		t.finish(Failed, fmt.Errorf("accept: %w", err))
		return
	}
	defer conn.Close()
	if !t.attach(conn) {
		return
	}

	t.setStatus(Transferring)
	if err := e.receive(t, conn, f); err != nil {
		e.failStream(t, err)
		return
	}
	if err := f.Close(); err != nil {
		t.finish(Failed, fmt.Errorf("close file: %w", err))
		return
	}
	t.finish(Completed, nil)
}

// Reject declines an offered file.
func (e *Engine) Reject(ctx context.Context, t *Transfer) error {
	if t.dir != Receive {
		return ErrNotWaiting
	}
	if !t.finishWhen(func(s Status) bool { return s == Waiting }, Canceled, ErrRejected) {
		return ErrNotWaiting
	}
	return e.announcer.AnnounceAbort(ctx, t.peerCode, t.id, t.fingerprint, t.name)
}

// Cancel stops a transfer in any state short of finished and tells the peer.
func (e *Engine) Cancel(ctx context.Context, t *Transfer) error {
	if !t.finish(Canceled, ErrCanceled) {
		return ErrFinished
	}
	return e.announcer.AnnounceAbort(ctx, t.peerCode, t.id, t.fingerprint, t.name)
}

// CancelAll cancels every running transfer.
func (e *Engine) CancelAll(ctx context.Context) {
	for _, t := range e.Transfers() {
		if err := e.Cancel(ctx, t); err != nil && !errors.Is(err, ErrFinished) {
			log.Printf("[TRANSFER] Cancel #%d: %v", t.id, err)
		}
	}
}

// RemoteAccepted handles the peer's answer to one of our offers.
func (e *Engine) RemoteAccepted(peer, id, port int, fingerprint string) error {
	t, ok := e.Find(peer, id, Send)
	if !ok || t.fingerprint != fingerprint {
		return ErrUnknown
	}
	if !models.ValidPort(port) {
		return fmt.Errorf("%w: %d", ErrBadPort, port)
	}
	if t.Status() != Waiting {
		return ErrNotWaiting
	}
	select {
	case t.accepted <- port:
	default:
		return ErrNotWaiting
	}
	return nil
}

// RemoteAborted handles an abort from peer. It may refer to an offer we made
// (the peer rejected or canceled it) or one we received.
func (e *Engine) RemoteAborted(peer, id int, fingerprint string) error {
	if t, ok := e.Find(peer, id, Send); ok && t.fingerprint == fingerprint {
		if t.finishWhen(func(s Status) bool { return s == Waiting }, Failed, ErrRejected) {
			log.Printf("[TRANSFER] %s rejected #%d", t.peerNick, id)
			return nil
		}
		t.finish(Canceled, ErrRemoteCanceled)
		return nil
	}
	if t, ok := e.Find(peer, id, Receive); ok && t.fingerprint == fingerprint {
		t.finish(Canceled, ErrRemoteCanceled)
		return nil
	}
	return ErrUnknown
}

// FailPeer fails every running transfer with a peer that went away.
func (e *Engine) FailPeer(code int) {
	for _, t := range e.Transfers() {
		if t.peerCode == code {
			t.finish(Failed, ErrPeerGone)
		}
	}
}

func (e *Engine) Find(peer, id int, dir Direction) (*Transfer, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.transfers[key{peer, id, dir}]
	return t, ok
}

// Transfers lists all transfers, oldest first.
func (e *Engine) Transfers() []*Transfer {
	e.mu.RLock()
	list := make([]*Transfer, 0, len(e.transfers))
	for _, t := range e.transfers {
		list = append(list, t)
	}
	e.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		if !list[i].started.Equal(list[j].started) {
			return list[i].started.Before(list[j].started)
		}
		return list[i].id < list[j].id
	})
	return list
}

// Prune forgets finished transfers.
func (e *Engine) Prune() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for k, t := range e.transfers {
		if t.Status().Terminal() {
			delete(e.transfers, k)
			n++
		}
	}
	return n
}

func (e *Engine) finished(t *Transfer) {
	info := t.Info()
	if info.Error != "" {
		log.Printf("[TRANSFER] #%d %s %s with %s: %s (%s)", t.id, t.dir, t.name, t.peerNick, info.Status, info.Error)
	} else {
		log.Printf("[TRANSFER] #%d %s %s with %s: %s", t.id, t.dir, t.name, t.peerNick, info.Status)
	}
	if e.store == nil {
		return
	}
	err := e.store.AddHistory(&models.TransferHistory{
		ID:          t.id,
		Fingerprint: t.fingerprint,
		FileName:    t.name,
		FileSize:    t.size,
		Direction:   t.dir.String(),
		PeerCode:    t.peerCode,
		PeerName:    t.peerNick,
		Status:      info.Status,
		Timestamp:   time.Now(),
	})
	if err != nil {
		log.Printf("[TRANSFER] Recording history for #%d: %v", t.id, err)
	}
}

// failStream fails t after a broken data connection unless the peer's
// abort, which travels apart from the connection, ends it first.
func (e *Engine) failStream(t *Transfer, err error) {
	timer := time.NewTimer(abortGrace)
	defer timer.Stop()
	select {
	case <-t.done:
	case <-timer.C:
		t.finish(Failed, err)
	}
}

func (e *Engine) announceAbort(t *Transfer) {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.SendTimeout)
	defer cancel()
	if err := e.announcer.AnnounceAbort(ctx, t.peerCode, t.id, t.fingerprint, t.name); err != nil {
		log.Printf("[TRANSFER] Abort #%d: %v", t.id, err)
	}
}

// fingerprint tells apart concurrent transfers between the same two peers.
func (e *Engine) fingerprint(id int, name string, size int64) string {
	h, _ := blake2b.New(8, nil)
	fmt.Fprintf(h, "%d|%d|%s|%d|%s", e.self(), id, name, size, uuid.NewString())
	return hex.EncodeToString(h.Sum(nil))
}

// cleanName reduces a peer supplied name to a plain file name.
func cleanName(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' || r == 0 {
			return -1
		}
		return r
	}, name)
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return "file"
	}
	return name
}
