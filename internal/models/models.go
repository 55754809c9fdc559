package models

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// Peer is one chat participant. Peers are mutated in place so references
// held by listeners stay valid; only the directory should change Nick.
type Peer struct {
	code int
	me   bool

	mu          sync.RWMutex
	nick        string
	addr        netip.Addr
	hostname    string
	client      string
	os          string
	logonTime   time.Time
	privatePort int
	color       int
	awayMsg     string

	away         atomic.Bool
	writing      atomic.Bool
	idle         atomic.Bool
	lastActivity atomic.Int64 // unix nanos

	privLog atomic.Pointer[PrivateLog]
}

// PeerInfo is a point-in-time copy of a Peer, safe to pass around and
// serialize.
type PeerInfo struct {
	Code         int       `json:"code"`
	Nick         string    `json:"nick"`
	IP           string    `json:"ip"`
	Hostname     string    `json:"hostname"`
	Client       string    `json:"client"`
	OS           string    `json:"os"`
	LogonTime    time.Time `json:"logonTime"`
	LastActivity time.Time `json:"lastActivity"`
	PrivatePort  int       `json:"privatePort"`
	Color        int       `json:"color"`
	Away         bool      `json:"away"`
	AwayMsg      string    `json:"awayMsg"`
	Writing      bool      `json:"writing"`
	Idle         bool      `json:"idle"`
	Me           bool      `json:"me"`
}

func NewPeer(code int, nick string) *Peer {
	p := &Peer{code: code, nick: nick, logonTime: time.Now()}
	p.Touch()
	return p
}

// NewMe creates the peer representing the local session.
func NewMe(code int, nick string) *Peer {
	p := NewPeer(code, nick)
	p.me = true
	return p
}

func (p *Peer) Code() int  { return p.code }
func (p *Peer) IsMe() bool { return p.me }

func (p *Peer) Nick() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nick
}

func (p *Peer) SetNick(nick string) {
	p.mu.Lock()
	p.nick = nick
	p.mu.Unlock()
}

func (p *Peer) Addr() netip.Addr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.addr
}

func (p *Peer) SetAddr(a netip.Addr) {
	p.mu.Lock()
	p.addr = a
	p.mu.Unlock()
}

func (p *Peer) PrivatePort() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.privatePort
}

func (p *Peer) SetPrivatePort(port int) {
	p.mu.Lock()
	p.privatePort = port
	p.mu.Unlock()
}

// PrivateAddr is where private messages for this peer go. ok is false until
// both address and port are known.
func (p *Peer) PrivateAddr() (netip.AddrPort, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.addr.IsValid() || !ValidPort(p.privatePort) {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(p.addr, uint16(p.privatePort)), true
}

func (p *Peer) Color() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.color
}

func (p *Peer) SetColor(c int) {
	p.mu.Lock()
	p.color = c
	p.mu.Unlock()
}

func (p *Peer) LogonTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.logonTime
}

func (p *Peer) SetLogonTime(t time.Time) {
	p.mu.Lock()
	p.logonTime = t
	p.mu.Unlock()
}

// SetClientInfo records what a CLIENT message says about the peer.
func (p *Peer) SetClientInfo(client, os, hostname string) {
	p.mu.Lock()
	p.client = client
	p.os = os
	p.hostname = hostname
	p.mu.Unlock()
}

func (p *Peer) Away() bool { return p.away.Load() }

func (p *Peer) AwayMsg() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.awayMsg
}

func (p *Peer) SetAway(away bool, msg string) {
	p.mu.Lock()
	if !away {
		msg = ""
	}
	p.awayMsg = msg
	p.away.Store(away)
	p.mu.Unlock()
}

func (p *Peer) Writing() bool     { return p.writing.Load() }
func (p *Peer) SetWriting(w bool) { p.writing.Store(w) }
func (p *Peer) Idle() bool        { return p.idle.Load() }
func (p *Peer) SetIdle(idle bool) { p.idle.Store(idle) }

// Touch marks the peer as active now.
func (p *Peer) Touch() { p.lastActivity.Store(time.Now().UnixNano()) }

func (p *Peer) TouchAt(t time.Time) { p.lastActivity.Store(t.UnixNano()) }

func (p *Peer) LastActivity() time.Time { return time.Unix(0, p.lastActivity.Load()) }

// PrivateLog returns the peer's private chat log, creating it on first use.
func (p *Peer) PrivateLog() *PrivateLog {
	if l := p.privLog.Load(); l != nil {
		return l
	}
	p.privLog.CompareAndSwap(nil, &PrivateLog{})
	return p.privLog.Load()
}

// HasPrivateLog reports whether a private chat was ever opened with the peer.
func (p *Peer) HasPrivateLog() bool { return p.privLog.Load() != nil }

func (p *Peer) Info() PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info := PeerInfo{
		Code:         p.code,
		Nick:         p.nick,
		Hostname:     p.hostname,
		Client:       p.client,
		OS:           p.os,
		LogonTime:    p.logonTime,
		LastActivity: p.LastActivity(),
		PrivatePort:  p.privatePort,
		Color:        p.color,
		Away:         p.away.Load(),
		AwayMsg:      p.awayMsg,
		Writing:      p.writing.Load(),
		Idle:         p.idle.Load(),
		Me:           p.me,
	}
	if p.addr.IsValid() {
		info.IP = p.addr.String()
	}
	return info
}

// Topic is the main chat subject line. Time orders topics; the newest wins.
type Topic struct {
	Text string    `json:"text"`
	Nick string    `json:"nick"`
	Time time.Time `json:"time"`
}

func (t Topic) IsSet() bool { return !t.Time.IsZero() && t.Text != "" }

// TopicHolder keeps the newest topic seen so far.
type TopicHolder struct {
	mu    sync.RWMutex
	topic Topic
}

// Apply stores t if it is strictly newer than the held topic and reports
// whether it did.
func (h *TopicHolder) Apply(t Topic) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !t.Time.After(h.topic.Time) {
		return false
	}
	h.topic = t
	return true
}

func (h *TopicHolder) Get() Topic {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.topic
}

func (h *TopicHolder) Reset() {
	h.mu.Lock()
	h.topic = Topic{}
	h.mu.Unlock()
}

// LogLine is one entry of an in-memory chat log.
type LogLine struct {
	Time     time.Time `json:"time"`
	Nick     string    `json:"nick"`
	Text     string    `json:"text"`
	Color    int       `json:"color"`
	Outgoing bool      `json:"outgoing"`
}

// PrivateLog keeps the private conversation with one peer for the lifetime
// of the session.
type PrivateLog struct {
	mu    sync.Mutex
	lines []LogLine
}

func (l *PrivateLog) Append(line LogLine) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
}

func (l *PrivateLog) Lines() []LogLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogLine, len(l.lines))
	copy(out, l.lines)
	return out
}

// TransferHistory is one finished file transfer as kept by the history store.
type TransferHistory struct {
	ID          int       `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	FileName    string    `json:"fileName"`
	FileSize    int64     `json:"fileSize"`
	Direction   string    `json:"direction"` // send, receive
	PeerCode    int       `json:"peerCode"`
	PeerName    string    `json:"peerName"`
	Status      string    `json:"status"` // completed, failed, canceled
	Timestamp   time.Time `json:"timestamp"`
}
