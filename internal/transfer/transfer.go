package transfer

import (
	"errors"
	"io"
	"net/netip"
	"os"
	"sync"
	"time"

	"lanchat/internal/models"
)

var (
	ErrDuplicate      = errors.New("transfer already registered")
	ErrUnknown        = errors.New("no such transfer")
	ErrNotWaiting     = errors.New("transfer is no longer waiting")
	ErrFinished       = errors.New("transfer already finished")
	ErrRejected       = errors.New("transfer rejected")
	ErrTimeout        = errors.New("transfer timed out")
	ErrCanceled       = errors.New("transfer canceled")
	ErrRemoteCanceled = errors.New("transfer canceled by peer")
	ErrPeerGone       = errors.New("peer went offline")
	ErrIntegrity      = errors.New("file digest mismatch")
	ErrHeader         = errors.New("unexpected transfer header")
	ErrNotAFile       = errors.New("not a regular file")
	ErrBadPort        = errors.New("port out of range")
)

type Direction int

const (
	Send Direction = iota
	Receive
)

func (d Direction) String() string {
	if d == Receive {
		return "receive"
	}
	return "send"
}

// ParseDirection is the inverse of Direction.String.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "send":
		return Send, true
	case "receive":
		return Receive, true
	}
	return Send, false
}

type Status int

const (
	Waiting Status = iota
	Connecting
	Transferring
	Completed
	Failed
	Canceled
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Connecting:
		return "connecting"
	case Transferring:
		return "transferring"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	}
	return "unknown"
}

func (s Status) Terminal() bool { return s >= Completed }

// Transfer is one file moving between this node and a peer. Identity fields
// never change; progress and status are guarded by mu.
type Transfer struct {
	id          int
	dir         Direction
	fingerprint string
	peerCode    int
	peerNick    string
	peerAddr    netip.Addr
	name        string
	source      string
	size        int64
	started     time.Time
	interval    time.Duration

	accepted chan int
	done     chan struct{}

	mu          sync.Mutex
	status      Status
	err         error
	transferred int64
	percent     int
	savedPath   string
	closer      io.Closer
	lastNotify  time.Time
	notifiedPct int
	listeners   []func(*Transfer)
	onFinish    func(*Transfer)
}

func newTransfer(dir Direction, id int, peer *models.Peer, name string, size int64, interval time.Duration) *Transfer {
	return &Transfer{
		id:          id,
		dir:         dir,
		peerCode:    peer.Code(),
		peerNick:    peer.Nick(),
		peerAddr:    peer.Addr(),
		name:        name,
		size:        size,
		started:     time.Now(),
		interval:    interval,
		accepted:    make(chan int, 1),
		done:        make(chan struct{}),
		notifiedPct: -1,
	}
}

func (t *Transfer) ID() int               { return t.id }
func (t *Transfer) Direction() Direction  { return t.dir }
func (t *Transfer) Fingerprint() string   { return t.fingerprint }
func (t *Transfer) PeerCode() int         { return t.peerCode }
func (t *Transfer) PeerNick() string      { return t.peerNick }
func (t *Transfer) FileName() string      { return t.name }
func (t *Transfer) Size() int64           { return t.size }
func (t *Transfer) Done() <-chan struct{} { return t.done }

func (t *Transfer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err is the reason a transfer failed or was canceled.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transfer) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percent
}

// SavedPath is where a received file ends up.
func (t *Transfer) SavedPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.savedPath
}

// AddListener registers fn for progress and status changes. fn runs on the
// transfer's goroutine.
func (t *Transfer) AddListener(fn func(*Transfer)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Info is a JSON-friendly snapshot of a transfer.
type Info struct {
	ID          int       `json:"id"`
	Direction   string    `json:"direction"`
	Fingerprint string    `json:"fingerprint"`
	PeerCode    int       `json:"peerCode"`
	PeerName    string    `json:"peerName"`
	FileName    string    `json:"fileName"`
	SavedPath   string    `json:"savedPath,omitempty"`
	FileSize    int64     `json:"fileSize"`
	Transferred int64     `json:"transferred"`
	Progress    int       `json:"progress"`
	Speed       float64   `json:"speed"` // MB/s
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartTime   time.Time `json:"startTime"`
}

func (t *Transfer) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := Info{
		ID:          t.id,
		Direction:   t.dir.String(),
		Fingerprint: t.fingerprint,
		PeerCode:    t.peerCode,
		PeerName:    t.peerNick,
		FileName:    t.name,
		SavedPath:   t.savedPath,
		FileSize:    t.size,
		Transferred: t.transferred,
		Progress:    t.percent,
		Status:      t.status.String(),
		StartTime:   t.started,
	}
	if elapsed := time.Since(t.started).Seconds(); elapsed > 0 {
		info.Speed = float64(t.transferred) / 1024 / 1024 / elapsed
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	return info
}

// begin moves a waiting transfer to Connecting and hands it the resource
// to close on cancel.
func (t *Transfer) begin(closer io.Closer, savedPath string) bool {
	t.mu.Lock()
	if t.status != Waiting {
		t.mu.Unlock()
		return false
	}
	t.status = Connecting
	t.closer = closer
	if savedPath != "" {
		t.savedPath = savedPath
	}
	t.mu.Unlock()
	t.notify()
	return true
}

// attach replaces the resource closed on cancel. It fails once the transfer
// is over.
func (t *Transfer) attach(c io.Closer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.closer = c
	return true
}

func (t *Transfer) setStatus(s Status) {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.status = s
	t.mu.Unlock()
	t.notify()
}

// advance records n more bytes. Listeners hear about it when the percentage
// moved and the progress interval has passed since the last report.
func (t *Transfer) advance(n int) {
	t.mu.Lock()
	t.transferred += int64(n)
	pct := 100
	if t.size > 0 {
		pct = int(t.transferred * 100 / t.size)
	}
	if pct > 100 {
		pct = 100
	}
	if pct > t.percent {
		t.percent = pct
	}
	report := t.percent != t.notifiedPct && time.Since(t.lastNotify) >= t.interval
	t.mu.Unlock()
	if report {
		t.notify()
	}
}

func (t *Transfer) finish(s Status, err error) bool {
	return t.finishWhen(nil, s, err)
}

// finishWhen ends the transfer if it is still running and cond, when given,
// holds for the current status. Only the first call wins.
func (t *Transfer) finishWhen(cond func(Status) bool, s Status, err error) bool {
	t.mu.Lock()
	if t.status.Terminal() || (cond != nil && !cond(t.status)) {
		t.mu.Unlock()
		return false
	}
	t.status = s
	t.err = err
	if s == Completed {
		t.percent = 100
	}
	closer := t.closer
	t.closer = nil
	partial := ""
	if t.dir == Receive && s != Completed {
		partial = t.savedPath
	}
	onFinish := t.onFinish
	t.mu.Unlock()

	if closer != nil {
		closer.Close()
	}
	if partial != "" {
		os.Remove(partial)
	}
	t.notify()
	if onFinish != nil {
		onFinish(t)
	}
	close(t.done)
	return true
}

func (t *Transfer) notify() {
	t.mu.Lock()
	t.lastNotify = time.Now()
	t.notifiedPct = t.percent
	listeners := make([]func(*Transfer), len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(t)
	}
}
