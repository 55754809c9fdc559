// Package directory keeps the set of peers currently online.
package directory

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"lanchat/internal/models"
)

var (
	ErrDuplicateCode = errors.New("code already in use")
	ErrDuplicateNick = errors.New("nickname already in use")
	ErrUnknownPeer   = errors.New("no such peer")
)

// Listener is told about every change, with the peer's position in nickname
// order. Calls happen while the directory is locked, so a listener must not
// call back into the directory.
type Listener interface {
	PeerAdded(pos int, p *models.Peer)
	PeerRemoved(pos int, p *models.Peer)
	PeerChanged(pos int, p *models.Peer)
}

type Directory struct {
	mu        sync.RWMutex
	byCode    map[int]*models.Peer
	sorted    []*models.Peer
	listeners []Listener
}

func New() *Directory {
	return &Directory{byCode: make(map[int]*models.Peer)}
}

func (d *Directory) AddListener(l Listener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

func (d *Directory) Add(p *models.Peer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byCode[p.Code()]; ok {
		return ErrDuplicateCode
	}
	if d.nickTakenLocked(p.Nick(), 0) {
		return ErrDuplicateNick
	}
	d.byCode[p.Code()] = p
	pos := d.insertLocked(p)
	for _, l := range d.listeners {
		l.PeerAdded(pos, p)
	}
	return nil
}

// Remove drops the peer with the given code and returns it.
func (d *Directory) Remove(code int) (*models.Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.byCode[code]
	if !ok {
		return nil, false
	}
	delete(d.byCode, code)
	pos := d.removeLocked(p)
	for _, l := range d.listeners {
		l.PeerRemoved(pos, p)
	}
	return p, true
}

func (d *Directory) ByCode(code int) (*models.Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byCode[code]
	return p, ok
}

// ByNick finds a peer by nickname, ignoring case.
func (d *Directory) ByNick(nick string) (*models.Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.sorted {
		if strings.EqualFold(p.Nick(), nick) {
			return p, true
		}
	}
	return nil, false
}

// NickTaken reports whether a peer other than the one with code except uses
// nick.
func (d *Directory) NickTaken(nick string, except int) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nickTakenLocked(nick, except)
}

// ChangeNickname renames a peer. The directory is left unchanged on error.
func (d *Directory) ChangeNickname(code int, nick string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.byCode[code]
	if !ok {
		return ErrUnknownPeer
	}
	if p.Nick() == nick {
		return nil
	}
	if d.nickTakenLocked(nick, code) {
		return ErrDuplicateNick
	}
	d.removeLocked(p)
	p.SetNick(nick)
	pos := d.insertLocked(p)
	for _, l := range d.listeners {
		l.PeerChanged(pos, p)
	}
	return nil
}

// Update runs fn on the peer under the directory lock and notifies
// listeners. fn must not change the nickname.
func (d *Directory) Update(code int, fn func(p *models.Peer)) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.byCode[code]
	if !ok {
		return false
	}
	fn(p)
	pos := d.indexLocked(p)
	for _, l := range d.listeners {
		l.PeerChanged(pos, p)
	}
	return true
}

// Peers returns the peers in nickname order.
func (d *Directory) Peers() []*models.Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*models.Peer, len(d.sorted))
	copy(out, d.sorted)
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sorted)
}

// Clear removes every peer, notifying listeners from the last position down.
func (d *Directory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.sorted) - 1; i >= 0; i-- {
		p := d.sorted[i]
		d.sorted = d.sorted[:i]
		delete(d.byCode, p.Code())
		for _, l := range d.listeners {
			l.PeerRemoved(i, p)
		}
	}
}

func (d *Directory) nickTakenLocked(nick string, except int) bool {
	for _, p := range d.sorted {
		if p.Code() != except && strings.EqualFold(p.Nick(), nick) {
			return true
		}
	}
	return false
}

func less(a, b *models.Peer) bool {
	an, bn := strings.ToLower(a.Nick()), strings.ToLower(b.Nick())
	if an != bn {
		return an < bn
	}
	return a.Code() < b.Code()
}

func (d *Directory) insertLocked(p *models.Peer) int {
	pos := sort.Search(len(d.sorted), func(i int) bool { return less(p, d.sorted[i]) })
	d.sorted = append(d.sorted, nil)
	copy(d.sorted[pos+1:], d.sorted[pos:])
	d.sorted[pos] = p
	return pos
}

func (d *Directory) removeLocked(p *models.Peer) int {
	pos := d.indexLocked(p)
	if pos < 0 {
		return -1
	}
	d.sorted = append(d.sorted[:pos], d.sorted[pos+1:]...)
	return pos
}

func (d *Directory) indexLocked(p *models.Peer) int {
	for i, q := range d.sorted {
		if q == p {
			return i
		}
	}
	return -1
}
