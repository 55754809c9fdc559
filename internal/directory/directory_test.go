package directory

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"lanchat/internal/models"
)

type event struct {
	kind string
	pos  int
	nick string
}

type recorder struct{ events []event }

func (r *recorder) PeerAdded(pos int, p *models.Peer) {
	r.events = append(r.events, event{"add", pos, p.Nick()})
}

func (r *recorder) PeerRemoved(pos int, p *models.Peer) {
	r.events = append(r.events, event{"remove", pos, p.Nick()})
}

func (r *recorder) PeerChanged(pos int, p *models.Peer) {
	r.events = append(r.events, event{"change", pos, p.Nick()})
}

func nicks(d *Directory) []string {
	var out []string
	for _, p := range d.Peers() {
		out = append(out, p.Nick())
	}
	return out
}

func TestAddOrdersByNick(t *testing.T) {
	d := New()
	rec := &recorder{}
	d.AddListener(rec)

	for i, n := range []string{"carol", "Alice", "bob"} {
		if err := d.Add(models.NewPeer(i+1, n)); err != nil {
			t.Fatal(err)
		}
	}
	if got := strings.Join(nicks(d), ","); got != "Alice,bob,carol" {
		t.Fatalf("order = %s", got)
	}
	want := []event{{"add", 0, "carol"}, {"add", 0, "Alice"}, {"add", 1, "bob"}}
	for i, e := range want {
		if rec.events[i] != e {
			t.Errorf("event %d = %+v, want %+v", i, rec.events[i], e)
		}
	}
}

func TestAddDuplicates(t *testing.T) {
	d := New()
	if err := d.Add(models.NewPeer(1, "alice")); err != nil {
		t.Fatal(err)
	}
	if err := d.Add(models.NewPeer(1, "other")); !errors.Is(err, ErrDuplicateCode) {
		t.Errorf("duplicate code: %v", err)
	}
	if err := d.Add(models.NewPeer(2, "ALICE")); !errors.Is(err, ErrDuplicateNick) {
		t.Errorf("duplicate nick: %v", err)
	}
	if d.Len() != 1 {
		t.Errorf("Len = %d", d.Len())
	}
}

func TestChangeNickname(t *testing.T) {
	d := New()
	rec := &recorder{}
	d.Add(models.NewPeer(1, "alice"))
	d.Add(models.NewPeer(2, "bob"))
	d.AddListener(rec)

	if err := d.ChangeNickname(1, "bob"); !errors.Is(err, ErrDuplicateNick) {
		t.Fatalf("collision: %v", err)
	}
	if p, _ := d.ByCode(1); p.Nick() != "alice" {
		t.Fatalf("nick changed on failure: %s", p.Nick())
	}
	if err := d.ChangeNickname(1, "zed"); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(nicks(d), ","); got != "bob,zed" {
		t.Fatalf("order = %s", got)
	}
	if len(rec.events) != 1 || rec.events[0] != (event{"change", 1, "zed"}) {
		t.Fatalf("events = %+v", rec.events)
	}
	if err := d.ChangeNickname(9, "x"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("unknown: %v", err)
	}
	if p, ok := d.ByNick("ZED"); !ok || p.Code() != 1 {
		t.Fatal("ByNick should ignore case")
	}
}

func TestRemoveAndClear(t *testing.T) {
	d := New()
	for i, n := range []string{"a", "b", "c"} {
		d.Add(models.NewPeer(i+1, n))
	}
	rec := &recorder{}
	d.AddListener(rec)

	if p, ok := d.Remove(2); !ok || p.Nick() != "b" {
		t.Fatal("Remove(2) failed")
	}
	if _, ok := d.Remove(2); ok {
		t.Fatal("second Remove(2) succeeded")
	}
	d.Clear()
	if d.Len() != 0 {
		t.Fatal("Clear left peers behind")
	}
	want := []event{{"remove", 1, "b"}, {"remove", 1, "c"}, {"remove", 0, "a"}}
	if len(rec.events) != len(want) {
		t.Fatalf("events = %+v", rec.events)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, rec.events[i], want[i])
		}
	}
}

func TestUpdateNotifies(t *testing.T) {
	d := New()
	d.Add(models.NewPeer(1, "alice"))
	rec := &recorder{}
	d.AddListener(rec)

	if !d.Update(1, func(p *models.Peer) { p.SetAway(true, "brb") }) {
		t.Fatal("Update returned false")
	}
	if d.Update(2, func(p *models.Peer) {}) {
		t.Fatal("Update of unknown peer returned true")
	}
	if p, _ := d.ByCode(1); !p.Away() {
		t.Fatal("update not applied")
	}
	if len(rec.events) != 1 || rec.events[0].kind != "change" {
		t.Fatalf("events = %+v", rec.events)
	}
}

func TestUniquenessUnderRandomOps(t *testing.T) {
	d := New()
	pool := []string{"a", "b", "c", "A", "d", "e"}
	for i := 0; i < 5000; i++ {
		code := 1 + rand.IntN(8)
		nick := pool[rand.IntN(len(pool))]
		switch rand.IntN(3) {
		case 0:
			d.Add(models.NewPeer(code, nick))
		case 1:
			d.Remove(code)
		case 2:
			d.ChangeNickname(code, nick)
		}

		codes := map[int]bool{}
		seen := map[string]bool{}
		peers := d.Peers()
		for j, p := range peers {
			key := strings.ToLower(p.Nick())
			if codes[p.Code()] || seen[key] {
				t.Fatalf("step %d: duplicate in %v", i, nicks(d))
			}
			codes[p.Code()] = true
			seen[key] = true
			if j > 0 && less(p, peers[j-1]) {
				t.Fatalf("step %d: order broken: %s", i, fmt.Sprint(nicks(d)))
			}
		}
		if len(codes) != d.Len() {
			t.Fatalf("step %d: Len mismatch", i)
		}
	}
}
