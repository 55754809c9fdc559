// Package console is the terminal frontend, built on bubbletea.
package console

import (
	"context"
	"fmt"
	"log"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"lanchat/internal/models"
	"lanchat/internal/session"
	"lanchat/internal/transfer"
	"lanchat/internal/ui"
)

const eventBuffer = 512

type chatMsg struct {
	nick    string
	text    string
	color   int
	own     bool
	private bool
	system  bool
}

type topicMsg models.Topic

type nickMsg struct{ old, new string }

type networkMsg bool

type spokeMsg string

type transferMsg transfer.Info

type questionMsg transfer.Info

type resultMsg struct {
	text string
	err  error
}

// Frontend turns session callbacks into bubbletea messages.
type Frontend struct {
	events chan tea.Msg

	mu      sync.Mutex
	pending map[string]chan bool
}

var (
	_ ui.UserInterface     = (*Frontend)(nil)
	_ ui.MessageController = (*Frontend)(nil)
)

func NewFrontend() *Frontend {
	return &Frontend{
		events:  make(chan tea.Msg, eventBuffer),
		pending: make(map[string]chan bool),
	}
}

func (f *Frontend) post(msg tea.Msg) {
	select {
	case f.events <- msg:
	default:
		log.Printf("[CONSOLE] Event queue full, dropping %T", msg)
	}
}

func waitForEvent(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg { return <-ch }
}

func questionKey(peer, id int) string {
	return fmt.Sprintf("%d-%d", peer, id)
}

func (f *Frontend) AskFileSave(ctx context.Context, t *transfer.Transfer) bool {
	key := questionKey(t.PeerCode(), t.ID())
	answer := make(chan bool, 1)
	f.mu.Lock()
	f.pending[key] = answer
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.pending, key)
		f.mu.Unlock()
	}()

	f.post(questionMsg(t.Info()))
	select {
	case ok := <-answer:
		return ok
	case <-ctx.Done():
		return false
	}
}

// answer settles an open question for t and reports whether one was open.
func (f *Frontend) answer(t *transfer.Transfer, accept bool) bool {
	key := questionKey(t.PeerCode(), t.ID())
	f.mu.Lock()
	ch, ok := f.pending[key]
	delete(f.pending, key)
	f.mu.Unlock()
	if ok {
		ch <- accept
	}
	return ok
}

func (f *Frontend) ShowTransfer(t *transfer.Transfer) { f.post(transferMsg(t.Info())) }

// ShowMessage counts unread chat while the view is scrolled back. The line
// itself comes through ChatLine.
func (f *Frontend) ShowMessage(p *models.Peer, text string, color int) {
	f.post(spokeMsg(p.Nick()))
}

func (f *Frontend) ShowPrivateMessage(p *models.Peer, text string, color int) {
	f.post(chatMsg{nick: p.Nick(), text: text, color: color, private: true})
}

func (f *Frontend) ShowTopic(t models.Topic)            { f.post(topicMsg(t)) }
func (f *Frontend) NickChanged(oldNick, newNick string) { f.post(nickMsg{oldNick, newNick}) }
func (f *Frontend) NetworkStatus(up bool)               { f.post(networkMsg(up)) }
func (f *Frontend) Messages() ui.MessageController      { return f }
func (f *Frontend) SystemMessage(text string)           { f.post(chatMsg{text: text, system: true}) }

func (f *Frontend) ChatLine(nick, text string, color int) {
	f.post(chatMsg{nick: nick, text: text, color: color})
}

func (f *Frontend) OwnLine(text string, color int) {
	f.post(chatMsg{text: text, color: color, own: true})
}

// Run shows the chat until the user quits.
func Run(ctrl *session.Controller, f *Frontend) error {
	p := tea.NewProgram(newModel(ctrl, f), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
