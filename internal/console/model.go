package console

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"lanchat/internal/session"
	"lanchat/internal/transfer"
)

const maxLines = 1000

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#3C3C64")).Padding(0, 1)
	systemStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080")).Italic(true)
	privateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#D7AF5F"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
	upStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD75F"))
	downStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#505050"))
)

// nickStyle renders nick in the peer's chosen color. Black is drawn in the
// terminal's default color.
func nickStyle(color int) lipgloss.Style {
	s := lipgloss.NewStyle().Bold(true)
	if color&0xFFFFFF == 0 {
		return s
	}
	return s.Foreground(lipgloss.Color(fmt.Sprintf("#%06X", color&0xFFFFFF)))
}

type model struct {
	ctrl  *session.Controller
	front *Frontend

	viewport viewport.Model
	input    textinput.Model
	bar      progress.Model
	lines    []string
	active   map[string]transfer.Info

	topic   string
	unread  int
	up      bool
	writing bool
	ready   bool
}

func newModel(ctrl *session.Controller, f *Frontend) model {
	ti := textinput.New()
	ti.Placeholder = "Type a message or /help"
	ti.Focus()
	ti.CharLimit = 400
	ti.Width = 20

	return model{
		ctrl:   ctrl,
		front:  f,
		input:  ti,
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		active: make(map[string]transfer.Info),
		topic:  ctrl.Topic().Text,
		up:     ctrl.Connected(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForEvent(m.front.events))
}

func (m *model) add(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
	if m.ready {
		follow := m.viewport.AtBottom()
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		if follow {
			m.viewport.GotoBottom()
		}
	}
}

func (m *model) system(text string) {
	for _, l := range strings.Split(text, "\n") {
		m.add(systemStyle.Render(l))
	}
}

func stamp() string {
	return borderStyle.Render(time.Now().Format("15:04") + " │")
}

func (m *model) myNick() string {
	if me := m.ctrl.Me(); me != nil {
		return me.Nick()
	}
	return ""
}

func (m *model) showChat(msg chatMsg) {
	switch {
	case msg.system:
		m.add(stamp() + " " + systemStyle.Render("* "+msg.text))
	case msg.own:
		m.add(fmt.Sprintf("%s %s %s", stamp(), nickStyle(msg.color).Render("<"+m.myNick()+">"), msg.text))
	case msg.private:
		m.add(fmt.Sprintf("%s %s %s", stamp(), nickStyle(msg.color).Render("*"+msg.nick+"*"), privateStyle.Render(msg.text)))
	default:
		m.add(fmt.Sprintf("%s %s %s", stamp(), nickStyle(msg.color).Render("<"+msg.nick+">"), msg.text))
	}
}

func transferKey(t transfer.Info) string {
	return fmt.Sprintf("%d-%d-%s", t.PeerCode, t.ID, t.Direction)
}

// position is the number /accept, /reject and /cancel take for t.
func (m *model) position(t transfer.Info) int {
	for i, tr := range m.ctrl.Transfers() {
		if tr.PeerCode() == t.PeerCode && tr.ID() == t.ID && tr.Direction().String() == t.Direction {
			return i + 1
		}
	}
	return 0
}

func (m *model) showTransfer(t transfer.Info) {
	key := transferKey(t)
	status, _ := transferStatus(t.Status)
	if !status.Terminal() {
		m.active[key] = t
		return
	}
	delete(m.active, key)
	verb := "to"
	if t.Direction == transfer.Receive.String() {
		verb = "from"
	}
	text := fmt.Sprintf("Transfer of %s %s %s: %s", t.FileName, verb, t.PeerName, t.Status)
	if t.Error != "" {
		text += " (" + t.Error + ")"
	}
	if t.SavedPath != "" && status == transfer.Completed {
		text += ", saved as " + t.SavedPath
	}
	m.add(stamp() + " " + systemStyle.Render("* "+text))
}

func transferStatus(s string) (transfer.Status, bool) {
	for st := transfer.Waiting; st <= transfer.Canceled; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return transfer.Waiting, false
}

func (m *model) listUsers() {
	peers := m.ctrl.Directory().Peers()
	m.system(fmt.Sprintf("%d online:", len(peers)))
	for _, p := range peers {
		info := p.Info()
		line := "  " + nickStyle(info.Color).Render(info.Nick)
		var flags []string
		if info.Me {
			flags = append(flags, "you")
		}
		if info.Away {
			flags = append(flags, "away: "+info.AwayMsg)
		}
		if info.Idle {
			flags = append(flags, "idle")
		}
		if info.Writing {
			flags = append(flags, "writing")
		}
		if info.IP != "" {
			flags = append(flags, info.IP)
		}
		if info.Client != "" {
			flags = append(flags, info.Client+" on "+info.OS)
		}
		if len(flags) > 0 {
			line += systemStyle.Render(" (" + strings.Join(flags, ", ") + ")")
		}
		m.add(line)
	}
}

func (m *model) listTransfers() {
	transfers := m.ctrl.Transfers()
	if len(transfers) == 0 {
		m.system("No transfers")
		return
	}
	for i, t := range transfers {
		info := t.Info()
		m.system(fmt.Sprintf("%d. %s %s %s %s %d%% %s", i+1, info.Direction, info.FileName, info.PeerName, info.Status, info.Progress, info.Error))
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			content := m.input.Value()
			m.input.SetValue("")
			cmds := []tea.Cmd{m.setWriting(false)}
			if cmd, ok := parseCommand(content); ok {
				cmds = append(cmds, m.run(cmd))
			} else if strings.TrimSpace(content) != "" {
				text := strings.TrimPrefix(content, "/")
				c := m.ctrl
				cmds = append(cmds, m.do("", func(ctx context.Context) error { return c.SendChatMessage(ctx, text) }))
			}
			return m, tea.Batch(cmds...)
		}

	case chatMsg:
		m.showChat(msg)
		return m, waitForEvent(m.front.events)

	case spokeMsg:
		if m.ready && !m.viewport.AtBottom() {
			m.unread++
		}
		return m, waitForEvent(m.front.events)

	case topicMsg:
		m.topic = msg.Text
		m.system(fmt.Sprintf("Topic set by %s: %s", msg.Nick, msg.Text))
		return m, waitForEvent(m.front.events)

	case nickMsg:
		m.system(fmt.Sprintf("You are now known as %s", msg.new))
		return m, waitForEvent(m.front.events)

	case networkMsg:
		m.up = bool(msg)
		return m, waitForEvent(m.front.events)

	case transferMsg:
		m.showTransfer(transfer.Info(msg))
		return m, waitForEvent(m.front.events)

	case questionMsg:
		t := transfer.Info(msg)
		m.active[transferKey(t)] = t
		m.add(stamp() + " " + privateStyle.Render(fmt.Sprintf(
			"* %s offers %s (%d bytes): /accept %d or /reject %d", t.PeerName, t.FileName, t.FileSize, m.position(t), m.position(t))))
		return m, waitForEvent(m.front.events)

	case resultMsg:
		if msg.err != nil {
			m.add(errorStyle.Render("! " + msg.err.Error()))
		} else if msg.text != "" {
			m.system(msg.text)
		}
		return m, nil

	case tea.WindowSizeMsg:
		headerHeight := 1
		footerHeight := 2 + len(m.active)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.viewport.YPosition = headerHeight
			m.viewport.SetContent(strings.Join(m.lines, "\n"))
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.input.Width = msg.Width - 3
		m.bar.Width = msg.Width / 3
	}

	before := m.input.Value()
	m.input, tiCmd = m.input.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	if m.viewport.AtBottom() {
		m.unread = 0
	}
	var wCmd tea.Cmd
	if after := m.input.Value(); after != before {
		wCmd = m.setWriting(strings.TrimSpace(after) != "" && !strings.HasPrefix(after, "/"))
	}
	return m, tea.Batch(tiCmd, vpCmd, wCmd)
}

// setWriting announces typing state changes.
func (m *model) setWriting(writing bool) tea.Cmd {
	if m.writing == writing || !m.ctrl.LoggedOn() {
		return nil
	}
	m.writing = writing
	c := m.ctrl
	done := c.Go(func(ctx context.Context) error { return c.ChangeWriting(ctx, writing) })
	return func() tea.Msg {
		if err := <-done; err != nil {
			return resultMsg{err: err}
		}
		return nil
	}
}

func (m model) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	status := downStyle.Render("offline")
	if m.up {
		status = upStyle.Render("online")
	}
	header := headerStyle.Render(m.myNick()) + " " + status
	if m.topic != "" {
		header += " " + borderStyle.Render("│") + " " + m.topic
	}
	if m.unread > 0 {
		header += " " + privateStyle.Render(fmt.Sprintf("(%d new)", m.unread))
	}

	var bars []string
	keys := make([]string, 0, len(m.active))
	for k := range m.active {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t := m.active[k]
		bars = append(bars, fmt.Sprintf("%s %3d%% %s %s", m.bar.ViewAs(float64(t.Progress)/100), t.Progress, t.FileName, systemStyle.Render(t.Status)))
	}

	parts := []string{header, m.viewport.View()}
	parts = append(parts, bars...)
	parts = append(parts, borderStyle.Render(strings.Repeat("─", m.viewport.Width)), m.input.View())
	return strings.Join(parts, "\n")
}
