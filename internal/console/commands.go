package console

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"lanchat/internal/transfer"
)

var errUsage = errors.New("usage")

type command struct {
	name string
	rest string
	args []string
}

// parseCommand splits a slash command. Plain chat lines report false.
func parseCommand(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return command{}, false
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	return command{name: strings.ToLower(name), rest: rest, args: strings.Fields(rest)}, true
}

const helpText = `/nick <nick>          change your nickname
/topic <text>         set the topic
/away [message]       mark yourself away
/back                 come back
/msg <nick> <text>    private message
/send <nick> <path>   offer a file
/accept <n>           accept transfer n
/reject <n>           reject transfer n
/cancel <n>           cancel transfer n
/users                list who is online
/transfers            list transfers
/quit                 leave`

// run performs cmd and returns the command that reports its result, or
// nil when it was handled locally.
func (m *model) run(cmd command) tea.Cmd {
	c := m.ctrl
	switch cmd.name {
	case "help":
		m.system(helpText)
		return nil
	case "quit", "exit":
		return tea.Quit
	case "users":
		m.listUsers()
		return nil
	case "transfers":
		m.listTransfers()
		return nil
	case "nick":
		if len(cmd.args) != 1 {
			return usage("/nick <nick>")
		}
		return m.do("", func(ctx context.Context) error { return c.ChangeMyNickname(ctx, cmd.args[0]) })
	case "topic":
		return m.do("", func(ctx context.Context) error { return c.ChangeTopic(ctx, cmd.rest) })
	case "away":
		return m.do("You are away", func(ctx context.Context) error { return c.ChangeAwayStatus(ctx, true, cmd.rest) })
	case "back":
		return m.do("You are back", func(ctx context.Context) error { return c.ChangeAwayStatus(ctx, false, "") })
	case "msg":
		if len(cmd.args) < 2 {
			return usage("/msg <nick> <text>")
		}
		nick := cmd.args[0]
		text := strings.TrimSpace(strings.TrimPrefix(cmd.rest, nick))
		peer, ok := c.Directory().ByNick(nick)
		if !ok {
			return report(fmt.Errorf("%s is not online", nick))
		}
		return m.do(fmt.Sprintf("-> %s: %s", peer.Nick(), text), func(ctx context.Context) error {
			return c.SendPrivateMessage(ctx, text, peer)
		})
	case "send":
		if len(cmd.args) < 2 {
			return usage("/send <nick> <path>")
		}
		nick := cmd.args[0]
		path := strings.TrimSpace(strings.TrimPrefix(cmd.rest, nick))
		peer, ok := c.Directory().ByNick(nick)
		if !ok {
			return report(fmt.Errorf("%s is not online", nick))
		}
		return m.do("", func(ctx context.Context) error {
			_, err := c.SendFile(ctx, peer, path, "")
			return err
		})
	case "accept", "reject", "cancel":
		t, err := m.transferArg(cmd)
		if err != nil {
			return report(err)
		}
		return m.decide(cmd.name, t)
	}
	return report(fmt.Errorf("unknown command /%s, try /help", cmd.name))
}

func (m *model) transferArg(cmd command) (*transfer.Transfer, error) {
	if len(cmd.args) != 1 {
		return nil, fmt.Errorf("%w: /%s <n>", errUsage, cmd.name)
	}
	n, err := strconv.Atoi(cmd.args[0])
	transfers := m.ctrl.Transfers()
	if err != nil || n < 1 || n > len(transfers) {
		return nil, fmt.Errorf("no transfer %s, see /transfers", cmd.args[0])
	}
	return transfers[n-1], nil
}

func (m *model) decide(action string, t *transfer.Transfer) tea.Cmd {
	c := m.ctrl
	switch action {
	case "accept":
		if m.front.answer(t, true) {
			return nil
		}
		return m.do("", func(ctx context.Context) error { return c.AcceptFile(ctx, t) })
	case "reject":
		if m.front.answer(t, false) {
			return nil
		}
		return m.do("", func(ctx context.Context) error { return c.RejectFile(ctx, t) })
	default:
		return m.do("", func(ctx context.Context) error { return c.CancelTransfer(ctx, t) })
	}
}

// do runs op through the controller off the UI goroutine.
func (m *model) do(okText string, op func(ctx context.Context) error) tea.Cmd {
	done := m.ctrl.Go(op)
	return func() tea.Msg {
		return resultMsg{text: okText, err: <-done}
	}
}

func usage(text string) tea.Cmd {
	return report(fmt.Errorf("%w: %s", errUsage, text))
}

func report(err error) tea.Cmd {
	return func() tea.Msg { return resultMsg{err: err} }
}
