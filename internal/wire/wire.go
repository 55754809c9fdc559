// Package wire implements the line protocol spoken on the chat's UDP channels.
//
// Every datagram carries exactly one newline-terminated UTF-8 line:
//
//	TYPE|code|nick|arg1|...|argN\n
//
// The delimiter is not escaped. Header fields and every argument except a
// message type's trailing free-text argument must not contain it; the
// trailing text may, because decoding splits with the arity fixed by the
// type. Encoding refuses anything it could not decode back to the same line.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	Delimiter     = '|'
	MaxPacketSize = 512
)

var (
	ErrUnrecognized = errors.New("unrecognized message")
	ErrMalformed    = errors.New("malformed message")
	ErrDelimiter    = errors.New("field contains a reserved character")
	ErrTooLong      = errors.New("message exceeds packet size")
)

type Type string

const (
	TypeLogon      Type = "LOGON"
	TypeLogoff     Type = "LOGOFF"
	TypeExposing   Type = "EXPOSING"
	TypeExpose     Type = "EXPOSE"
	TypeNick       Type = "NICK"
	TypeNickCrash  Type = "NICKCRASH"
	TypeIdle       Type = "IDLE"
	TypeChat       Type = "MSG"
	TypePrivate    Type = "PRIVMSG"
	TypeTopic      Type = "TOPIC"
	TypeGetTopic   Type = "GETTOPIC"
	TypeAway       Type = "AWAY"
	TypeWriting    Type = "WRITING"
	TypeClient     Type = "CLIENT"
	TypeFileSend   Type = "SENDFILE"
	TypeFileAccept Type = "SENDFILEACCEPT"
	TypeFileAbort  Type = "SENDFILEABORT"
)

type kind int

const (
	kindInt kind = iota
	kindBool
	kindWord
	kindText // only valid as the last argument
)

var schemas = map[Type][]kind{
	TypeLogon:      nil,
	TypeLogoff:     nil,
	TypeExposing:   {kindBool, kindText},
	TypeExpose:     nil,
	TypeNick:       nil,
	TypeNickCrash:  nil,
	TypeIdle:       nil,
	TypeChat:       {kindInt, kindText},
	TypePrivate:    {kindInt, kindInt, kindInt, kindText},
	TypeTopic:      {kindInt, kindWord, kindText},
	TypeGetTopic:   nil,
	TypeAway:       {kindBool, kindText},
	TypeWriting:    {kindBool},
	TypeClient:     {kindInt, kindInt, kindWord, kindWord, kindText},
	TypeFileSend:   {kindInt, kindInt, kindInt, kindWord, kindText},
	TypeFileAccept: {kindInt, kindInt, kindInt, kindWord, kindText},
	TypeFileAbort:  {kindInt, kindInt, kindWord, kindText},
}

// Message is one decoded line. Args hold the raw field text in wire order.
type Message struct {
	Type Type
	Code int
	Nick string
	Args []string
}

// Known reports whether t is a message type this package understands.
func Known(t Type) bool {
	_, ok := schemas[t]
	return ok
}

func (m Message) String() string {
	return fmt.Sprintf("%s from %s(%d) %v", m.Type, m.Nick, m.Code, m.Args)
}

// Int returns argument i as an integer. Arguments of a decoded message are
// already validated, so a bad index or value reads as zero.
func (m Message) Int(i int) int64 {
	if i < 0 || i >= len(m.Args) {
		return 0
	}
	v, _ := strconv.ParseInt(m.Args[i], 10, 64)
	return v
}

func (m Message) Bool(i int) bool {
	return i >= 0 && i < len(m.Args) && m.Args[i] == "1"
}

func (m Message) Text(i int) string {
	if i < 0 || i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}

// Recipient returns the addressed code for messages meant for a single peer.
func (m Message) Recipient() (int, bool) {
	switch m.Type {
	case TypePrivate, TypeFileSend, TypeFileAccept, TypeFileAbort:
		return int(m.Int(0)), true
	}
	return 0, false
}

// Encode renders m as a single newline-terminated line.
func Encode(m Message) ([]byte, error) {
	schema, ok := schemas[m.Type]
	if !ok {
		return nil, fmt.Errorf("%w: type %q", ErrUnrecognized, m.Type)
	}
	if len(m.Args) != len(schema) {
		return nil, fmt.Errorf("%w: %s wants %d args, got %d", ErrMalformed, m.Type, len(schema), len(m.Args))
	}
	if err := checkWord(m.Nick); err != nil {
		return nil, fmt.Errorf("nick: %w", err)
	}
	for i, k := range schema {
		if err := checkField(k, m.Args[i]); err != nil {
			return nil, fmt.Errorf("%s arg %d: %w", m.Type, i, err)
		}
	}

	var b strings.Builder
	b.WriteString(string(m.Type))
	b.WriteByte(Delimiter)
	b.WriteString(strconv.Itoa(m.Code))
	b.WriteByte(Delimiter)
	b.WriteString(m.Nick)
	for _, a := range m.Args {
		b.WriteByte(Delimiter)
		b.WriteString(a)
	}
	b.WriteByte('\n')

	if b.Len() > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLong, b.Len())
	}
	return []byte(b.String()), nil
}

// Decode parses one line. The trailing newline is optional.
func Decode(line []byte) (Message, error) {
	s := strings.TrimSuffix(string(line), "\n")
	if !utf8.ValidString(s) || strings.ContainsAny(s, "\r\n") {
		return Message{}, ErrMalformed
	}

	head, rest, found := strings.Cut(s, string(Delimiter))
	t := Type(head)
	schema, ok := schemas[t]
	if !ok {
		return Message{}, fmt.Errorf("%w: type %q", ErrUnrecognized, truncate(head, 16))
	}
	if !found {
		return Message{}, fmt.Errorf("%w: %s has no header", ErrMalformed, t)
	}

	fields := strings.SplitN(rest, string(Delimiter), 2+len(schema))
	if len(fields) != 2+len(schema) {
		return Message{}, fmt.Errorf("%w: %s wants %d fields, got %d", ErrMalformed, t, 2+len(schema), len(fields))
	}

	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return Message{}, fmt.Errorf("%w: code %q", ErrMalformed, truncate(fields[0], 16))
	}
	if err := checkWord(fields[1]); err != nil {
		return Message{}, fmt.Errorf("%w: nick", ErrMalformed)
	}

	m := Message{Type: t, Code: code, Nick: fields[1]}
	if len(schema) > 0 {
		m.Args = fields[2:]
	}
	for i, k := range schema {
		if err := checkField(k, m.Args[i]); err != nil {
			return Message{}, fmt.Errorf("%w: %s arg %d", ErrMalformed, t, i)
		}
	}
	return m, nil
}

// Sanitize makes s safe for any field by replacing reserved characters with
// spaces. Producers call it on user-supplied text before building messages.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case Delimiter, '\r', '\n':
			return ' '
		}
		return r
	}, s)
}

// SanitizeText prepares free text for a message's trailing field, where the
// delimiter is allowed but line breaks are not.
func SanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
}

func checkWord(s string) error {
	if strings.ContainsAny(s, "|\r\n") {
		return ErrDelimiter
	}
	return nil
}

func checkField(k kind, s string) error {
	switch k {
	case kindInt:
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			return ErrMalformed
		}
	case kindBool:
		if s != "0" && s != "1" {
			return ErrMalformed
		}
	case kindWord:
		return checkWord(s)
	case kindText:
		if strings.ContainsAny(s, "\r\n") {
			return ErrDelimiter
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
