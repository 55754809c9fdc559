package models

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxNickLength = 10
	nickPunct     = "-_.,:;!?@#$%&*+=~^()[]{}<>'\"/\\"
)

// ValidNick reports whether nick may be used as a nickname: 1 to
// MaxNickLength runes, each a letter, a digit or one of a fixed set of
// punctuation characters.
func ValidNick(nick string) bool {
	n := utf8.RuneCountInString(nick)
	if n == 0 || n > MaxNickLength {
		return false
	}
	for _, r := range nick {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		if !strings.ContainsRune(nickPunct, r) {
			return false
		}
	}
	return true
}

// ValidPort reports whether port fits a UDP or TCP port number.
func ValidPort(port int) bool {
	return port > 0 && port <= 65535
}

// RandomCode returns a random 8-digit session code.
func RandomCode() int {
	return 10000000 + rand.IntN(90000000)
}

// AlternativeNick derives a replacement for a contested nick: the nick with
// random digits appended, truncated to fit, or the code itself when nothing
// of the nick survives.
func AlternativeNick(nick string, code int) string {
	suffix := strconv.Itoa(10 + rand.IntN(90))
	runes := []rune(nick)
	keep := MaxNickLength - len(suffix)
	if keep > len(runes) {
		keep = len(runes)
	}
	alt := string(runes[:keep]) + suffix
	if keep == 0 || !ValidNick(alt) {
		return FallbackNick(code)
	}
	return alt
}

// FallbackNick is the nick of last resort, derived from the session code.
func FallbackNick(code int) string {
	s := strconv.Itoa(code)
	if len(s) > MaxNickLength {
		s = s[len(s)-MaxNickLength:]
	}
	return s
}
