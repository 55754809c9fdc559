package wire

import "strconv"

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func btoa(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func Logon(code int, nick string) Message {
	return Message{Type: TypeLogon, Code: code, Nick: nick}
}

func Logoff(code int, nick string) Message {
	return Message{Type: TypeLogoff, Code: code, Nick: nick}
}

func Exposing(code int, nick string, away bool, awayMsg string) Message {
	return Message{Type: TypeExposing, Code: code, Nick: nick, Args: []string{btoa(away), awayMsg}}
}

func Expose(code int, nick string) Message {
	return Message{Type: TypeExpose, Code: code, Nick: nick}
}

// NickChange announces nick as the sender's new nickname.
func NickChange(code int, nick string) Message {
	return Message{Type: TypeNick, Code: code, Nick: nick}
}

// NickCrash tells whoever else uses nick that the sender holds it.
func NickCrash(code int, nick string) Message {
	return Message{Type: TypeNickCrash, Code: code, Nick: nick}
}

func Idle(code int, nick string) Message {
	return Message{Type: TypeIdle, Code: code, Nick: nick}
}

func Chat(code int, nick string, color int, text string) Message {
	return Message{Type: TypeChat, Code: code, Nick: nick, Args: []string{itoa(int64(color)), text}}
}

func Private(code int, nick string, to, replyPort, color int, text string) Message {
	return Message{Type: TypePrivate, Code: code, Nick: nick, Args: []string{
		itoa(int64(to)), itoa(int64(replyPort)), itoa(int64(color)), text,
	}}
}

// Topic carries the topic time in unix milliseconds.
func Topic(code int, nick string, timeMillis int64, setter, text string) Message {
	return Message{Type: TypeTopic, Code: code, Nick: nick, Args: []string{itoa(timeMillis), setter, text}}
}

func GetTopic(code int, nick string) Message {
	return Message{Type: TypeGetTopic, Code: code, Nick: nick}
}

func Away(code int, nick string, away bool, awayMsg string) Message {
	return Message{Type: TypeAway, Code: code, Nick: nick, Args: []string{btoa(away), awayMsg}}
}

func Writing(code int, nick string, writing bool) Message {
	return Message{Type: TypeWriting, Code: code, Nick: nick, Args: []string{btoa(writing)}}
}

func Client(code int, nick string, privatePort int, logonMillis int64, os, hostname, client string) Message {
	return Message{Type: TypeClient, Code: code, Nick: nick, Args: []string{
		itoa(int64(privatePort)), itoa(logonMillis), os, hostname, client,
	}}
}

func FileSend(code int, nick string, to, id int, size int64, fingerprint, name string) Message {
	return Message{Type: TypeFileSend, Code: code, Nick: nick, Args: []string{
		itoa(int64(to)), itoa(int64(id)), itoa(size), fingerprint, name,
	}}
}

func FileAccept(code int, nick string, to, id, port int, fingerprint, name string) Message {
	return Message{Type: TypeFileAccept, Code: code, Nick: nick, Args: []string{
		itoa(int64(to)), itoa(int64(id)), itoa(int64(port)), fingerprint, name,
	}}
}

func FileAbort(code int, nick string, to, id int, fingerprint, name string) Message {
	return Message{Type: TypeFileAbort, Code: code, Nick: nick, Args: []string{
		itoa(int64(to)), itoa(int64(id)), fingerprint, name,
	}}
}
