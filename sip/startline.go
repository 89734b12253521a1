package sip

import (
	"fmt"
	"strings"

	"sipcallgo/global"
	"sipcallgo/system"
)

type SipStartLine struct {
	Method global.Method
	RUri   URI

	StatusCode   int
	ReasonPhrase string
}

// parseStartLine classifies the first message line. An unknown method
// or an out-of-range status code fails the whole message.
func parseStartLine(line string) (SipStartLine, global.MessageType, bool) {
	var sl SipStartLine
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return sl, global.INVALID, false
	}

	if parts[0] == global.SipVersion {
		code, ok := system.Str2IntCheck[int](parts[1])
		if !ok || code < 100 || code > 699 {
			return sl, global.INVALID, false
		}
		sl.StatusCode = code
		sl.ReasonPhrase = parts[2]
		return sl, global.RESPONSE, true
	}

	if parts[2] != global.SipVersion {
		return sl, global.INVALID, false
	}
	sl.Method = global.MethodFromName(parts[0])
	if sl.Method == global.UNKNOWN {
		return sl, global.INVALID, false
	}
	ruri, ok := ParseURI(parts[1])
	if !ok {
		return sl, global.INVALID, false
	}
	sl.RUri = ruri
	return sl, global.REQUEST, true
}

func (sl *SipStartLine) composeRequest() string {
	return fmt.Sprintf("%s %s %s", sl.Method.String(), sl.RUri.String(), global.SipVersion)
}

func (sl *SipStartLine) composeResponse() string {
	return fmt.Sprintf("%s %d %s", global.SipVersion, sl.StatusCode, sl.ReasonPhrase)
}
