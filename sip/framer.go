package sip

import (
	"bytes"
	"fmt"

	"sipcallgo/global"
	"sipcallgo/system"
)

// Framer splits a continuous TCP byte stream into whole SIP messages
// using Content-Length, buffering partials between reads.
type Framer struct {
	buf bytes.Buffer
}

// RawMessage is one framed message before parsing: the header block
// (including the terminating CRLFCRLF) and exactly Content-Length body
// bytes.
type RawMessage struct {
	HeaderBytes []byte
	Body        []byte
}

func NewFramer() *Framer {
	return &Framer{}
}

// Feed appends data and returns every complete message now available,
// at most MaxFramedPerRead per call to bound work; leftovers stay
// buffered for the next read. A non-nil error means the peer is broken
// and the connection must be closed.
func (fr *Framer) Feed(data []byte) ([]RawMessage, error) {
	fr.buf.Write(data)

	var out []RawMessage
	for len(out) < global.MaxFramedPerRead {
		raw, ok, err := fr.next()
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, raw)
	}
	return out, nil
}

func (fr *Framer) next() (RawMessage, bool, error) {
	pdu := fr.buf.Bytes()

	hdrEnd := system.GetNextIndex(pdu, "\r\n\r\n")
	if hdrEnd == -1 {
		return RawMessage{}, false, nil
	}
	headerRegion := pdu[:hdrEnd+4]

	if bytes.Count(headerRegion, []byte("\r\n")) > global.MaxHeaderLines {
		return RawMessage{}, false, global.NewError(400, "header too long")
	}

	cntntLength, err := scanContentLength(headerRegion)
	if err != nil {
		return RawMessage{}, false, err
	}

	if len(pdu) < hdrEnd+4+cntntLength {
		return RawMessage{}, false, nil
	}

	raw := RawMessage{
		HeaderBytes: append([]byte(nil), headerRegion...),
		Body:        append([]byte(nil), pdu[hdrEnd+4:hdrEnd+4+cntntLength]...),
	}
	fr.buf.Next(hdrEnd + 4 + cntntLength)
	return raw, true, nil
}

// scanContentLength finds the Content-Length value inside the header
// region, case-insensitively and accepting the compact form. Absence
// means zero; a negative value fails the peer.
func scanContentLength(headerRegion []byte) (int, error) {
	idx := system.GetNextIndexFold(headerRegion, "\r\ncontent-length")
	nameLen := len("\r\ncontent-length")
	if idx == -1 {
		idx = system.GetNextIndexFold(headerRegion, "\r\nl:")
		nameLen = len("\r\nl")
		if idx == -1 {
			return 0, nil
		}
	}
	rest := headerRegion[idx+nameLen:]
	lnEnd := system.GetNextIndex(rest, "\r\n")
	if lnEnd == -1 {
		return 0, nil
	}
	value := string(rest[:lnEnd])
	value = trimOWS(value)
	if len(value) == 0 || value[0] != ':' {
		return 0, nil
	}
	value = trimOWS(value[1:])

	v, ok := system.Str2IntCheck[int](value)
	if !ok || v < 0 {
		system.LogError(system.LTBadSIPMessage, fmt.Sprintf("Invalid Content-Length [%s] - closing peer", value))
		return 0, global.NewError(400, "invalid content-length")
	}
	return v, nil
}

func trimOWS(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}
