package sdp

import (
	"strconv"
	"strings"
)

// Decode parses an SDP body. Lines must follow the strict RFC 4566
// order: v= o= s= [i=] [u=] [e=]* [p=]* [c=] b=* t= r=* [z=] [k=] a=*
// then media sections each in their own internal order. A line out of
// order or an unparsable mandatory line fails the decode.
func Decode(data []byte) (*Session, bool) {
	s := &Session{Version: -1}
	var media *Media

	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	order := 0       // index into the session-level ordering
	mediaOrder := -1 // index into the media-level ordering "icbka"

	for _, ln := range lines {
		if ln == "" {
			continue
		}
		if len(ln) < 2 || ln[1] != '=' {
			return nil, false
		}
		kind := ln[0]
		value := ln[2:]

		if media != nil && kind != 'm' {
			rank := strings.IndexByte("icbka", kind)
			if rank < mediaOrder || (rank == mediaOrder && (kind == 'i' || kind == 'k')) {
				return nil, false
			}
			mediaOrder = rank
			if !decodeMediaLine(media, kind, value) {
				return nil, false
			}
			continue
		}

		switch kind {
		case 'v':
			if order != 0 {
				return nil, false
			}
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, false
			}
			s.Version = v
			order = 1
		case 'o':
			if order != 1 {
				return nil, false
			}
			o, ok := decodeOrigin(value)
			if !ok {
				return nil, false
			}
			s.Origin = o
			order = 2
		case 's':
			if order != 2 {
				return nil, false
			}
			s.Name = value
			order = 3
		case 'i':
			if order < 3 || order > 3 {
				return nil, false
			}
			s.Information = value
			order = 4
		case 'u':
			if order < 3 || order > 4 {
				return nil, false
			}
			s.URI = value
			order = 5
		case 'e':
			if order < 3 || order > 6 {
				return nil, false
			}
			s.Email = append(s.Email, value)
			order = 6
		case 'p':
			if order < 3 || order > 7 {
				return nil, false
			}
			s.Phone = append(s.Phone, value)
			order = 7
		case 'c':
			if order < 3 || order > 7 {
				return nil, false
			}
			c, ok := decodeConnection(value)
			if !ok {
				return nil, false
			}
			s.Connection = c
			order = 8
		case 'b':
			if order < 3 || order > 9 {
				return nil, false
			}
			b, ok := decodeBandwidth(value)
			if !ok {
				return nil, false
			}
			s.Bandwidth = append(s.Bandwidth, b)
			order = 9
		case 't':
			if order < 3 || order > 9 {
				return nil, false
			}
			t, ok := decodeTiming(value)
			if !ok {
				return nil, false
			}
			s.Timing = t
			order = 10
		case 'r':
			if order != 10 && order != 11 {
				return nil, false
			}
			s.Repeat = append(s.Repeat, value)
			order = 11
		case 'z':
			if order < 10 || order > 11 {
				return nil, false
			}
			s.TimeZone = value
			order = 12
		case 'k':
			if order < 10 || order > 12 {
				return nil, false
			}
			s.Key = decodeKey(value)
			order = 13
		case 'a':
			if order < 10 {
				return nil, false
			}
			s.Attributes = append(s.Attributes, decodeAttribute(value))
			order = 14
		case 'm':
			if order < 10 {
				return nil, false
			}
			m, ok := decodeMedia(value)
			if !ok {
				return nil, false
			}
			s.Media = append(s.Media, m)
			media = m
			mediaOrder = -1
		default:
			return nil, false
		}
	}

	if !s.Valid() {
		return nil, false
	}
	return s, true
}

func decodeOrigin(value string) (*Origin, bool) {
	parts := strings.Fields(value)
	if len(parts) != 6 {
		return nil, false
	}
	sid, err1 := strconv.ParseInt(parts[1], 10, 64)
	sver, err2 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil {
		return nil, false
	}
	return &Origin{
		Username:       parts[0],
		SessionID:      sid,
		SessionVersion: sver,
		Network:        parts[3],
		Type:           parts[4],
		Address:        parts[5],
	}, true
}

func decodeConnection(value string) (*Connection, bool) {
	parts := strings.Fields(value)
	if len(parts) != 3 {
		return nil, false
	}
	return &Connection{Network: parts[0], Type: parts[1], Address: parts[2]}, true
}

func decodeBandwidth(value string) (*Bandwidth, bool) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return nil, false
	}
	v, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, false
	}
	return &Bandwidth{Type: parts[0], Value: v}, true
}

func decodeTiming(value string) (*Timing, bool) {
	parts := strings.Fields(value)
	if len(parts) != 2 {
		return nil, false
	}
	start, err1 := strconv.ParseInt(parts[0], 10, 64)
	stop, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return nil, false
	}
	return &Timing{Start: start, Stop: stop}, true
}

func decodeKey(value string) *Key {
	parts := strings.SplitN(value, ":", 2)
	k := &Key{Method: parts[0]}
	if len(parts) == 2 {
		k.Value = parts[1]
	}
	return k
}

func decodeAttribute(value string) *Attribute {
	parts := strings.SplitN(value, ":", 2)
	a := &Attribute{Name: parts[0]}
	if len(parts) == 2 {
		a.Value = parts[1]
	}
	return a
}

func decodeMedia(value string) (*Media, bool) {
	parts := strings.Fields(value)
	if len(parts) < 4 {
		return nil, false
	}
	m := &Media{Type: parts[0], Proto: parts[2]}

	port := parts[1]
	if slash := strings.IndexByte(port, '/'); slash != -1 {
		pn, err := strconv.Atoi(port[slash+1:])
		if err != nil {
			return nil, false
		}
		m.PortNum = pn
		port = port[:slash]
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return nil, false
	}
	m.Port = p

	for _, f := range parts[3:] {
		pt, err := strconv.Atoi(f)
		if err != nil {
			return nil, false
		}
		m.Formats = append(m.Formats, pt)
	}
	return m, true
}

// decodeMediaLine consumes the lines inside a media section:
// [i=] [c=]* b=* [k=] a=*
func decodeMediaLine(m *Media, kind byte, value string) bool {
	switch kind {
	case 'i':
		m.Information = value
	case 'c':
		c, ok := decodeConnection(value)
		if !ok {
			return false
		}
		m.Connection = append(m.Connection, c)
	case 'b':
		b, ok := decodeBandwidth(value)
		if !ok {
			return false
		}
		m.Bandwidth = append(m.Bandwidth, b)
	case 'k':
		m.Key = decodeKey(value)
	case 'a':
		a := decodeAttribute(value)
		m.Attributes = append(m.Attributes, a)
		if a.Name == "rtpmap" {
			if rm, ok := decodeRtpMap(a.Value); ok {
				m.RtpMaps = append(m.RtpMaps, rm)
			}
		}
	default:
		return false
	}
	return true
}

func decodeRtpMap(value string) (*RtpMap, bool) {
	parts := strings.Fields(value)
	if len(parts) != 2 {
		return nil, false
	}
	pt, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, false
	}
	enc := strings.Split(parts[1], "/")
	if len(enc) < 2 {
		return nil, false
	}
	clock, err := strconv.Atoi(enc[1])
	if err != nil {
		return nil, false
	}
	rm := &RtpMap{Payload: pt, Name: enc[0], ClockRate: clock}
	if len(enc) == 3 {
		ch, err := strconv.Atoi(enc[2])
		if err != nil {
			return nil, false
		}
		rm.Channels = ch
	}
	return rm, true
}

// ParseCandidate parses the value of an a=candidate attribute:
//
//	<foundation> <component> <transport> <priority> <address> <port>
//	typ <type> [raddr <addr> rport <port>]
//
// with at least 8 tokens.
func ParseCandidate(value string) (*Candidate, bool) {
	tokens := strings.Fields(value)
	if len(tokens) < 8 {
		return nil, false
	}
	component, err1 := strconv.Atoi(tokens[1])
	priority, err2 := strconv.ParseUint(tokens[3], 10, 32)
	port, err3 := strconv.Atoi(tokens[5])
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, false
	}
	if tokens[6] != "typ" {
		return nil, false
	}
	c := &Candidate{
		Foundation: tokens[0],
		Component:  component,
		Transport:  tokens[2],
		Priority:   uint32(priority),
		Address:    tokens[4],
		Port:       port,
		Type:       tokens[7],
	}
	for i := 8; i+1 < len(tokens); i += 2 {
		switch tokens[i] {
		case "raddr":
			c.RelAddress = tokens[i+1]
		case "rport":
			rp, err := strconv.Atoi(tokens[i+1])
			if err != nil {
				return nil, false
			}
			c.RelPort = rp
		}
	}
	return c, true
}
