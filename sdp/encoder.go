package sdp

import (
	"bytes"
	"fmt"
)

// Bytes renders the session in the same strict order the decoder
// demands. Output is ASCII with CRLF line endings.
func (s *Session) Bytes() []byte {
	var bb bytes.Buffer

	fmt.Fprintf(&bb, "v=%d\r\n", s.Version)
	if s.Origin != nil {
		fmt.Fprintf(&bb, "o=%s %d %d %s %s %s\r\n",
			s.Origin.Username, s.Origin.SessionID, s.Origin.SessionVersion,
			s.Origin.Network, s.Origin.Type, s.Origin.Address)
	}
	fmt.Fprintf(&bb, "s=%s\r\n", s.Name)
	if s.Information != "" {
		fmt.Fprintf(&bb, "i=%s\r\n", s.Information)
	}
	if s.URI != "" {
		fmt.Fprintf(&bb, "u=%s\r\n", s.URI)
	}
	for _, e := range s.Email {
		fmt.Fprintf(&bb, "e=%s\r\n", e)
	}
	for _, p := range s.Phone {
		fmt.Fprintf(&bb, "p=%s\r\n", p)
	}
	if s.Connection != nil {
		writeConnection(&bb, s.Connection)
	}
	for _, b := range s.Bandwidth {
		fmt.Fprintf(&bb, "b=%s:%d\r\n", b.Type, b.Value)
	}
	if s.Timing != nil {
		fmt.Fprintf(&bb, "t=%d %d\r\n", s.Timing.Start, s.Timing.Stop)
	}
	for _, r := range s.Repeat {
		fmt.Fprintf(&bb, "r=%s\r\n", r)
	}
	if s.TimeZone != "" {
		fmt.Fprintf(&bb, "z=%s\r\n", s.TimeZone)
	}
	if s.Key != nil {
		writeKey(&bb, s.Key)
	}
	writeAttributes(&bb, s.Attributes)

	for _, m := range s.Media {
		fmt.Fprintf(&bb, "m=%s %s %s", m.Type, mediaPort(m), m.Proto)
		for _, f := range m.Formats {
			fmt.Fprintf(&bb, " %d", f)
		}
		bb.WriteString("\r\n")
		if m.Information != "" {
			fmt.Fprintf(&bb, "i=%s\r\n", m.Information)
		}
		for _, c := range m.Connection {
			writeConnection(&bb, c)
		}
		for _, b := range m.Bandwidth {
			fmt.Fprintf(&bb, "b=%s:%d\r\n", b.Type, b.Value)
		}
		if m.Key != nil {
			writeKey(&bb, m.Key)
		}
		writeAttributes(&bb, m.Attributes)
	}
	return bb.Bytes()
}

func (s *Session) String() string {
	return string(s.Bytes())
}

func mediaPort(m *Media) string {
	if m.PortNum > 0 {
		return fmt.Sprintf("%d/%d", m.Port, m.PortNum)
	}
	return fmt.Sprintf("%d", m.Port)
}

func writeConnection(bb *bytes.Buffer, c *Connection) {
	fmt.Fprintf(bb, "c=%s %s %s\r\n", c.Network, c.Type, c.Address)
}

func writeKey(bb *bytes.Buffer, k *Key) {
	if k.Value == "" {
		fmt.Fprintf(bb, "k=%s\r\n", k.Method)
	} else {
		fmt.Fprintf(bb, "k=%s:%s\r\n", k.Method, k.Value)
	}
}

func writeAttributes(bb *bytes.Buffer, attrs Attributes) {
	for _, a := range attrs {
		if a.Value == "" {
			fmt.Fprintf(bb, "a=%s\r\n", a.Name)
		} else {
			fmt.Fprintf(bb, "a=%s:%s\r\n", a.Name, a.Value)
		}
	}
}
