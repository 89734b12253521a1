package sdp

import (
	"fmt"
	"strings"
)

// ContentType is the media type for an SDP session description.
const ContentType = "application/sdp"

// Session represents an SDP session description.
type Session struct {
	Version     int          // Protocol Version ("v=")
	Origin      *Origin      // Origin ("o=")
	Name        string       // Session Name ("s=")
	Information string       // Session Information ("i=")
	URI         string       // URI ("u=")
	Email       []string     // Email Address ("e=")
	Phone       []string     // Phone Number ("p=")
	Connection  *Connection  // Connection Data ("c=")
	Bandwidth   []*Bandwidth // Bandwidth ("b=")
	Timing      *Timing      // Timing ("t=")
	Repeat      []string     // Repeat Times ("r=")
	TimeZone    string       // TimeZone adjustment ("z=")
	Key         *Key         // Encryption Key ("k=")
	Attributes  Attributes   // Session Attributes ("a=")
	Media       []*Media     // Media Descriptions ("m=")
}

// Origin represents an originator of the session.
type Origin struct {
	Username       string
	SessionID      int64
	SessionVersion int64
	Network        string
	Type           string
	Address        string
}

const (
	NetworkInternet = "IN"
)

const (
	TypeIPv4 = "IP4"
	TypeIPv6 = "IP6"
)

// Connection contains connection data.
type Connection struct {
	Network string
	Type    string
	Address string
}

// Bandwidth contains session or media bandwidth information.
type Bandwidth struct {
	Type  string
	Value int
}

// Key contains key exchange information. Kept for parse fidelity only.
type Key struct {
	Method string
	Value  string
}

// Timing specifies start and stop times for a session as NTP values.
type Timing struct {
	Start int64
	Stop  int64
}

// Media contains one media description.
type Media struct {
	Type        string
	Port        int
	PortNum     int
	Proto       string
	Formats     []int // RTP payload types from the m= line
	Information string
	Connection  []*Connection
	Bandwidth   []*Bandwidth
	Key         *Key
	Attributes  Attributes
	RtpMaps     []*RtpMap
}

// RtpMap is an "a=rtpmap:" codec descriptor.
type RtpMap struct {
	Payload   int
	Name      string
	ClockRate int
	Channels  int
}

func (rm *RtpMap) String() string {
	if rm.Channels > 0 {
		return fmt.Sprintf("%d %s/%d/%d", rm.Payload, rm.Name, rm.ClockRate, rm.Channels)
	}
	return fmt.Sprintf("%d %s/%d", rm.Payload, rm.Name, rm.ClockRate)
}

// Attribute is one "a=" line; a flag attribute has an empty value.
type Attribute struct {
	Name  string
	Value string
}

type Attributes []*Attribute

func (attrs Attributes) Get(nm string) string {
	for _, a := range attrs {
		if a.Name == nm {
			return a.Value
		}
	}
	return ""
}

func (attrs Attributes) Has(nm string) bool {
	for _, a := range attrs {
		if a.Name == nm {
			return true
		}
	}
	return false
}

// Streaming modes.
const (
	SendRecv = "sendrecv"
	SendOnly = "sendonly"
	RecvOnly = "recvonly"
	Inactive = "inactive"

	Audio = "audio"
	Video = "video"

	RtpAvp = "RTP/AVP"
)

// =================================================================

// Candidate is a parsed "a=candidate:" attribute.
type Candidate struct {
	Foundation string
	Component  int
	Transport  string
	Priority   uint32
	Address    string
	Port       int
	Type       string // host / srflx / relay / prflx
	RelAddress string
	RelPort    int
}

func (c *Candidate) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Transport, c.Priority, c.Address, c.Port, c.Type)
	if c.RelAddress != "" {
		fmt.Fprintf(&sb, " raddr %s rport %d", c.RelAddress, c.RelPort)
	}
	return sb.String()
}

// Candidates collects every a=candidate attribute across the session
// and all media sections, in order of appearance.
func (s *Session) Candidates() []*Candidate {
	var out []*Candidate
	collect := func(attrs Attributes) {
		for _, a := range attrs {
			if a.Name != "candidate" {
				continue
			}
			if c, ok := ParseCandidate(a.Value); ok {
				out = append(out, c)
			}
		}
	}
	collect(s.Attributes)
	for _, m := range s.Media {
		collect(m.Attributes)
	}
	return out
}

// MediaConnection returns the effective connection address for a media
// section: its own c= line when present, the session one otherwise.
func (s *Session) MediaConnection(m *Media) *Connection {
	if len(m.Connection) > 0 {
		return m.Connection[0]
	}
	return s.Connection
}

// Valid checks the structural rules: version 0, non-empty originator,
// session name, a time description, at least one media, and a
// connection address either global or in every media.
func (s *Session) Valid() bool {
	if s.Version != 0 || s.Origin == nil || s.Origin.Username == "" || s.Name == "" {
		return false
	}
	if s.Timing == nil {
		return false
	}
	if len(s.Media) == 0 {
		return false
	}
	for _, m := range s.Media {
		if s.MediaConnection(m) == nil {
			return false
		}
	}
	return true
}
