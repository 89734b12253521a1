package sdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = "v=0\r\n" +
	"o=- 1680000000 1680000000 IN IP4 192.0.2.10\r\n" +
	"s=sipcallgo/1.0\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"a=ice-ufrag:f00d\r\n" +
	"a=ice-pwd:cafecafecafecafecafecafe\r\n" +
	"m=audio 20000 RTP/AVP 107 0\r\n" +
	"a=rtpmap:107 opus/48000/2\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=candidate:1 1 UDP 2130706431 192.0.2.10 20000 typ host\r\n" +
	"a=candidate:1 2 UDP 2130706430 192.0.2.10 20001 typ host\r\n" +
	"m=video 20002 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H265/90000\r\n" +
	"a=candidate:2 1 UDP 2130706431 192.0.2.10 20002 typ host\r\n" +
	"a=candidate:2 2 UDP 2130706430 192.0.2.10 20003 typ host\r\n"

func TestDecodeSample(t *testing.T) {
	s, ok := Decode([]byte(sample))
	require.True(t, ok)
	assert.Equal(t, 0, s.Version)
	assert.Equal(t, "192.0.2.10", s.Origin.Address)
	assert.Equal(t, "sipcallgo/1.0", s.Name)
	require.NotNil(t, s.Connection)
	require.NotNil(t, s.Timing)
	require.Len(t, s.Media, 2)

	audio := s.Media[0]
	assert.Equal(t, Audio, audio.Type)
	assert.Equal(t, 20000, audio.Port)
	assert.Equal(t, []int{107, 0}, audio.Formats)
	require.Len(t, audio.RtpMaps, 2)
	assert.Equal(t, "opus", audio.RtpMaps[0].Name)
	assert.Equal(t, 48000, audio.RtpMaps[0].ClockRate)
	assert.Equal(t, 2, audio.RtpMaps[0].Channels)

	assert.Equal(t, "f00d", s.Attributes.Get("ice-ufrag"))
	assert.Len(t, s.Candidates(), 4)
}

// compose(parse(S)) == S modulo trailing whitespace.
func TestRoundTrip(t *testing.T) {
	s, ok := Decode([]byte(sample))
	require.True(t, ok)
	assert.Equal(t, strings.TrimRight(sample, "\r\n"), strings.TrimRight(s.String(), "\r\n"))
}

func TestStrictOrdering(t *testing.T) {
	// v= must come first
	_, ok := Decode([]byte("o=- 1 1 IN IP4 h\r\nv=0\r\n"))
	assert.False(t, ok)

	// t= before c= at session level is out of order
	bad := "v=0\r\no=- 1 1 IN IP4 192.0.2.1\r\ns=x\r\nt=0 0\r\nc=IN IP4 192.0.2.1\r\nm=audio 1000 RTP/AVP 0\r\n"
	_, ok = Decode([]byte(bad))
	assert.False(t, ok)
}

func TestValidityRules(t *testing.T) {
	// no media
	noMedia := "v=0\r\no=- 1 1 IN IP4 192.0.2.1\r\ns=x\r\nc=IN IP4 192.0.2.1\r\nt=0 0\r\n"
	_, ok := Decode([]byte(noMedia))
	assert.False(t, ok)

	// no connection anywhere
	noConn := "v=0\r\no=- 1 1 IN IP4 192.0.2.1\r\ns=x\r\nt=0 0\r\nm=audio 1000 RTP/AVP 0\r\n"
	_, ok = Decode([]byte(noConn))
	assert.False(t, ok)

	// per-media connection satisfies the rule
	mediaConn := "v=0\r\no=- 1 1 IN IP4 192.0.2.1\r\ns=x\r\nt=0 0\r\nm=audio 1000 RTP/AVP 0\r\nc=IN IP4 192.0.2.1\r\n"
	s, ok := Decode([]byte(mediaConn))
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", s.MediaConnection(s.Media[0]).Address)
}

func TestParseCandidate(t *testing.T) {
	c, ok := ParseCandidate("4 1 UDP 1694498815 203.0.113.5 32000 typ srflx raddr 192.0.2.10 rport 20000")
	require.True(t, ok)
	assert.Equal(t, "4", c.Foundation)
	assert.Equal(t, 1, c.Component)
	assert.Equal(t, uint32(1694498815), c.Priority)
	assert.Equal(t, "203.0.113.5", c.Address)
	assert.Equal(t, 32000, c.Port)
	assert.Equal(t, "srflx", c.Type)
	assert.Equal(t, "192.0.2.10", c.RelAddress)
	assert.Equal(t, 20000, c.RelPort)

	// candidate line round trip
	assert.Equal(t, "4 1 UDP 1694498815 203.0.113.5 32000 typ srflx raddr 192.0.2.10 rport 20000", c.String())
}

func TestParseCandidateRejects(t *testing.T) {
	_, ok := ParseCandidate("1 1 UDP 1 1.2.3.4 99 bad host")
	assert.False(t, ok, "token 7 must be 'typ'")
	_, ok = ParseCandidate("1 1 UDP 1 1.2.3.4 99")
	assert.False(t, ok, "at least 8 tokens")
}

func TestCandidatesCollectedAcrossPlacement(t *testing.T) {
	withSessionLevel := "v=0\r\no=- 1 1 IN IP4 192.0.2.1\r\ns=x\r\nc=IN IP4 192.0.2.1\r\nt=0 0\r\n" +
		"a=candidate:9 1 UDP 55 192.0.2.1 9000 typ host\r\n" +
		"m=audio 1000 RTP/AVP 0\r\n" +
		"a=candidate:9 2 UDP 54 192.0.2.1 9001 typ host\r\n"
	s, ok := Decode([]byte(withSessionLevel))
	require.True(t, ok)
	assert.Len(t, s.Candidates(), 2, "candidates collected regardless of placement")
}

func TestDecodeMediaPortRange(t *testing.T) {
	in := "v=0\r\no=- 1 1 IN IP4 192.0.2.1\r\ns=x\r\nc=IN IP4 192.0.2.1\r\nt=0 0\r\nm=audio 1000/2 RTP/AVP 0\r\n"
	s, ok := Decode([]byte(in))
	require.True(t, ok)
	assert.Equal(t, 1000, s.Media[0].Port)
	assert.Equal(t, 2, s.Media[0].PortNum)
	assert.Contains(t, s.String(), "m=audio 1000/2 RTP/AVP 0")
}
