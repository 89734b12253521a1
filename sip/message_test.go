package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipcallgo/global"
)

func parseOne(t *testing.T, wire string) *SipMessage {
	t.Helper()
	fr := NewFramer()
	raws, err := fr.Feed([]byte(wire))
	require.NoError(t, err)
	require.Len(t, raws, 1)
	msg, err := ParseMessage(raws[0].HeaderBytes, raws[0].Body)
	require.NoError(t, err)
	return msg
}

const fullInvite = "INVITE sip:bob@biloxi.test SIP/2.0\r\n" +
	"Via: SIP/2.0/TCP 192.0.2.10:5060;rport;branch=z9hG4bK776asdhds\r\n" +
	"Max-Forwards: 70\r\n" +
	"From: \"Alice\" <sip:alice@atlanta.test>;tag=1928301774\r\n" +
	"To: <sip:bob@biloxi.test>\r\n" +
	"Call-ID: a84b4c76e66710@pc33.atlanta.test\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Contact: <sip:alice@192.0.2.10:5060;transport=tcp>\r\n" +
	"Allow: INVITE, ACK, CANCEL, BYE, OPTIONS\r\n" +
	"User-Agent: softie/2.1\r\n" +
	"Content-Type: application/sdp\r\n" +
	"Content-Length: 5\r\n" +
	"\r\n" +
	"v=0\r\n"

func TestParseFullInvite(t *testing.T) {
	msg := parseOne(t, fullInvite)
	require.True(t, msg.IsRequest())
	assert.Equal(t, global.INVITE, msg.GetMethod())
	assert.Equal(t, "bob", msg.StartLine.RUri.User)

	h := msg.Header
	require.Len(t, h.Via, 1)
	assert.Equal(t, "TCP", h.Via[0].Transport)
	assert.Equal(t, "z9hG4bK776asdhds", h.Via[0].Branch)
	assert.Equal(t, 0, h.Via[0].Rport, "rport flag parses as present-empty")
	assert.Equal(t, 70, *h.MaxForwards)
	assert.Equal(t, "Alice", h.From.DisplayName)
	assert.Equal(t, "1928301774", msg.FromTag())
	assert.Empty(t, msg.ToTag())
	assert.Equal(t, "a84b4c76e66710@pc33.atlanta.test", h.CallID)
	assert.Equal(t, uint32(314159), h.CSeq.Num)
	require.Len(t, h.Contact, 1)
	tp, _ := h.Contact[0].Uri.Parameter("transport")
	assert.Equal(t, "tcp", tp)
	assert.Equal(t, []string{"INVITE", "ACK", "CANCEL", "BYE", "OPTIONS"}, h.Allow)
	assert.Equal(t, global.SDP, msg.BodyType)
	assert.Equal(t, "v=0\r\n", string(msg.Body))
}

// compose(parse(bytes)) == bytes modulo field reordering and value
// whitespace normalization; checked by a second parse.
func TestParseComposeRoundTrip(t *testing.T) {
	msg := parseOne(t, fullInvite)
	again := parseOne(t, string(msg.Bytes()))

	assert.Equal(t, msg.StartLine.Method, again.StartLine.Method)
	assert.Equal(t, msg.Header.CallID, again.Header.CallID)
	assert.Equal(t, *msg.Header.CSeq, *again.Header.CSeq)
	assert.Equal(t, msg.Header.Via, again.Header.Via)
	assert.Equal(t, msg.Header.From, again.Header.From)
	assert.Equal(t, msg.Header.To, again.Header.To)
	assert.Equal(t, msg.Header.Allow, again.Header.Allow)
	assert.Equal(t, msg.Body, again.Body)
}

func TestUnknownMethodRejected(t *testing.T) {
	wire := strings.Replace(fullInvite, "INVITE sip:bob", "WIBBLE sip:bob", 1)
	wire = strings.Replace(wire, "CSeq: 314159 INVITE", "CSeq: 314159 WIBBLE", 1)
	fr := NewFramer()
	raws, err := fr.Feed([]byte(wire))
	require.NoError(t, err)
	_, err = ParseMessage(raws[0].HeaderBytes, raws[0].Body)
	assert.Error(t, err, "a request with an unknown method surfaces no message")
}

func TestMissingMandatoryField(t *testing.T) {
	wire := strings.Replace(fullInvite, "Call-ID: a84b4c76e66710@pc33.atlanta.test\r\n", "", 1)
	wire = strings.Replace(wire, "Content-Length: 5", "Content-Length: 5", 1)
	fr := NewFramer()
	raws, err := fr.Feed([]byte(wire))
	require.NoError(t, err)
	msg, err := ParseMessage(raws[0].HeaderBytes, raws[0].Body)
	assert.Error(t, err)
	// the top Via parsed, so a 400 may be sent
	require.NotNil(t, msg)
}

func TestCompactForms(t *testing.T) {
	wire := "BYE sip:bob@h.test SIP/2.0\r\n" +
		"v: SIP/2.0/TCP 192.0.2.1;branch=z9hG4bKzz\r\n" +
		"f: <sip:a@h.test>;tag=11\r\n" +
		"t: <sip:b@h.test>;tag=22\r\n" +
		"i: zz1@h\r\n" +
		"CSeq: 2 BYE\r\n" +
		"l: 0\r\n\r\n"
	msg := parseOne(t, wire)
	assert.Equal(t, "zz1@h", msg.CallID())
	assert.Equal(t, "11", msg.FromTag())
	assert.Equal(t, "22", msg.ToTag())
	require.Len(t, msg.Header.Via, 1)
}

func TestCSeqMethodMismatch(t *testing.T) {
	wire := strings.Replace(fullInvite, "CSeq: 314159 INVITE", "CSeq: 314159 BYE", 1)
	fr := NewFramer()
	raws, _ := fr.Feed([]byte(wire))
	_, err := ParseMessage(raws[0].HeaderBytes, raws[0].Body)
	assert.Error(t, err)
}

func TestAckMayCarryInviteCSeq(t *testing.T) {
	wire := "ACK sip:bob@h.test SIP/2.0\r\n" +
		"Via: SIP/2.0/TCP 192.0.2.1;branch=z9hG4bKaa\r\n" +
		"From: <sip:a@h.test>;tag=11\r\n" +
		"To: <sip:b@h.test>;tag=22\r\n" +
		"Call-ID: ack1@h\r\n" +
		"CSeq: 7 ACK\r\n" +
		"Content-Length: 0\r\n\r\n"
	msg := parseOne(t, wire)
	assert.Equal(t, global.ACK, msg.GetMethod())
}

func TestBuildResponseInheritsIdentity(t *testing.T) {
	rqst := parseOne(t, fullInvite)
	rsps := BuildResponse(rqst, 180, "")
	assert.Equal(t, "Ringing", rsps.StartLine.ReasonPhrase)
	assert.Equal(t, rqst.Header.Via, rsps.Header.Via)
	assert.Equal(t, rqst.Header.CallID, rsps.Header.CallID)
	assert.Equal(t, *rqst.Header.CSeq, *rsps.Header.CSeq)
	assert.Equal(t, rqst.Header.From, rsps.Header.From)
}

func TestOutgoingRequestGainsTransportTCP(t *testing.T) {
	ruri, ok := ParseURI("sip:bob@biloxi.test")
	require.True(t, ok)
	msg := NewRequestMessage(global.OPTIONS, ruri)
	msg.Header.Via = []ViaEntry{{Version: "2.0", Transport: "TCP", Host: "h", Branch: "z9hG4bK1"}}
	msg.Header.From = &NameAddr{Uri: URI{Scheme: "sip", User: "a", Host: "h"}}
	msg.Header.To = &NameAddr{Uri: ruri}
	msg.Header.CallID = "c1"
	msg.Header.CSeq = &CSeqValue{Num: 1, Method: global.OPTIONS}

	wire := string(msg.Bytes())
	assert.Contains(t, strings.SplitN(wire, "\r\n", 2)[0], "transport=tcp")
}

func TestDigestFieldRoundTrip(t *testing.T) {
	wire := "REGISTER sip:example.test SIP/2.0\r\n" +
		"Via: SIP/2.0/TCP 192.0.2.1;branch=z9hG4bKr1\r\n" +
		"From: <sip:u@example.test>;tag=5\r\n" +
		"To: <sip:u@example.test>\r\n" +
		"Call-ID: r1@h\r\n" +
		"CSeq: 1 REGISTER\r\n" +
		`Authorization: Digest username="u", realm="example.test", nonce="abc", uri="sip:example.test", response="00112233", algorithm=MD5, qop=auth, nc=00000001, cnonce="dead"` + "\r\n" +
		"Content-Length: 0\r\n\r\n"
	msg := parseOne(t, wire)
	author := msg.Header.Authorization
	require.NotNil(t, author)
	assert.Equal(t, "Digest", author.Scheme)
	nonce, _ := author.Directive("nonce")
	assert.Equal(t, "abc", nonce)
	nc, _ := author.Directive("nc")
	assert.Equal(t, "00000001", nc)

	composed := composeDigest(author)
	assert.Contains(t, composed, `username="u"`, "string directives are double-quoted")
	assert.Contains(t, composed, "algorithm=MD5", "token directives stay bare")
	assert.Contains(t, composed, "nc=00000001")
}

func TestResponseParsing(t *testing.T) {
	wire := "SIP/2.0 200 OK\r\n" +
		"Via: SIP/2.0/TCP 192.0.2.1;branch=z9hG4bKr2;received=198.51.100.7;rport=51000\r\n" +
		"From: <sip:u@example.test>;tag=5\r\n" +
		"To: <sip:u@example.test>;tag=srv\r\n" +
		"Call-ID: r2@h\r\n" +
		"CSeq: 1 REGISTER\r\n" +
		"Content-Length: 0\r\n\r\n"
	msg := parseOne(t, wire)
	require.True(t, msg.IsResponse())
	assert.Equal(t, 200, msg.GetStatusCode())
	assert.Equal(t, "198.51.100.7", msg.Header.Via[0].Received)
	assert.Equal(t, 51000, msg.Header.Via[0].Rport)
}
