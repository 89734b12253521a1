package sip

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipcallgo/global"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []*SipMessage
}

func (cs *captureSink) send(msg *SipMessage) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.msgs = append(cs.msgs, msg)
	return nil
}

func (cs *captureSink) count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.msgs)
}

func (cs *captureSink) last() *SipMessage {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.msgs) == 0 {
		return nil
	}
	return cs.msgs[len(cs.msgs)-1]
}

func buildInviteRequest(branch string) *SipMessage {
	ruri, _ := ParseURI("sip:bob@biloxi.test")
	msg := NewRequestMessage(global.INVITE, ruri)
	msg.Header.Via = []ViaEntry{{Version: "2.0", Transport: "TCP", Host: "192.0.2.10", Port: 5060, Branch: branch}}
	from := NameAddr{Uri: URI{Scheme: "sip", User: "alice", Host: "atlanta.test"}}
	from.SetParameter("tag", "ft1")
	msg.Header.From = &from
	msg.Header.To = &NameAddr{Uri: ruri}
	msg.Header.CallID = "ct1@test"
	msg.Header.CSeq = &CSeqValue{Num: 1, Method: global.INVITE}
	return msg
}

func responseFor(rqst *SipMessage, sc int, toTag string) *SipMessage {
	rsps := BuildResponse(rqst, sc, "")
	if toTag != "" {
		rsps.Header.To.SetParameter("tag", toTag)
	}
	return rsps
}

func newClientLayer(t *testing.T) (*ClientTxLayer, *captureSink, *TimerWheel) {
	t.Helper()
	wheel := NewTimerWheel()
	t.Cleanup(wheel.Stop)
	sink := &captureSink{}
	return NewClientTxLayer(wheel, sink.send), sink, wheel
}

func TestInviteClientTransactionHappyPath(t *testing.T) {
	cl, _, _ := newClientLayer(t)
	rqst := buildInviteRequest("z9hG4bKct1")
	cl.ProcessOutgoingRequest(rqst)

	tx := cl.Find("z9hG4bKct1", global.INVITE)
	require.NotNil(t, tx)
	assert.Equal(t, global.TSCalling, tx.State)

	// 1xx moves to Proceeding and climbs the pipeline
	out := cl.ProcessIncomingResponse(responseFor(rqst, 180, "tt"))
	require.NotNil(t, out)
	assert.Equal(t, global.TSProceeding, tx.State)
	assert.True(t, tx.SawProvisional())

	// 2xx is delivered and the transaction terminates; ACK belongs to
	// the dialog
	out = cl.ProcessIncomingResponse(responseFor(rqst, 200, "tt"))
	require.NotNil(t, out)
	assert.Equal(t, global.TSTerminated, tx.State)
	assert.Nil(t, cl.Find("z9hG4bKct1", global.INVITE))
}

func TestInviteClientTransactionNegativeFinalAcks(t *testing.T) {
	cl, sink, _ := newClientLayer(t)
	rqst := buildInviteRequest("z9hG4bKct2")
	cl.ProcessOutgoingRequest(rqst)
	tx := cl.Find("z9hG4bKct2", global.INVITE)

	out := cl.ProcessIncomingResponse(responseFor(rqst, 486, "tt"))
	require.NotNil(t, out, "the negative final climbs to the application")
	require.Equal(t, 1, sink.count(), "transaction-level ACK was sent")
	ack := sink.last()
	assert.Equal(t, global.ACK, ack.StartLine.Method)
	assert.Equal(t, rqst.Header.CSeq.Num, ack.Header.CSeq.Num)
	assert.Equal(t, "tt", ack.ToTag())

	// reliable transport: Timer D is zero, transaction already gone
	assert.Equal(t, global.TSTerminated, tx.State)
}

func TestInviteRetransmittedFinalReAcksSilently(t *testing.T) {
	cl, sink, _ := newClientLayer(t)
	cl.Reliable = false // keep Completed state alive (Timer D > 0)
	rqst := buildInviteRequest("z9hG4bKct3")
	cl.ProcessOutgoingRequest(rqst)

	out := cl.ProcessIncomingResponse(responseFor(rqst, 404, "tt"))
	require.NotNil(t, out)
	acks := sink.count()

	out = cl.ProcessIncomingResponse(responseFor(rqst, 404, "tt"))
	assert.Nil(t, out, "retransmitted final is absorbed")
	assert.Equal(t, acks+1, sink.count(), "each retransmission re-ACKs")
}

func TestNonInviteTimerERetransmits(t *testing.T) {
	cl, sink, _ := newClientLayer(t)
	cl.Reliable = false

	ruri, _ := ParseURI("sip:reg.test")
	rqst := NewRequestMessage(global.REGISTER, ruri)
	rqst.Header.Via = []ViaEntry{{Version: "2.0", Transport: "TCP", Host: "h", Branch: "z9hG4bKct4"}}
	rqst.Header.From = &NameAddr{Uri: URI{Scheme: "sip", User: "u", Host: "reg.test"}}
	rqst.Header.To = &NameAddr{Uri: URI{Scheme: "sip", User: "u", Host: "reg.test"}}
	rqst.Header.CallID = "ct4@test"
	rqst.Header.CSeq = &CSeqValue{Num: 1, Method: global.REGISTER}
	cl.ProcessOutgoingRequest(rqst)

	// Timer E fires at T1 = 500 ms
	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 20*time.Millisecond,
		"retransmission expected on unreliable transport")

	cl.ProcessIncomingResponse(responseFor(rqst, 200, ""))
	n := sink.count()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, n, sink.count(), "no retransmissions after the final")
}

func TestOrphanResponseIgnored(t *testing.T) {
	cl, _, _ := newClientLayer(t)
	rqst := buildInviteRequest("z9hG4bKother")
	out := cl.ProcessIncomingResponse(responseFor(rqst, 404, "tt"))
	assert.Nil(t, out)

	// 2xx INVITE retransmissions still climb so the dialog can re-ACK
	out = cl.ProcessIncomingResponse(responseFor(rqst, 200, "tt"))
	assert.NotNil(t, out)
}

func TestAuthChallengeRetry(t *testing.T) {
	cl, _, _ := newClientLayer(t)
	cl.Creds = &Credentials{Username: "alice", Password: "secret"}

	var resubmitted *SipMessage
	done := make(chan struct{})
	cl.NextRequest = func(msg *SipMessage) {
		resubmitted = msg
		close(done)
	}

	rqst := buildInviteRequest("z9hG4bKct5")
	cl.ProcessOutgoingRequest(rqst)

	challenge := responseFor(rqst, 401, "tt")
	challenge.Header.WWWAuthenticate = &DigestValue{Scheme: "Digest"}
	challenge.Header.WWWAuthenticate.SetDirective("realm", "atlanta.test")
	challenge.Header.WWWAuthenticate.SetDirective("nonce", "n1")
	challenge.Header.WWWAuthenticate.SetDirective("qop", "auth")

	out := cl.ProcessIncomingResponse(challenge)
	assert.Nil(t, out, "the challenge is absorbed by the retry")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("no authenticated retry submitted")
	}

	author := resubmitted.Header.Authorization
	require.NotNil(t, author)
	user, _ := author.Directive("username")
	assert.Equal(t, "alice", user)
	nc, _ := author.Directive("nc")
	assert.Equal(t, "00000001", nc)
	_, hasCnonce := author.Directive("cnonce")
	assert.True(t, hasCnonce, "qop=auth carries a cnonce")
	assert.Equal(t, uint32(2), resubmitted.Header.CSeq.Num, "retry increments CSeq")
	assert.NotEqual(t, "z9hG4bKct5", resubmitted.ViaBranch(), "retry is a new transaction")
}

func TestSecondChallengeSurfaces(t *testing.T) {
	cl, _, _ := newClientLayer(t)
	cl.Creds = &Credentials{Username: "alice", Password: "secret"}
	cl.NextRequest = func(msg *SipMessage) {}

	rqst := buildInviteRequest("z9hG4bKct6")
	cl.ProcessOutgoingRequest(rqst)

	challenge := responseFor(rqst, 401, "tt")
	challenge.Header.WWWAuthenticate = &DigestValue{Scheme: "Digest"}
	challenge.Header.WWWAuthenticate.SetDirective("realm", "atlanta.test")
	challenge.Header.WWWAuthenticate.SetDirective("nonce", "n1")
	assert.Nil(t, cl.ProcessIncomingResponse(challenge))

	// same transaction challenged again: surfaced as auth failure
	rqst2 := buildInviteRequest("z9hG4bKct7")
	cl.ProcessOutgoingRequest(rqst2)
	tx2 := cl.Find("z9hG4bKct7", global.INVITE)
	tx2.authRetried = true

	challenge2 := responseFor(rqst2, 401, "tt")
	challenge2.Header.WWWAuthenticate = challenge.Header.WWWAuthenticate
	out := cl.ProcessIncomingResponse(challenge2)
	assert.NotNil(t, out, "second challenge climbs to the application")
}

func TestBuildCancelSharesIdentity(t *testing.T) {
	cl, _, _ := newClientLayer(t)
	rqst := buildInviteRequest("z9hG4bKct8")
	cl.ProcessOutgoingRequest(rqst)
	tx := cl.Find("z9hG4bKct8", global.INVITE)

	cancel := tx.BuildCancel()
	assert.Equal(t, global.CANCEL, cancel.StartLine.Method)
	assert.Equal(t, rqst.CallID(), cancel.CallID())
	assert.Equal(t, rqst.FromTag(), cancel.FromTag())
	assert.Equal(t, rqst.Header.CSeq.Num, cancel.Header.CSeq.Num)
	assert.Equal(t, global.CANCEL, cancel.Header.CSeq.Method)
	assert.Equal(t, rqst.ViaBranch(), cancel.ViaBranch())
}

func TestTransactionTimeoutSurfaces(t *testing.T) {
	wheel := NewTimerWheel()
	t.Cleanup(wheel.Stop)
	sink := &captureSink{}
	cl := NewClientTxLayer(wheel, sink.send)

	fired := make(chan *ClientTransaction, 1)
	cl.OnTimeout = func(tx *ClientTransaction) { fired <- tx }

	rqst := buildInviteRequest("z9hG4bKct9")
	cl.ProcessOutgoingRequest(rqst)
	tx := cl.Find("z9hG4bKct9", global.INVITE)
	// pull the deadline in instead of waiting 64*T1
	tx.timeout.Cancel()
	tx.timeout = wheel.Schedule(30*time.Millisecond, tx.onTimeout)

	select {
	case timedOut := <-fired:
		assert.Equal(t, tx, timedOut)
		assert.Equal(t, global.TSTerminated, tx.State)
	case <-time.After(2 * time.Second):
		t.Fatal("Timer B never fired")
	}
}
