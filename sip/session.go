package sip

import (
	"fmt"
	"sync"
	"time"

	"sipcallgo/global"
	"sipcallgo/guid"
	"sipcallgo/ice"
	"sipcallgo/sdp"
	"sipcallgo/system"
)

// SipSession is one call leg: it owns the negotiation state, at most
// one pending outgoing INVITE transaction, the dialog identifiers and
// the ICE nomination record. Created on the first INVITE in either
// direction; destroyed when the dialog terminates.
type SipSession struct {
	CallID    string
	Direction global.Direction

	mu        sync.Mutex
	state     global.SessionState
	FromTag   string
	ToTag     string
	RemoteURI URI

	localSeq uint32

	Negotiator *Negotiator
	InviteTx   *ClientTransaction
	inviteRqst *SipMessage // inbound leg: the INVITE we are answering

	stack       *Stack
	maxDuration *TimerEntry
}

func NewSipSession(stack *Stack, direction global.Direction, callID string) *SipSession {
	ss := &SipSession{
		CallID:    callID,
		Direction: direction,
		state:     global.SessIdle,
		stack:     stack,
	}
	if direction == global.OUTBOUND {
		ss.FromTag = guid.NewTag()
	}
	return ss
}

// =================================================================
// State handling

func (ss *SipSession) SetState(st global.SessionState) global.SessionState {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	prev := ss.state
	ss.state = st
	system.LogInfo(system.LTSIPStack, fmt.Sprintf("Session [%s] %s -> %s", ss.CallID, prev, st))
	global.Notify(global.EvCallState, ss.CallID, st.String())
	return prev
}

func (ss *SipSession) State() global.SessionState {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state
}

func (ss *SipSession) IsEstablished() bool {
	return ss.State() == global.SessEstablished
}

func (ss *SipSession) IsBeingEstablished() bool {
	st := ss.State()
	return st == global.SessBeingEstablished || st == global.SessEarly
}

func (ss *SipSession) String() string {
	return fmt.Sprintf("%s %s %s", ss.CallID, ss.Direction, ss.State())
}

// NextCSeq is strictly increasing for requests this side originates.
func (ss *SipSession) NextCSeq() uint32 {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.localSeq++
	return ss.localSeq
}

// =================================================================
// Outbound call

// BuildInvite composes the initial INVITE carrying our SDP offer.
func (ss *SipSession) BuildInvite(remote URI, offer *sdp.Session) *SipMessage {
	msg := NewRequestMessage(global.INVITE, remote)

	from := NameAddr{Uri: ss.stack.Aor}
	from.SetParameter("tag", ss.FromTag)
	to := NameAddr{Uri: remote}

	msg.Header.From = &from
	msg.Header.To = &to
	msg.Header.CallID = ss.CallID
	msg.Header.CSeq = &CSeqValue{Num: ss.NextCSeq(), Method: global.INVITE}
	msg.Header.Allow = allowedMethodNames()
	msg.Header.UserAgent = global.AgentName
	msg.BodyType = global.SDP
	msg.Body = offer.Bytes()

	ss.mu.Lock()
	ss.RemoteURI = remote
	ss.mu.Unlock()
	return msg
}

// HandleInviteResponse drives the outbound leg on 1xx/2xx/failures.
func (ss *SipSession) HandleInviteResponse(msg *SipMessage) {
	sc := msg.GetStatusCode()
	switch {
	case sc >= 180 && sc <= 189:
		ss.SetState(global.SessEarly)
	case system.IsProvisional(sc):
		// 100 keeps the state
	case system.IsPositive(sc):
		ss.mu.Lock()
		ss.ToTag = msg.ToTag()
		ss.mu.Unlock()
		ss.SetState(global.SessEstablished)
		ss.sendAck(msg)
		if msg.ContainsSDP() {
			if answer, ok := sdp.Decode(msg.Body); ok {
				if err := ss.Negotiator.ProcessAnswer(answer); err != nil {
					system.LogError(system.LTSDPStack, fmt.Sprintf("Answer rejected: %v", err))
					ss.Terminate("incompatible answer")
					return
				}
			} else {
				ss.Terminate("unparsable answer")
				return
			}
		}
		ss.startMaxDuration()
	default:
		if sc == 487 {
			ss.SetState(global.SessCleared)
		} else {
			ss.SetState(global.SessRejected)
		}
		ss.Drop()
	}
}

// sendAck emits the dialog-level ACK for a 2xx: CSeq number matches
// the INVITE, method ACK, fresh branch.
func (ss *SipSession) sendAck(rsps *SipMessage) {
	ss.mu.Lock()
	remote := ss.RemoteURI
	seq := ss.localSeq
	ss.mu.Unlock()
	if len(rsps.Header.Contact) > 0 {
		remote = rsps.Header.Contact[0].Uri
	}

	ack := NewRequestMessage(global.ACK, remote)
	ack.Header.From = cloneNameAddr(rsps.Header.From)
	ack.Header.To = cloneNameAddr(rsps.Header.To)
	ack.Header.CallID = ss.CallID
	ack.Header.CSeq = &CSeqValue{Num: seq, Method: global.ACK}
	ss.stack.Submit(ack)
}

// =================================================================
// Inbound call

// AcceptIncoming answers an inbound INVITE: 180 Ringing first, then a
// 200 OK carrying our SDP answer.
func (ss *SipSession) AcceptIncoming(invite *SipMessage, answer *sdp.Session) {
	ss.mu.Lock()
	ss.inviteRqst = invite
	ss.FromTag = invite.FromTag()
	if ss.ToTag == "" {
		ss.ToTag = guid.NewTag()
	}
	toTag := ss.ToTag
	ss.mu.Unlock()

	ringing := BuildResponse(invite, 180, "")
	ringing.Header.To.SetParameter("tag", toTag)
	ss.stack.Submit(ringing)
	ss.stack.dialogs.CreateServerDialog(invite, toTag, false)
	ss.SetState(global.SessEarly)

	ok := BuildResponse(invite, 200, "")
	ok.Header.To.SetParameter("tag", toTag)
	ok.Header.Contact = []NameAddr{ss.stack.dialogs.ContactAddr()}
	ok.Header.Allow = allowedMethodNames()
	ok.BodyType = global.SDP
	ok.Body = answer.Bytes()
	ss.stack.Submit(ok)
	ss.stack.dialogs.CreateServerDialog(invite, toTag, true)
}

// HandleAck confirms the inbound leg.
func (ss *SipSession) HandleAck() {
	if ss.State() == global.SessEarly || ss.State() == global.SessBeingEstablished {
		ss.SetState(global.SessEstablished)
		ss.Negotiator.MarkFinished()
		ss.startMaxDuration()
	}
}

// =================================================================
// Teardown

// Hangup sends BYE inside the confirmed dialog; a BYE never leaves
// before the dialog is confirmed.
func (ss *SipSession) Hangup() {
	if !ss.IsEstablished() {
		system.LogWarning(system.LTSIPStack, "Hangup on a session not established - ignored")
		return
	}
	ss.SetState(global.SessBeingCleared)

	ss.mu.Lock()
	remote := ss.RemoteURI
	ss.mu.Unlock()

	bye := NewRequestMessage(global.BYE, remote)
	from := NameAddr{Uri: ss.stack.Aor}
	fromTag, toTag := ss.FromTag, ss.ToTag
	if ss.Direction == global.INBOUND {
		// tags swap on the callee side
		fromTag, toTag = ss.ToTag, ss.FromTag
	}
	from.SetParameter("tag", fromTag)
	to := NameAddr{Uri: remote}
	to.SetParameter("tag", toTag)
	bye.Header.From = &from
	bye.Header.To = &to
	bye.Header.CallID = ss.CallID
	bye.Header.CSeq = &CSeqValue{Num: ss.NextCSeq(), Method: global.BYE}
	ss.stack.Submit(bye)
}

// Cancel aborts an outbound INVITE awaiting its final response. It may
// only go out once a provisional response arrived.
func (ss *SipSession) Cancel() {
	ss.mu.Lock()
	tx := ss.InviteTx
	ss.mu.Unlock()
	if tx == nil || !ss.IsBeingEstablished() {
		return
	}
	if !tx.SawProvisional() {
		system.LogWarning(system.LTSIPStack, "CANCEL deferred - no provisional response yet")
		return
	}
	ss.SetState(global.SessBeingCancelled)
	ss.stack.Submit(tx.BuildCancel())
}

// Terminate force-fails the session and reports why.
func (ss *SipSession) Terminate(reason string) {
	system.LogError(system.LTSIPStack, fmt.Sprintf("Session [%s] failed: %s", ss.CallID, reason))
	global.Notify(global.EvCallState, ss.CallID, "failed: "+reason)
	ss.SetState(global.SessFailed)
	ss.Drop()
}

// Drop releases everything the session holds: ICE ports, nomination
// records, timers, and the session table entry.
func (ss *SipSession) Drop() {
	ss.mu.Lock()
	if ss.maxDuration != nil {
		ss.maxDuration.Cancel()
		ss.maxDuration = nil
	}
	ss.mu.Unlock()
	if ss.Negotiator != nil {
		ss.Negotiator.Release()
	}
	ss.stack.sessions.Delete(ss.CallID)
}

func (ss *SipSession) startMaxDuration() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.maxDuration != nil {
		return
	}
	ss.maxDuration = ss.stack.wheel.Schedule(time.Duration(global.MaxCallDurationSec)*time.Second, func() {
		system.LogWarning(system.LTSIPStack, fmt.Sprintf("Session [%s] exceeded max duration", ss.CallID))
		ss.Hangup()
	})
}

// =================================================================
// ICE callbacks

func (ss *SipSession) onIceNominated(selected []*ice.Pair) {
	global.Notify(global.EvIceResult, ss.CallID, fmt.Sprintf("nominated %d pairs", len(selected)))
}

func (ss *SipSession) onIceFailure(reason string) {
	ss.Terminate("ICE failed")
}

func allowedMethodNames() []string {
	return []string{"INVITE", "ACK", "CANCEL", "BYE", "OPTIONS", "REGISTER"}
}
