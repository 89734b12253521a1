package sip

import (
	"fmt"
	"sync"
	"time"

	"sipcallgo/global"
	"sipcallgo/guid"
	"sipcallgo/system"
)

// RegistrationController keeps the client's binding at the registrar
// alive: periodic REGISTER refresh plus NAT-rebinding detection from
// the received/rport the registrar echoes in our Via.
//
// The deregister/reregister dance runs once, on the first contact
// mismatch; later mismatches only log the NAT change and adopt the
// discovered address for subsequent refreshes.
type RegistrationController struct {
	PassthroughProcessor

	mu    sync.Mutex
	state global.RegState

	Aor    URI // address of record: sip:user@domain
	Domain string

	contactHost string
	contactPort int

	callID    string
	cseq      uint32
	localTag  string
	expires   int
	danceDone bool

	Wheel   *TimerWheel
	Submit  func(msg *SipMessage) // inject a request at the top of the outbound pipeline
	refresh *TimerEntry

	// OnStateChange reports Active / Failed transitions upward.
	OnStateChange func(state global.RegState, detail string)
}

func NewRegistrationController(wheel *TimerWheel, aor URI, contactHost string, contactPort int) *RegistrationController {
	return &RegistrationController{
		state:       global.RegIdle,
		Aor:         aor,
		Domain:      aor.Host,
		contactHost: contactHost,
		contactPort: contactPort,
		callID:      guid.NewCallID(),
		localTag:    guid.NewTag(),
		Wheel:       wheel,
	}
}

func (rc *RegistrationController) State() global.RegState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Register starts (or restarts) the binding with the given lifetime;
// zero means the default 3600 s.
func (rc *RegistrationController) Register(expires int) {
	if expires <= 0 {
		expires = global.DefaultExpiresSec
	}
	rc.mu.Lock()
	rc.expires = expires
	rc.setState(global.RegRegistering, "")
	msg := rc.buildRegister(expires)
	rc.mu.Unlock()
	rc.Submit(msg)
}

// Deregister removes the binding (Expires: 0).
func (rc *RegistrationController) Deregister() {
	rc.mu.Lock()
	rc.cancelRefresh()
	rc.setState(global.RegDeregistering, "")
	msg := rc.buildRegister(0)
	rc.mu.Unlock()
	rc.Submit(msg)
}

// buildRegister runs under the controller lock.
func (rc *RegistrationController) buildRegister(expires int) *SipMessage {
	rc.cseq++
	ruri := URI{Scheme: "sip", Host: rc.Domain}
	msg := NewRequestMessage(global.REGISTER, ruri)

	from := NameAddr{Uri: rc.Aor}
	from.SetParameter("tag", rc.localTag)
	to := NameAddr{Uri: rc.Aor}

	msg.Header.From = &from
	msg.Header.To = &to
	msg.Header.CallID = rc.callID
	msg.Header.CSeq = &CSeqValue{Num: rc.cseq, Method: global.REGISTER}
	msg.Header.Expires = intPtr(expires)
	msg.Header.Contact = []NameAddr{{Uri: URI{
		Scheme: "sip",
		User:   rc.Aor.User,
		Host:   rc.contactHost,
		Port:   rc.contactPort,
	}}}
	msg.Header.Contact[0].Uri.SetParameter("transport", "tcp")
	return msg
}

// ProcessIncomingResponse consumes responses to our own REGISTER leg;
// everything else passes through.
func (rc *RegistrationController) ProcessIncomingResponse(msg *SipMessage) *SipMessage {
	if msg.Header.CSeq == nil || msg.Header.CSeq.Method != global.REGISTER {
		return msg
	}
	if msg.CallID() != rc.callID {
		system.LogError(system.LTRegistration, "Response to a REGISTER we did not send - ignored")
		return nil
	}
	rc.mu.Lock()
	// an auth retry bumps the CSeq below us; stay ahead of it
	if msg.Header.CSeq.Num > rc.cseq {
		rc.cseq = msg.Header.CSeq.Num
	}
	rc.mu.Unlock()

	sc := msg.GetStatusCode()
	switch {
	case system.IsProvisional(sc):
		return nil
	case system.IsPositive(sc):
		rc.handleOK(msg)
		return nil
	case sc == 401 || sc == 407:
		// the client transaction layer already retried with
		// credentials; reaching here means auth failed for good
		rc.mu.Lock()
		rc.setState(global.RegFailed, "auth failed")
		rc.mu.Unlock()
		return nil
	default:
		rc.mu.Lock()
		rc.setState(global.RegFailed, fmt.Sprintf("registrar answered %d", sc))
		rc.mu.Unlock()
		return nil
	}
}

func (rc *RegistrationController) handleOK(msg *SipMessage) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	received, rport := "", 0
	if msg.PoppedVia != nil {
		received = msg.PoppedVia.Received
		rport = msg.PoppedVia.Rport
	}
	mismatch := (received != "" && received != rc.contactHost) || (rport > 0 && rport != rc.contactPort)

	switch rc.state {
	case global.RegRegistering:
		if mismatch && !rc.danceDone {
			// first mismatch while establishing the binding: drop the
			// stale one, then register the reflexive address
			system.LogInfo(system.LTNAT, fmt.Sprintf("Behind NAT: seen as %s:%d - rebinding contact", received, rport))
			rc.danceDone = true
			rc.setState(global.RegDeregistering, "")
			msg := rc.buildRegister(0)
			rc.pendingRebind(received, rport)
			go rc.Submit(msg)
			return
		}
		rc.setState(global.RegActive, "")
		rc.scheduleRefresh(rc.effectiveExpires(msg))

	case global.RegActive, global.RegReRegistering:
		if mismatch {
			// an active binding does not re-run the dance: log the NAT
			// change and carry the discovered address forward
			system.LogWarning(system.LTNAT, fmt.Sprintf("NAT binding changed to %s:%d - continuing refresh", received, rport))
			global.Notify(global.EvNatChange, rc.callID, fmt.Sprintf("%s:%d", received, rport))
			rc.pendingRebind(received, rport)
		}
		rc.setState(global.RegActive, "")
		rc.scheduleRefresh(rc.effectiveExpires(msg))

	case global.RegDeregistering:
		if rc.danceDone {
			// stale binding dropped; register the discovered address
			rc.setState(global.RegReRegistering, "")
			msg := rc.buildRegister(rc.expires)
			go rc.Submit(msg)
			return
		}
		rc.cancelRefresh()
		rc.setState(global.RegIdle, "")
	}
}

// pendingRebind runs under the lock.
func (rc *RegistrationController) pendingRebind(received string, rport int) {
	if received != "" {
		rc.contactHost = received
	}
	if rport > 0 {
		rc.contactPort = rport
	}
}

// effectiveExpires follows the Contact expires parameter, then the
// Expires header, then the default.
func (rc *RegistrationController) effectiveExpires(msg *SipMessage) int {
	for i := range msg.Header.Contact {
		if v, ok := msg.Header.Contact[i].Parameter("expires"); ok {
			if n, ok := system.Str2IntCheck[int](v); ok && n > 0 {
				return n
			}
		}
	}
	if msg.Header.Expires != nil && *msg.Header.Expires > 0 {
		return *msg.Header.Expires
	}
	return global.DefaultExpiresSec
}

// scheduleRefresh arms Timer R = (N - 5) s, single repeat; each cycle
// re-arms on its 2xx.
func (rc *RegistrationController) scheduleRefresh(expires int) {
	rc.cancelRefresh()
	refreshIn := time.Duration(expires-global.RefreshGuardSec) * time.Second
	if refreshIn <= 0 {
		refreshIn = time.Duration(expires) * time.Second
	}
	rc.refresh = rc.Wheel.Schedule(refreshIn, func() {
		rc.mu.Lock()
		if rc.state != global.RegActive {
			rc.mu.Unlock()
			return
		}
		msg := rc.buildRegister(rc.expires)
		rc.mu.Unlock()
		rc.Submit(msg)
	})
}

// cancelRefresh runs under the lock.
func (rc *RegistrationController) cancelRefresh() {
	if rc.refresh != nil {
		rc.refresh.Cancel()
		rc.refresh = nil
	}
}

// setState runs under the lock.
func (rc *RegistrationController) setState(state global.RegState, detail string) {
	if rc.state == state {
		return
	}
	rc.state = state
	system.LogInfo(system.LTRegistration, fmt.Sprintf("Registration %s %s", state, detail))
	global.Notify(global.EvRegistration, rc.callID, state.String())
	if rc.OnStateChange != nil {
		go rc.OnStateChange(state, detail)
	}
}

// ContactHostPort exposes the currently registered contact.
func (rc *RegistrationController) ContactHostPort() (string, int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.contactHost, rc.contactPort
}
