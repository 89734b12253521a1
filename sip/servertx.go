package sip

import (
	"fmt"
	"sync"
	"time"

	"sipcallgo/global"
	"sipcallgo/system"
)

// ServerTransaction is one INVITE or non-INVITE server state machine
// (RFC 3261 section 17.2). Retransmitted requests in Proceeding or
// Completed re-send the last response without re-entering the
// application.
type ServerTransaction struct {
	Key     string
	Branch  string
	Method  global.Method
	Request *SipMessage

	State global.TransactionState

	mu           sync.Mutex
	layer        *ServerTxLayer
	lastResponse *SipMessage
	ackWait      *TimerEntry // Timer H
	cleanup      *TimerEntry // Timer I / J
}

func serverTxKey(branch string, method global.Method) string {
	md := method
	if md == global.ReINVITE {
		md = global.INVITE
	}
	return branch + "|" + md.String()
}

// ServerTxLayer owns the server transaction table.
type ServerTxLayer struct {
	PassthroughProcessor

	mu  sync.Mutex
	txs map[string]*ServerTransaction

	Wheel    *TimerWheel
	Send     func(msg *SipMessage) error
	Reliable bool

	// OnCancelled tells the application its in-progress INVITE was
	// cancelled (the 200/487 exchange already happened here).
	OnCancelled func(invite *SipMessage)
}

func NewServerTxLayer(wheel *TimerWheel, send func(*SipMessage) error) *ServerTxLayer {
	return &ServerTxLayer{
		txs:      make(map[string]*ServerTransaction),
		Wheel:    wheel,
		Send:     send,
		Reliable: true,
	}
}

func (sl *ServerTxLayer) ProcessIncomingRequest(msg *SipMessage) *SipMessage {
	branch := msg.ViaBranch()
	method := msg.StartLine.Method

	switch method {
	case global.ACK:
		return sl.handleAck(msg, branch)
	case global.CANCEL:
		return sl.handleCancel(msg, branch)
	}

	key := serverTxKey(branch, method)
	sl.mu.Lock()
	if tx, ok := sl.txs[key]; ok {
		sl.mu.Unlock()
		tx.retransmitLast()
		return nil
	}
	tx := &ServerTransaction{
		Key:     key,
		Branch:  branch,
		Method:  method,
		Request: msg,
		State:   global.TSProceeding,
		layer:   sl,
	}
	sl.txs[key] = tx
	sl.mu.Unlock()
	return msg
}

// handleAck routes an ACK whose branch matches a completed INVITE
// server transaction into that transaction (state Confirmed); an ACK
// for a 2xx belongs to the dialog and climbs the pipeline.
func (sl *ServerTxLayer) handleAck(msg *SipMessage, branch string) *SipMessage {
	sl.mu.Lock()
	tx, ok := sl.txs[serverTxKey(branch, global.INVITE)]
	sl.mu.Unlock()
	if !ok {
		return msg
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.State != global.TSCompleted {
		return msg
	}
	tx.State = global.TSConfirmed
	if tx.ackWait != nil {
		tx.ackWait.Cancel()
	}
	cleanupAfter := global.TimerI
	if sl.Reliable {
		cleanupAfter = 0
	}
	tx.scheduleCleanup(cleanupAfter)
	return nil
}

// handleCancel answers a CANCEL matching an in-progress INVITE with
// 200, answers the INVITE itself with 487, and tells the application.
// A CANCEL matching nothing gets 481.
func (sl *ServerTxLayer) handleCancel(msg *SipMessage, branch string) *SipMessage {
	sl.mu.Lock()
	tx, ok := sl.txs[serverTxKey(branch, global.INVITE)]
	sl.mu.Unlock()

	if !ok || !cancelMatches(tx.Request, msg) {
		system.LogError(system.LTSIPStack, "CANCEL matches no INVITE transaction")
		sl.Send(BuildResponse(msg, 481, ""))
		return nil
	}

	tx.mu.Lock()
	inProgress := tx.State == global.TSProceeding
	tx.mu.Unlock()

	sl.Send(BuildResponse(msg, 200, ""))
	if !inProgress {
		return nil
	}

	sl.RespondVia(tx, BuildResponse(tx.Request, 487, ""))
	if sl.OnCancelled != nil {
		sl.OnCancelled(tx.Request)
	}
	return nil
}

// cancelMatches checks branch, From tag, Call-ID and top Via host.
func cancelMatches(invite, cancel *SipMessage) bool {
	if invite.CallID() != cancel.CallID() || invite.FromTag() != cancel.FromTag() {
		return false
	}
	iv, cv := invite.Header.TopVia(), cancel.Header.TopVia()
	if iv == nil || cv == nil {
		return false
	}
	return iv.Branch == cv.Branch && iv.Host == cv.Host
}

// ProcessOutgoingResponse records the response against its transaction
// and drives the machine.
func (sl *ServerTxLayer) ProcessOutgoingResponse(msg *SipMessage) *SipMessage {
	branch := msg.ViaBranch()
	if msg.Header.CSeq == nil {
		return msg
	}
	sl.mu.Lock()
	tx, ok := sl.txs[serverTxKey(branch, msg.Header.CSeq.Method)]
	sl.mu.Unlock()
	if !ok {
		return msg
	}
	tx.recordResponse(msg)
	return msg
}

// RespondVia sends a response through the transaction (used for
// locally generated finals like the 487).
func (sl *ServerTxLayer) RespondVia(tx *ServerTransaction, rsps *SipMessage) {
	tx.recordResponse(rsps)
	sl.Send(rsps)
}

func (sl *ServerTxLayer) remove(tx *ServerTransaction) {
	sl.mu.Lock()
	delete(sl.txs, tx.Key)
	sl.mu.Unlock()
}

func (sl *ServerTxLayer) Find(branch string, method global.Method) *ServerTransaction {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.txs[serverTxKey(branch, method)]
}

func (sl *ServerTxLayer) TerminateAll() {
	sl.mu.Lock()
	txs := make([]*ServerTransaction, 0, len(sl.txs))
	for _, tx := range sl.txs {
		txs = append(txs, tx)
	}
	sl.mu.Unlock()
	for _, tx := range txs {
		tx.mu.Lock()
		tx.terminate()
		tx.mu.Unlock()
	}
}

// =================================================================

func (tx *ServerTransaction) retransmitLast() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.lastResponse == nil {
		return
	}
	if tx.State == global.TSProceeding || tx.State == global.TSCompleted {
		system.LogInfo(system.LTSIPStack, fmt.Sprintf("Retransmitted [%s] - resending last response", tx.Method))
		tx.layer.Send(tx.lastResponse)
	}
}

func (tx *ServerTransaction) recordResponse(rsps *SipMessage) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.lastResponse = rsps
	sc := rsps.GetStatusCode()
	if system.IsProvisional(sc) {
		return
	}

	isInvite := tx.Method == global.INVITE || tx.Method == global.ReINVITE
	switch {
	case isInvite && system.IsPositive(sc):
		// 2xx: the dialog owns retransmissions and the ACK
		tx.terminate()
	case isInvite:
		tx.State = global.TSCompleted
		tx.ackWait = tx.layer.Wheel.Schedule(global.TimerH, func() {
			tx.mu.Lock()
			defer tx.mu.Unlock()
			if tx.State == global.TSCompleted {
				system.LogWarning(system.LTSIPStack, "No ACK for negative final - terminating")
				tx.terminate()
			}
		})
	default:
		tx.State = global.TSCompleted
		cleanupAfter := global.TimerJ
		if tx.layer.Reliable {
			cleanupAfter = 0
		}
		tx.scheduleCleanup(cleanupAfter)
	}
}

// scheduleCleanup runs under the transaction lock.
func (tx *ServerTransaction) scheduleCleanup(d time.Duration) {
	if d == 0 {
		tx.terminate()
		return
	}
	tx.cleanup = tx.layer.Wheel.Schedule(d, func() {
		tx.mu.Lock()
		tx.terminate()
		tx.mu.Unlock()
	})
}

// terminate runs under the transaction lock.
func (tx *ServerTransaction) terminate() {
	if tx.State == global.TSTerminated {
		return
	}
	tx.State = global.TSTerminated
	if tx.ackWait != nil {
		tx.ackWait.Cancel()
	}
	if tx.cleanup != nil {
		tx.cleanup.Cancel()
	}
	tx.layer.remove(tx)
}
