package sip

import (
	"fmt"
	"sync"
	"time"

	"sipcallgo/global"
	"sipcallgo/guid"
	"sipcallgo/system"
)

// ClientTransaction is one INVITE or non-INVITE client state machine
// (RFC 3261 section 17.1) with its retransmission and timeout timers
// parked on the shared wheel.
type ClientTransaction struct {
	Key     string
	Branch  string
	Method  global.Method
	Request *SipMessage

	State global.TransactionState

	mu       sync.Mutex
	layer    *ClientTxLayer
	reliable bool

	retransmit *TimerEntry // Timer A / E
	timeout    *TimerEntry // Timer B / F
	linger     *TimerEntry // Timer D / K
	interval   time.Duration

	sawProvisional bool
	authRetried    bool
}

func clientTxKey(branch string, method global.Method) string {
	md := method
	if md == global.ReINVITE {
		md = global.INVITE
	}
	return branch + "|" + md.String()
}

// ClientTxLayer is the pipeline stage owning the client transaction
// table. Outgoing non-ACK requests enter a fresh transaction; incoming
// responses are matched by branch + CSeq method.
type ClientTxLayer struct {
	PassthroughProcessor

	mu  sync.Mutex
	txs map[string]*ClientTransaction

	Wheel    *TimerWheel
	Send     func(msg *SipMessage) error
	Reliable bool
	Creds    *Credentials

	// OnTimeout surfaces a transaction timeout upward ("request
	// timeout" for INVITE).
	OnTimeout func(tx *ClientTransaction)

	// NextRequest re-submits an authenticated retry through the whole
	// outbound pipeline (fresh branch, incremented CSeq).
	NextRequest func(msg *SipMessage)
}

func NewClientTxLayer(wheel *TimerWheel, send func(*SipMessage) error) *ClientTxLayer {
	return &ClientTxLayer{
		txs:      make(map[string]*ClientTransaction),
		Wheel:    wheel,
		Send:     send,
		Reliable: true,
	}
}

func (cl *ClientTxLayer) ProcessOutgoingRequest(msg *SipMessage) *SipMessage {
	if msg.GetMethod() == global.ACK {
		return msg // the dialog owns ACK for 2xx
	}
	tx := &ClientTransaction{
		Branch:   msg.ViaBranch(),
		Method:   msg.StartLine.Method,
		Request:  msg,
		layer:    cl,
		reliable: cl.Reliable,
	}
	tx.Key = clientTxKey(tx.Branch, tx.Method)

	cl.mu.Lock()
	cl.txs[tx.Key] = tx
	cl.mu.Unlock()

	tx.start()
	return msg
}

func (cl *ClientTxLayer) ProcessIncomingResponse(msg *SipMessage) *SipMessage {
	branch := msg.ViaBranch()
	if msg.Header.CSeq == nil {
		return nil
	}
	key := clientTxKey(branch, msg.Header.CSeq.Method)

	cl.mu.Lock()
	tx, ok := cl.txs[key]
	cl.mu.Unlock()
	if !ok {
		// orphan responses are ignored; a dialog-level 200
		// retransmission for INVITE still climbs to the dialog so it
		// can re-ACK
		if msg.Header.CSeq.Method == global.INVITE && system.IsPositive(msg.GetStatusCode()) {
			return msg
		}
		system.LogError(system.LTSIPStack, fmt.Sprintf("Response [%d] matches no transaction - ignored", msg.GetStatusCode()))
		return nil
	}
	return tx.handleResponse(msg)
}

func (cl *ClientTxLayer) remove(tx *ClientTransaction) {
	cl.mu.Lock()
	delete(cl.txs, tx.Key)
	cl.mu.Unlock()
}

// Find returns the live transaction for a branch+method, if any.
func (cl *ClientTxLayer) Find(branch string, method global.Method) *ClientTransaction {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.txs[clientTxKey(branch, method)]
}

// TerminateAll moves every transaction to Terminated, used when the
// transport drops.
func (cl *ClientTxLayer) TerminateAll() {
	cl.mu.Lock()
	txs := make([]*ClientTransaction, 0, len(cl.txs))
	for _, tx := range cl.txs {
		txs = append(txs, tx)
	}
	cl.mu.Unlock()
	for _, tx := range txs {
		tx.mu.Lock()
		tx.terminate()
		tx.mu.Unlock()
	}
}

// =================================================================

func (tx *ClientTransaction) start() {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Method == global.INVITE || tx.Method == global.ReINVITE {
		tx.State = global.TSCalling
	} else {
		tx.State = global.TSTrying
	}
	tx.interval = global.T1

	if !tx.reliable {
		tx.retransmit = tx.layer.Wheel.Schedule(tx.interval, tx.onRetransmit)
	}
	tx.timeout = tx.layer.Wheel.Schedule(global.TimerB, tx.onTimeout)
}

func (tx *ClientTransaction) onRetransmit() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.State != global.TSCalling && tx.State != global.TSTrying {
		return
	}
	tx.layer.Send(tx.Request)
	tx.interval *= 2
	if tx.interval > global.T2 {
		tx.interval = global.T2
	}
	tx.retransmit = tx.layer.Wheel.Schedule(tx.interval, tx.onRetransmit)
}

func (tx *ClientTransaction) onTimeout() {
	tx.mu.Lock()
	if tx.State == global.TSTerminated {
		tx.mu.Unlock()
		return
	}
	tx.terminate()
	tx.mu.Unlock()
	if tx.layer.OnTimeout != nil {
		tx.layer.OnTimeout(tx)
	}
}

// handleResponse drives the machine; the returned message continues up
// the pipeline, nil means absorbed here.
func (tx *ClientTransaction) handleResponse(msg *SipMessage) *SipMessage {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	sc := msg.GetStatusCode()
	isInvite := tx.Method == global.INVITE || tx.Method == global.ReINVITE

	switch {
	case system.IsProvisional(sc):
		if tx.State == global.TSCalling || tx.State == global.TSTrying {
			tx.State = global.TSProceeding
			tx.stopRetransmit()
		}
		tx.sawProvisional = true
		return msg

	case system.IsPositive(sc):
		if tx.State == global.TSCompleted || tx.State == global.TSTerminated {
			return nil
		}
		// 2xx: deliver and terminate; the dialog owns the ACK
		tx.terminate()
		return msg

	default: // 3xx - 6xx
		if tx.State == global.TSCompleted {
			if isInvite {
				tx.sendAck(msg) // retransmitted final: re-ACK, absorb
			}
			return nil
		}
		if retry := tx.maybeAuthRetry(msg); retry {
			tx.terminate()
			return nil
		}
		if isInvite {
			tx.sendAck(msg)
			tx.State = global.TSCompleted
			lingerFor := global.TimerD
			if tx.reliable {
				lingerFor = 0
			}
			tx.scheduleLinger(lingerFor)
		} else {
			tx.State = global.TSCompleted
			lingerFor := global.TimerK
			if tx.reliable {
				lingerFor = 0
			}
			tx.scheduleLinger(lingerFor)
		}
		return msg
	}
}

// maybeAuthRetry answers a 401/407 challenge by re-submitting the
// request with digest credentials, a fresh branch and the next CSeq.
// Returns true when the retry was issued (the challenge is absorbed).
func (tx *ClientTransaction) maybeAuthRetry(rsps *SipMessage) bool {
	sc := rsps.GetStatusCode()
	if (sc != 401 && sc != 407) || tx.authRetried || tx.layer.Creds == nil || tx.layer.NextRequest == nil {
		return false
	}

	challenge := rsps.Header.WWWAuthenticate
	slot := &tx.Request.Header.Authorization
	if sc == 407 {
		challenge = rsps.Header.ProxyAuthenticate
		slot = &tx.Request.Header.ProxyAuthorization
	}
	if challenge == nil {
		return false
	}
	author := tx.layer.Creds.answerChallenge(challenge, tx.Method, &tx.Request.StartLine.RUri)
	if author == nil {
		return false // second challenge or no credentials: surface upward
	}
	tx.authRetried = true

	retry := tx.Request
	*slot = author
	retry.Header.CSeq.Num++
	if top := retry.Header.TopVia(); top != nil {
		top.Branch = guid.NewViaBranch()
	}
	system.LogInfo(system.LTSIPStack, fmt.Sprintf("Answering %d challenge for [%s]", sc, tx.Method))
	go tx.layer.NextRequest(retry)
	return true
}

func (tx *ClientTransaction) sendAck(rsps *SipMessage) {
	ack := NewRequestMessage(global.ACK, tx.Request.StartLine.RUri)
	ack.Header.Via = []ViaEntry{tx.Request.Header.Via[0]}
	ack.Header.From = cloneNameAddr(tx.Request.Header.From)
	ack.Header.To = cloneNameAddr(rsps.Header.To) // carries the remote tag
	ack.Header.CallID = tx.Request.Header.CallID
	ack.Header.CSeq = &CSeqValue{Num: tx.Request.Header.CSeq.Num, Method: global.ACK}
	ack.Header.MaxForwards = intPtr(global.DefaultMaxFwds)
	tx.layer.Send(ack)
}

func (tx *ClientTransaction) scheduleLinger(d time.Duration) {
	if d == 0 {
		tx.terminate()
		return
	}
	tx.linger = tx.layer.Wheel.Schedule(d, func() {
		tx.mu.Lock()
		tx.terminate()
		tx.mu.Unlock()
	})
}

// terminate runs under the transaction lock.
func (tx *ClientTransaction) terminate() {
	if tx.State == global.TSTerminated {
		return
	}
	tx.State = global.TSTerminated
	tx.stopRetransmit()
	if tx.timeout != nil {
		tx.timeout.Cancel()
	}
	if tx.linger != nil {
		tx.linger.Cancel()
	}
	tx.layer.remove(tx)
}

func (tx *ClientTransaction) stopRetransmit() {
	if tx.retransmit != nil {
		tx.retransmit.Cancel()
		tx.retransmit = nil
	}
}

// SawProvisional reports whether any 1xx arrived; CANCEL may only be
// sent after one.
func (tx *ClientTransaction) SawProvisional() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.sawProvisional
}

// BuildCancel makes the CANCEL for this INVITE: same Call-ID, From
// tag, CSeq number (method CANCEL) and top Via branch.
func (tx *ClientTransaction) BuildCancel() *SipMessage {
	cancel := NewRequestMessage(global.CANCEL, tx.Request.StartLine.RUri)
	cancel.Header.Via = []ViaEntry{tx.Request.Header.Via[0]}
	cancel.Header.From = cloneNameAddr(tx.Request.Header.From)
	cancel.Header.To = cloneNameAddr(tx.Request.Header.To)
	cancel.Header.CallID = tx.Request.Header.CallID
	cancel.Header.CSeq = &CSeqValue{Num: tx.Request.Header.CSeq.Num, Method: global.CANCEL}
	cancel.Header.MaxForwards = intPtr(global.DefaultMaxFwds)
	return cancel
}
