package sip

import (
	"fmt"
	"sync"

	"sipcallgo/global"
	"sipcallgo/guid"
	"sipcallgo/system"
)

type DialogState int

const (
	DialogEarly DialogState = iota
	DialogConfirmed
	DialogTerminated
)

func (ds DialogState) String() string {
	return dialogStates[ds]
}

var dialogStates = [...]string{"Early", "Confirmed", "Terminated"}

// DialogID is the (Call-ID, local tag, remote tag) triple.
type DialogID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (id DialogID) String() string {
	return fmt.Sprintf("%s|%s|%s", id.CallID, id.LocalTag, id.RemoteTag)
}

// Dialog stores the peer relationship created by a non-failure
// response to INVITE: remote target, CSeq bookkeeping and the Route
// set computed from the reversed Record-Route list.
type Dialog struct {
	ID    DialogID
	State DialogState

	mu           sync.Mutex
	LocalCSeq    uint32
	RemoteCSeq   uint32
	RemoteTarget URI
	RouteSet     []NameAddr
}

// NextCSeq increments the local sequence; ACK and CANCEL reuse the
// INVITE's number and never pass through here.
func (dlg *Dialog) NextCSeq() uint32 {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	dlg.LocalCSeq++
	return dlg.LocalCSeq
}

// =================================================================

// DialogLayer is the routing stage: it prepends our Via on outgoing
// requests, fills Contact, copies the dialog's Route set, pops and
// verifies our Via on incoming responses and surfaces NAT rebinding.
type DialogLayer struct {
	PassthroughProcessor

	mu      sync.Mutex
	dialogs map[DialogID]*Dialog

	ContactUser string
	ContactHost string
	ContactPort int

	Send func(msg *SipMessage) error

	// OnNatRebinding reports a received/rport different from our own
	// Contact, upward.
	OnNatRebinding func(received string, rport int)
}

func NewDialogLayer() *DialogLayer {
	return &DialogLayer{dialogs: make(map[DialogID]*Dialog)}
}

func (dl *DialogLayer) ContactAddr() NameAddr {
	return NameAddr{Uri: URI{
		Scheme: "sip",
		User:   dl.ContactUser,
		Host:   dl.ContactHost,
		Port:   dl.ContactPort,
	}}
}

func (dl *DialogLayer) ProcessOutgoingRequest(msg *SipMessage) *SipMessage {
	// ACK and CANCEL arrive with their transaction's Via already set
	if len(msg.Header.Via) == 0 {
		msg.Header.Via = []ViaEntry{{
			Version:   "2.0",
			Transport: "TCP",
			Host:      dl.ContactHost,
			Port:      dl.ContactPort,
			Branch:    guid.NewViaBranch(),
			Rport:     0,
		}}
	}
	if msg.Header.MaxForwards == nil {
		msg.Header.MaxForwards = intPtr(global.DefaultMaxFwds)
	}
	if len(msg.Header.Contact) == 0 && msg.GetMethod() != global.ACK && msg.GetMethod() != global.CANCEL {
		contact := dl.ContactAddr()
		if _, hasGr := contact.Uri.Parameter("gr"); !hasGr {
			contact.Uri.SetParameter("transport", "tcp")
		}
		msg.Header.Contact = []NameAddr{contact}
	}

	if dlg := dl.findForOutgoing(msg); dlg != nil {
		dlg.mu.Lock()
		if len(msg.Header.Route) == 0 {
			msg.Header.Route = append([]NameAddr(nil), dlg.RouteSet...)
		}
		if dlg.RemoteTarget.Host != "" {
			msg.StartLine.RUri = dlg.RemoteTarget
		}
		dlg.mu.Unlock()
	}
	return msg
}

func (dl *DialogLayer) ProcessIncomingResponse(msg *SipMessage) *SipMessage {
	top := msg.Header.PopVia()
	if top == nil {
		return nil
	}
	if top.Host != dl.ContactHost || !hasMagicCookie(top.Branch) {
		system.LogError(system.LTBadSIPMessage, fmt.Sprintf("Response top Via [%s] is not ours - discarded", top.HostPort()))
		return nil
	}
	if top.Received != "" || top.Rport > 0 {
		if top.Received != dl.ContactHost || (top.Rport > 0 && top.Rport != dl.ContactPort) {
			if dl.OnNatRebinding != nil {
				dl.OnNatRebinding(top.Received, top.Rport)
			}
		}
	}

	msg.PoppedVia = top
	dl.trackResponse(msg)
	return msg
}

func (dl *DialogLayer) ProcessIncomingRequest(msg *SipMessage) *SipMessage {
	if msg.IsOutOfDialogue() {
		return msg
	}
	id := DialogID{CallID: msg.CallID(), LocalTag: msg.ToTag(), RemoteTag: msg.FromTag()}
	dl.mu.Lock()
	dlg, ok := dl.dialogs[id]
	dl.mu.Unlock()
	if !ok {
		// in-dialog request referencing no known dialog
		system.LogError(system.LTSIPStack, fmt.Sprintf("In-dialog [%s] matches no dialog - 481", msg.GetMethod()))
		if dl.Send != nil {
			dl.Send(BuildResponse(msg, 481, ""))
		}
		return nil
	}

	dlg.mu.Lock()
	if msg.Header.CSeq != nil {
		dlg.RemoteCSeq = msg.Header.CSeq.Num
	}
	if len(msg.Header.Contact) > 0 {
		dlg.RemoteTarget = msg.Header.Contact[0].Uri
	}
	dlg.mu.Unlock()

	if msg.GetMethod() == global.BYE {
		dl.Terminate(id)
	}
	return msg
}

// trackResponse creates or confirms the client-side dialog on INVITE
// responses: created by the first 1xx-with-tag or 2xx, confirmed by
// 2xx, terminated by a final non-2xx.
func (dl *DialogLayer) trackResponse(msg *SipMessage) {
	if msg.Header.CSeq == nil || msg.Header.CSeq.Method != global.INVITE {
		return
	}
	sc := msg.GetStatusCode()
	remoteTag := msg.ToTag()
	if remoteTag == "" {
		return
	}
	id := DialogID{CallID: msg.CallID(), LocalTag: msg.FromTag(), RemoteTag: remoteTag}

	dl.mu.Lock()
	defer dl.mu.Unlock()
	dlg, ok := dl.dialogs[id]

	switch {
	case system.IsProvisional(sc) || system.IsPositive(sc):
		if !ok {
			dlg = &Dialog{ID: id, State: DialogEarly, LocalCSeq: msg.Header.CSeq.Num}
			dl.dialogs[id] = dlg
		}
		dlg.mu.Lock()
		if len(msg.Header.Contact) > 0 {
			dlg.RemoteTarget = msg.Header.Contact[0].Uri
		}
		// route set: reversed Record-Route list
		if len(msg.Header.RecordRoute) > 0 && len(dlg.RouteSet) == 0 {
			for i := len(msg.Header.RecordRoute) - 1; i >= 0; i-- {
				dlg.RouteSet = append(dlg.RouteSet, msg.Header.RecordRoute[i])
			}
		}
		if system.IsPositive(sc) {
			dlg.State = DialogConfirmed
		}
		dlg.mu.Unlock()
	default:
		if ok {
			dlg.State = DialogTerminated
			delete(dl.dialogs, id)
		}
	}
}

// CreateServerDialog registers the dialog the UAS side creates when it
// sends its first 1xx-with-tag or the 2xx.
func (dl *DialogLayer) CreateServerDialog(rqst *SipMessage, localTag string, confirmed bool) *Dialog {
	id := DialogID{CallID: rqst.CallID(), LocalTag: localTag, RemoteTag: rqst.FromTag()}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dlg, ok := dl.dialogs[id]; ok {
		if confirmed {
			dlg.State = DialogConfirmed
		}
		return dlg
	}
	dlg := &Dialog{ID: id, State: DialogEarly}
	if confirmed {
		dlg.State = DialogConfirmed
	}
	if rqst.Header.CSeq != nil {
		dlg.RemoteCSeq = rqst.Header.CSeq.Num
	}
	if len(rqst.Header.Contact) > 0 {
		dlg.RemoteTarget = rqst.Header.Contact[0].Uri
	}
	for i := len(rqst.Header.RecordRoute) - 1; i >= 0; i-- {
		dlg.RouteSet = append(dlg.RouteSet, rqst.Header.RecordRoute[i])
	}
	dl.dialogs[id] = dlg
	return dlg
}

func (dl *DialogLayer) findForOutgoing(msg *SipMessage) *Dialog {
	localTag := msg.FromTag()
	remoteTag := msg.ToTag()
	if remoteTag == "" {
		return nil
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.dialogs[DialogID{CallID: msg.CallID(), LocalTag: localTag, RemoteTag: remoteTag}]
}

func (dl *DialogLayer) Find(id DialogID) *Dialog {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.dialogs[id]
}

func (dl *DialogLayer) Terminate(id DialogID) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dlg, ok := dl.dialogs[id]; ok {
		dlg.State = DialogTerminated
		delete(dl.dialogs, id)
	}
}

func (dl *DialogLayer) Count() int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return len(dl.dialogs)
}

func hasMagicCookie(branch string) bool {
	return len(branch) > len(global.MagicCookie) && branch[:len(global.MagicCookie)] == global.MagicCookie
}
