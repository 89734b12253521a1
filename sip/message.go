package sip

import (
	"bytes"
	"cmp"
	"fmt"
	"strings"

	"sipcallgo/global"
	"sipcallgo/system"
)

// SipMessage is one parsed request or response: start line, typed
// header, opaque body bytes plus a typed content marker.
type SipMessage struct {
	MsgType   global.MessageType
	StartLine SipStartLine
	Header    *MessageHeader

	BodyType global.BodyType
	Body     []byte

	// PoppedVia keeps the Via the routing layer removed from an
	// incoming response, so upper stages can read received/rport.
	PoppedVia *ViaEntry
}

func NewRequestMessage(md global.Method, ruri URI) *SipMessage {
	return &SipMessage{
		MsgType:   global.REQUEST,
		StartLine: SipStartLine{Method: md, RUri: ruri},
		Header:    NewMessageHeader(),
	}
}

func NewResponseMessage(sc int, rp string) *SipMessage {
	sipmsg := &SipMessage{MsgType: global.RESPONSE, Header: NewMessageHeader()}
	if 100 <= sc && sc <= 699 {
		sipmsg.StartLine.StatusCode = sc
		dflt := global.DicResponse[(sc/100)*100]
		sipmsg.StartLine.ReasonPhrase = cmp.Or(rp, global.DicResponse[sc], dflt)
	}
	return sipmsg
}

func (sipmsg *SipMessage) IsRequest() bool {
	return sipmsg.MsgType == global.REQUEST
}

func (sipmsg *SipMessage) IsResponse() bool {
	return sipmsg.MsgType == global.RESPONSE
}

func (sipmsg *SipMessage) GetMethod() global.Method {
	if sipmsg.IsRequest() {
		return sipmsg.StartLine.Method
	}
	if sipmsg.Header.CSeq != nil {
		return sipmsg.Header.CSeq.Method
	}
	return global.UNKNOWN
}

func (sipmsg *SipMessage) GetStatusCode() int {
	return sipmsg.StartLine.StatusCode
}

func (sipmsg *SipMessage) CallID() string {
	return sipmsg.Header.CallID
}

func (sipmsg *SipMessage) FromTag() string {
	return sipmsg.Header.FromTag()
}

func (sipmsg *SipMessage) ToTag() string {
	return sipmsg.Header.ToTag()
}

func (sipmsg *SipMessage) ViaBranch() string {
	if top := sipmsg.Header.TopVia(); top != nil {
		return top.Branch
	}
	return ""
}

func (sipmsg *SipMessage) IsOutOfDialogue() bool {
	return sipmsg.ToTag() == ""
}

func (sipmsg *SipMessage) ContainsSDP() bool {
	return sipmsg.BodyType == global.SDP && len(sipmsg.Body) > 0
}

// =================================================================
// Parsing

// ParseMessage turns one framed message (header bytes + body bytes)
// into a SipMessage. The error reports why the message was discarded;
// a non-nil message alongside the error means the top Via parsed and a
// 400 may be sent back.
func ParseMessage(headerBytes, body []byte) (*SipMessage, error) {
	rawLines := strings.Split(strings.TrimSuffix(string(headerBytes), "\r\n\r\n"), "\r\n")
	lines := UnfoldLines(rawLines)
	if len(lines) == 0 {
		return nil, global.NewError(400, "empty message")
	}

	startLine, msgType, ok := parseStartLine(lines[0])
	if !ok {
		return nil, global.NewError(400, "invalid start line")
	}

	sipmsg := &SipMessage{MsgType: msgType, StartLine: startLine, Header: NewMessageHeader()}

	for _, ln := range lines[1:] {
		if ln == "" {
			continue
		}
		fld, ok := LexFieldLine(ln)
		if !ok {
			system.LogError(system.LTBadSIPMessage, fmt.Sprintf("Unparsable header line [%s]", ln))
			return viaAwareError(sipmsg, "bad header line")
		}
		if !parseField(sipmsg.Header, &fld) {
			return viaAwareError(sipmsg, fmt.Sprintf("bad field [%s]", fld.Name))
		}
	}

	if err := validateHeader(sipmsg); err != nil {
		return viaAwareError(sipmsg, err.Error())
	}

	sipmsg.Body = body
	if sipmsg.Header.ContentType != nil {
		sipmsg.BodyType = global.GetBodyType(sipmsg.Header.ContentType.MediaType())
	} else if len(body) > 0 {
		sipmsg.BodyType = global.Unknown
	}
	return sipmsg, nil
}

// viaAwareError keeps the partial message when its top Via parsed so
// the caller may answer 400 Bad Request, and drops it otherwise.
func viaAwareError(sipmsg *SipMessage, details string) (*SipMessage, error) {
	err := global.NewError(400, details)
	if sipmsg.IsRequest() && sipmsg.Header.TopVia() != nil {
		return sipmsg, err
	}
	return nil, err
}

func validateHeader(sipmsg *SipMessage) error {
	h := sipmsg.Header
	if len(h.Via) == 0 {
		return global.NewError(400, "missing Via")
	}
	if h.From == nil || h.To == nil {
		return global.NewError(400, "missing To/From")
	}
	if h.CallID == "" {
		return global.NewError(400, "missing Call-ID")
	}
	if h.CSeq == nil {
		return global.NewError(400, "missing CSeq")
	}
	if sipmsg.IsRequest() {
		if !hasMagicCookie(h.Via[0].Branch) {
			return global.NewError(400, "Via branch lacks the magic cookie")
		}
		md := sipmsg.StartLine.Method
		cm := h.CSeq.Method
		// ACK and CANCEL carry the original INVITE's CSeq method slot
		switch md {
		case global.ACK, global.CANCEL:
			if cm != md && cm != global.INVITE {
				return global.NewError(400, "CSeq method mismatch")
			}
		default:
			if cm != md && !(md == global.ReINVITE && cm == global.INVITE) {
				return global.NewError(400, "CSeq method mismatch")
			}
		}
		if h.MaxForwards != nil && (*h.MaxForwards < 0 || *h.MaxForwards > 255) {
			return global.NewError(400, "Max-Forwards out of range")
		}
	}
	return nil
}

// =================================================================
// Composing

// Bytes renders the message. Content-Length is always recomputed from
// the body; a request URI gains transport=tcp when composed.
func (sipmsg *SipMessage) Bytes() []byte {
	var bb bytes.Buffer

	sipmsg.Header.ContentLength = intPtr(len(sipmsg.Body))
	if len(sipmsg.Body) > 0 && sipmsg.Header.ContentType == nil && sipmsg.BodyType != global.None {
		if mt := sipmsg.BodyType.ContentType(); mt != "" {
			parts := strings.SplitN(mt, "/", 2)
			sipmsg.Header.ContentType = &ContentTypeValue{Type: parts[0], Subtype: parts[1]}
		}
	}

	if sipmsg.IsRequest() {
		if _, ok := sipmsg.StartLine.RUri.Parameter("transport"); !ok {
			sipmsg.StartLine.RUri.SetParameter("transport", "tcp")
		}
		bb.WriteString(sipmsg.StartLine.composeRequest())
	} else {
		bb.WriteString(sipmsg.StartLine.composeResponse())
	}
	bb.WriteString("\r\n")

	for _, ln := range composeHeader(sipmsg.Header) {
		bb.WriteString(ln.name)
		bb.WriteString(": ")
		bb.WriteString(ln.value)
		bb.WriteString("\r\n")
	}
	bb.WriteString("\r\n")
	bb.Write(sipmsg.Body)
	return bb.Bytes()
}

// BuildResponse makes a response to a request, inheriting Via, To,
// From, Call-ID and CSeq verbatim as required.
func BuildResponse(rqst *SipMessage, sc int, rp string) *SipMessage {
	rsps := NewResponseMessage(sc, rp)
	rsps.Header.Via = append([]ViaEntry(nil), rqst.Header.Via...)
	rsps.Header.From = cloneNameAddr(rqst.Header.From)
	rsps.Header.To = cloneNameAddr(rqst.Header.To)
	rsps.Header.CallID = rqst.Header.CallID
	if rqst.Header.CSeq != nil {
		cs := *rqst.Header.CSeq
		rsps.Header.CSeq = &cs
	}
	return rsps
}

func cloneNameAddr(na *NameAddr) *NameAddr {
	if na == nil {
		return nil
	}
	cp := *na
	cp.Parameters = append([]Parameter(nil), na.Parameters...)
	cp.Uri.Parameters = append([]Parameter(nil), na.Uri.Parameters...)
	cp.Uri.Headers = append([]Parameter(nil), na.Uri.Headers...)
	return &cp
}
