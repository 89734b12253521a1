package sip

import (
	"fmt"
	"strings"

	"sipcallgo/global"
)

// MessageHeader is the typed header record: one slot per supported
// field. Slots are nil/empty when the field is absent. The field codec
// (fieldparse.go / fieldcompose.go) is the only code that converts
// between this record and the wire's internal field form.
type MessageHeader struct {
	Via     []ViaEntry
	From    *NameAddr
	To      *NameAddr
	Contact []NameAddr
	CallID  string
	CSeq    *CSeqValue

	MaxForwards   *int
	ContentLength *int
	Expires       *int
	MinExpires    *int
	RetryAfter    *int

	ContentType        *ContentTypeValue
	ContentDisposition *DispositionValue
	ContentEncoding    []string
	ContentLanguage    []string
	MIMEVersion        string

	Route       []NameAddr
	RecordRoute []NameAddr
	ReplyTo     *NameAddr

	Accept         []AcceptValue
	AcceptEncoding []TokenParams
	AcceptLanguage []TokenParams

	Allow        []string
	Require      []string
	ProxyRequire []string
	Supported    []string
	Unsupported  []string

	AlertInfo []InfoValue
	CallInfo  []InfoValue
	ErrorInfo []InfoValue

	Authorization      *DigestValue
	ProxyAuthorization *DigestValue
	WWWAuthenticate    *DigestValue
	ProxyAuthenticate  *DigestValue
	AuthenticationInfo *DigestValue

	Date         string
	InReplyTo    []string
	Organization string
	Priority     string
	Server       string
	Subject      string
	Timestamp    string
	UserAgent    string
	Warning      []WarningValue
}

// ViaEntry is one Via hop: SIP/<version>/<transport> host[:port] plus
// its parameters. Rport is -1 when absent, 0 when present as a flag.
type ViaEntry struct {
	Version   string
	Transport string
	Host      string
	Port      int

	Branch   string
	Received string
	Rport    int

	Parameters []Parameter // parameters other than branch/received/rport
}

func (v *ViaEntry) HostPort() string {
	host := v.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if v.Port == 0 {
		return host
	}
	return fmt.Sprintf("%s:%d", host, v.Port)
}

type CSeqValue struct {
	Num    uint32
	Method global.Method
}

type ContentTypeValue struct {
	Type       string
	Subtype    string
	Parameters []Parameter
}

func (ct *ContentTypeValue) MediaType() string {
	return ct.Type + "/" + ct.Subtype
}

type DispositionValue struct {
	Type       string
	Parameters []Parameter
}

type AcceptValue struct {
	Type       string
	Subtype    string
	Parameters []Parameter
}

type TokenParams struct {
	Token      string
	Parameters []Parameter
}

type InfoValue struct {
	Uri        string
	Parameters []Parameter
}

type WarningValue struct {
	Code  int
	Agent string
	Text  string
}

// DigestValue covers the five digest fields: the Digest scheme keyword
// followed by ordered comma-separated directives. quoted directives per
// RFC 3261 section 25.1 are recorded unquoted here and re-quoted by the
// composer.
type DigestValue struct {
	Scheme     string
	Directives []Parameter
}

func (dv *DigestValue) Directive(nm string) (string, bool) {
	for _, d := range dv.Directives {
		if d.Name == nm {
			return d.Value, true
		}
	}
	return "", false
}

func (dv *DigestValue) SetDirective(nm, val string) {
	for i := range dv.Directives {
		if dv.Directives[i].Name == nm {
			dv.Directives[i].Value = val
			return
		}
	}
	dv.Directives = append(dv.Directives, Parameter{Name: nm, Value: val})
}

// =================================================================

func NewMessageHeader() *MessageHeader {
	return &MessageHeader{}
}

func (h *MessageHeader) TopVia() *ViaEntry {
	if len(h.Via) == 0 {
		return nil
	}
	return &h.Via[0]
}

func (h *MessageHeader) PopVia() *ViaEntry {
	if len(h.Via) == 0 {
		return nil
	}
	top := h.Via[0]
	h.Via = h.Via[1:]
	return &top
}

func (h *MessageHeader) FromTag() string {
	if h.From == nil {
		return ""
	}
	tag, _ := h.From.Parameter("tag")
	return tag
}

func (h *MessageHeader) ToTag() string {
	if h.To == nil {
		return ""
	}
	tag, _ := h.To.Parameter("tag")
	return tag
}

func (h *MessageHeader) BodyLength() int {
	if h.ContentLength == nil {
		return 0
	}
	return *h.ContentLength
}

func intPtr(v int) *int { return &v }

// =================================================================
// Compact forms accepted on the wire (RFC 3261 section 7.3.3)

var compactNames = map[string]string{
	"i": "call-id",
	"m": "contact",
	"l": "content-length",
	"c": "content-type",
	"f": "from",
	"t": "to",
	"v": "via",
	"e": "content-encoding",
	"k": "supported",
	"s": "subject",
}

func expandCompactName(nm string) string {
	if full, ok := compactNames[nm]; ok {
		return full
	}
	return nm
}

// headerCase returns the canonical header name for composing.
var properNames = map[string]string{
	"accept":              "Accept",
	"accept-encoding":     "Accept-Encoding",
	"accept-language":     "Accept-Language",
	"alert-info":          "Alert-Info",
	"allow":               "Allow",
	"authentication-info": "Authentication-Info",
	"authorization":       "Authorization",
	"call-id":             "Call-ID",
	"call-info":           "Call-Info",
	"contact":             "Contact",
	"content-disposition": "Content-Disposition",
	"content-encoding":    "Content-Encoding",
	"content-language":    "Content-Language",
	"content-length":      "Content-Length",
	"content-type":        "Content-Type",
	"cseq":                "CSeq",
	"date":                "Date",
	"error-info":          "Error-Info",
	"expires":             "Expires",
	"from":                "From",
	"in-reply-to":         "In-Reply-To",
	"max-forwards":        "Max-Forwards",
	"mime-version":        "MIME-Version",
	"min-expires":         "Min-Expires",
	"organization":        "Organization",
	"priority":            "Priority",
	"proxy-authenticate":  "Proxy-Authenticate",
	"proxy-authorization": "Proxy-Authorization",
	"proxy-require":       "Proxy-Require",
	"record-route":        "Record-Route",
	"reply-to":            "Reply-To",
	"require":             "Require",
	"retry-after":         "Retry-After",
	"route":               "Route",
	"server":              "Server",
	"subject":             "Subject",
	"supported":           "Supported",
	"timestamp":           "Timestamp",
	"to":                  "To",
	"unsupported":         "Unsupported",
	"user-agent":          "User-Agent",
	"via":                 "Via",
	"warning":             "Warning",
	"www-authenticate":    "WWW-Authenticate",
}

func headerCase(nm string) string {
	if proper, ok := properNames[nm]; ok {
		return proper
	}
	return nm
}
