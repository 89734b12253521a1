package sip

import (
	"fmt"
	"strings"
)

// Per-field composers. Each composer renders one slot of the typed
// header back into zero or more wire lines. composeHeader walks the
// canonical order; Content-Length is always last.

type composedLine struct {
	name  string // canonical case
	value string
}

func composeHeader(h *MessageHeader) []composedLine {
	var out []composedLine
	add := func(name, value string) {
		if value != "" {
			out = append(out, composedLine{name: name, value: value})
		}
	}

	for i := range h.Via {
		add("Via", composeVia(&h.Via[i]))
	}
	if h.MaxForwards != nil {
		add("Max-Forwards", fmt.Sprintf("%d", *h.MaxForwards))
	}
	add("Route", composeAddrList(h.Route))
	add("Record-Route", composeAddrList(h.RecordRoute))
	if h.From != nil {
		add("From", h.From.String())
	}
	if h.To != nil {
		add("To", h.To.String())
	}
	add("Call-ID", h.CallID)
	if h.CSeq != nil {
		add("CSeq", fmt.Sprintf("%d %s", h.CSeq.Num, h.CSeq.Method.String()))
	}
	add("Contact", composeAddrList(h.Contact))
	if h.Expires != nil {
		add("Expires", fmt.Sprintf("%d", *h.Expires))
	}
	if h.MinExpires != nil {
		add("Min-Expires", fmt.Sprintf("%d", *h.MinExpires))
	}
	if h.RetryAfter != nil {
		add("Retry-After", fmt.Sprintf("%d", *h.RetryAfter))
	}
	if h.Authorization != nil {
		add("Authorization", composeDigest(h.Authorization))
	}
	if h.ProxyAuthorization != nil {
		add("Proxy-Authorization", composeDigest(h.ProxyAuthorization))
	}
	if h.WWWAuthenticate != nil {
		add("WWW-Authenticate", composeDigest(h.WWWAuthenticate))
	}
	if h.ProxyAuthenticate != nil {
		add("Proxy-Authenticate", composeDigest(h.ProxyAuthenticate))
	}
	if h.AuthenticationInfo != nil {
		add("Authentication-Info", composeDigest(h.AuthenticationInfo))
	}
	add("Allow", strings.Join(h.Allow, ", "))
	add("Supported", strings.Join(h.Supported, ", "))
	add("Require", strings.Join(h.Require, ", "))
	add("Proxy-Require", strings.Join(h.ProxyRequire, ", "))
	add("Unsupported", strings.Join(h.Unsupported, ", "))
	add("Accept", composeAcceptList(h.Accept))
	add("Accept-Encoding", composeTokenParamsList(h.AcceptEncoding))
	add("Accept-Language", composeTokenParamsList(h.AcceptLanguage))
	add("Alert-Info", composeInfoList(h.AlertInfo))
	add("Call-Info", composeInfoList(h.CallInfo))
	add("Error-Info", composeInfoList(h.ErrorInfo))
	if h.ReplyTo != nil {
		add("Reply-To", h.ReplyTo.String())
	}
	add("In-Reply-To", strings.Join(h.InReplyTo, ", "))
	add("Date", h.Date)
	add("Organization", h.Organization)
	add("Priority", h.Priority)
	add("Server", h.Server)
	add("Subject", h.Subject)
	add("Timestamp", h.Timestamp)
	add("User-Agent", h.UserAgent)
	add("Warning", composeWarningList(h.Warning))
	add("MIME-Version", h.MIMEVersion)
	if h.ContentDisposition != nil {
		add("Content-Disposition", composeDisposition(h.ContentDisposition))
	}
	add("Content-Encoding", strings.Join(h.ContentEncoding, ", "))
	add("Content-Language", strings.Join(h.ContentLanguage, ", "))
	if h.ContentType != nil {
		add("Content-Type", composeContentType(h.ContentType))
	}
	if h.ContentLength != nil {
		add("Content-Length", fmt.Sprintf("%d", *h.ContentLength))
	}
	return out
}

// =================================================================

func composeVia(v *ViaEntry) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("SIP/%s/%s %s", v.Version, v.Transport, v.HostPort()))
	if v.Rport == 0 {
		sb.WriteString(";rport")
	} else if v.Rport > 0 {
		sb.WriteString(fmt.Sprintf(";rport=%d", v.Rport))
	}
	if v.Received != "" {
		sb.WriteString(fmt.Sprintf(";received=%s", v.Received))
	}
	if v.Branch != "" {
		sb.WriteString(fmt.Sprintf(";branch=%s", v.Branch))
	}
	for _, p := range v.Parameters {
		if p.Value == "" {
			sb.WriteString(fmt.Sprintf(";%s", p.Name))
		} else {
			sb.WriteString(fmt.Sprintf(";%s=%s", p.Name, p.Value))
		}
	}
	return sb.String()
}

func composeAddrList(nas []NameAddr) string {
	parts := make([]string, 0, len(nas))
	for i := range nas {
		parts = append(parts, nas[i].String())
	}
	return strings.Join(parts, ", ")
}

func composeContentType(ct *ContentTypeValue) string {
	var sb strings.Builder
	sb.WriteString(ct.MediaType())
	for _, p := range ct.Parameters {
		sb.WriteString(fmt.Sprintf(";%s=%s", p.Name, p.Value))
	}
	return sb.String()
}

func composeDisposition(dv *DispositionValue) string {
	var sb strings.Builder
	sb.WriteString(dv.Type)
	for _, p := range dv.Parameters {
		if p.Value == "" {
			sb.WriteString(fmt.Sprintf(";%s", p.Name))
		} else {
			sb.WriteString(fmt.Sprintf(";%s=%s", p.Name, p.Value))
		}
	}
	return sb.String()
}

func composeAcceptList(avs []AcceptValue) string {
	parts := make([]string, 0, len(avs))
	for _, av := range avs {
		var sb strings.Builder
		sb.WriteString(av.Type + "/" + av.Subtype)
		for _, p := range av.Parameters {
			sb.WriteString(fmt.Sprintf(";%s=%s", p.Name, p.Value))
		}
		parts = append(parts, sb.String())
	}
	return strings.Join(parts, ", ")
}

func composeTokenParamsList(tps []TokenParams) string {
	parts := make([]string, 0, len(tps))
	for _, tp := range tps {
		var sb strings.Builder
		sb.WriteString(tp.Token)
		for _, p := range tp.Parameters {
			if p.Value == "" {
				sb.WriteString(fmt.Sprintf(";%s", p.Name))
			} else {
				sb.WriteString(fmt.Sprintf(";%s=%s", p.Name, p.Value))
			}
		}
		parts = append(parts, sb.String())
	}
	return strings.Join(parts, ", ")
}

func composeInfoList(ivs []InfoValue) string {
	parts := make([]string, 0, len(ivs))
	for _, iv := range ivs {
		var sb strings.Builder
		sb.WriteString("<" + iv.Uri + ">")
		for _, p := range iv.Parameters {
			sb.WriteString(fmt.Sprintf(";%s=%s", p.Name, p.Value))
		}
		parts = append(parts, sb.String())
	}
	return strings.Join(parts, ", ")
}

func composeWarningList(wvs []WarningValue) string {
	parts := make([]string, 0, len(wvs))
	for _, wv := range wvs {
		parts = append(parts, fmt.Sprintf(`%d %s "%s"`, wv.Code, wv.Agent, wv.Text))
	}
	return strings.Join(parts, ", ")
}

// digest string directives are double-quoted per RFC 3261 section 25.1;
// token-valued ones stay bare.
var bareDigestDirectives = map[string]bool{
	"algorithm": true,
	"stale":     true,
	"nc":        true,
	"qop":       true, // quoted in challenges, bare in credentials; bare accepted everywhere
}

func composeDigest(dv *DigestValue) string {
	var sb strings.Builder
	if dv.Scheme != "" {
		sb.WriteString(dv.Scheme)
		sb.WriteByte(' ')
	}
	for i, d := range dv.Directives {
		if i > 0 {
			sb.WriteString(", ")
		}
		if bareDigestDirectives[d.Name] {
			sb.WriteString(fmt.Sprintf("%s=%s", d.Name, d.Value))
		} else {
			sb.WriteString(fmt.Sprintf("%s=%q", d.Name, d.Value))
		}
	}
	return sb.String()
}
