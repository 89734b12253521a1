package sip

import (
	"fmt"
	"strings"

	"sipcallgo/global"
	"sipcallgo/system"
)

// Per-field parsers. Each parser validates one lexed field and
// populates one slot of the typed header; a parser that fails sets no
// slot and returns false, which aborts the enclosing message parse.
//
// Common precondition (checked by parseField): at least one value set
// whose first set has at least one word. Fields marked noWords opt out.

type fieldParser struct {
	parse   func(h *MessageHeader, fld *Field) bool
	noWords bool // precondition exception: empty first value set allowed
}

var fieldParsers = map[string]fieldParser{
	"via":                 {parse: parseVia},
	"from":                {parse: parseFrom},
	"to":                  {parse: parseTo},
	"contact":             {parse: parseContact},
	"call-id":             {parse: parseCallID},
	"cseq":                {parse: parseCSeq},
	"max-forwards":        {parse: parseMaxForwards},
	"content-length":      {parse: parseContentLength},
	"content-type":        {parse: parseContentType},
	"content-disposition": {parse: parseContentDisposition},
	"content-encoding":    {parse: parseContentEncoding},
	"content-language":    {parse: parseContentLanguage},
	"mime-version":        {parse: parseMIMEVersion},
	"expires":             {parse: parseExpires},
	"min-expires":         {parse: parseMinExpires},
	"retry-after":         {parse: parseRetryAfter},
	"route":               {parse: parseRoute},
	"record-route":        {parse: parseRecordRoute},
	"reply-to":            {parse: parseReplyTo},
	"accept":              {parse: parseAccept, noWords: true},
	"accept-encoding":     {parse: parseAcceptEncoding, noWords: true},
	"accept-language":     {parse: parseAcceptLanguage, noWords: true},
	"allow":               {parse: parseAllow, noWords: true},
	"require":             {parse: parseRequire},
	"proxy-require":       {parse: parseProxyRequire},
	"supported":           {parse: parseSupported, noWords: true},
	"unsupported":         {parse: parseUnsupported},
	"alert-info":          {parse: parseAlertInfo},
	"call-info":           {parse: parseCallInfo},
	"error-info":          {parse: parseErrorInfo},
	"authorization":       {parse: parseAuthorization},
	"proxy-authorization": {parse: parseProxyAuthorization},
	"www-authenticate":    {parse: parseWWWAuthenticate},
	"proxy-authenticate":  {parse: parseProxyAuthenticate},
	"authentication-info": {parse: parseAuthenticationInfo},
	"date":                {parse: parseDate},
	"in-reply-to":         {parse: parseInReplyTo},
	"organization":        {parse: parseOrganization, noWords: true},
	"priority":            {parse: parsePriority},
	"server":              {parse: parseServer},
	"subject":             {parse: parseSubject, noWords: true},
	"timestamp":           {parse: parseTimestamp},
	"user-agent":          {parse: parseUserAgent},
	"warning":             {parse: parseWarning},
}

// parseField dispatches one lexed field into the header. Unknown field
// names are logged and skipped without failing the message.
func parseField(h *MessageHeader, fld *Field) bool {
	fp, ok := fieldParsers[fld.Name]
	if !ok {
		system.LogWarning(system.LTSIPStack, fmt.Sprintf("Field [%s] not implemented - skipped", fld.Name))
		return true
	}
	if !fp.noWords {
		if len(fld.ValueSets) == 0 || len(fld.ValueSets[0].Words) == 0 {
			system.LogError(system.LTBadSIPMessage, fmt.Sprintf("Field [%s] with empty value", fld.Name))
			return false
		}
	}
	return fp.parse(h, fld)
}

// =================================================================

func parseVia(h *MessageHeader, fld *Field) bool {
	for i := range fld.ValueSets {
		vs := &fld.ValueSets[i]
		if len(vs.Words) < 2 {
			return false
		}
		proto := strings.Split(vs.Words[0], "/")
		if len(proto) != 3 || !system.EqualsFold(proto[0], "SIP") {
			return false
		}
		host, port, ok := splitHostPort(vs.Words[1])
		if !ok {
			return false
		}
		entry := ViaEntry{
			Version:   proto[1],
			Transport: system.ASCIIToUpper(proto[2]),
			Host:      host,
			Port:      port,
			Rport:     -1,
		}
		for _, p := range vs.Parameters {
			switch p.Name {
			case "branch":
				entry.Branch = p.Value
			case "received":
				entry.Received = p.Value
			case "rport":
				if p.Value == "" {
					entry.Rport = 0
				} else {
					rp, ok := system.Str2IntCheck[int](p.Value)
					if !ok {
						return false
					}
					entry.Rport = rp
				}
			default:
				entry.Parameters = append(entry.Parameters, p)
			}
		}
		h.Via = append(h.Via, entry)
	}
	return true
}

func parseFrom(h *MessageHeader, fld *Field) bool {
	na, ok := parseNameAddr(&fld.ValueSets[0])
	if !ok {
		return false
	}
	h.From = &na
	return true
}

func parseTo(h *MessageHeader, fld *Field) bool {
	na, ok := parseNameAddr(&fld.ValueSets[0])
	if !ok {
		return false
	}
	h.To = &na
	return true
}

func parseContact(h *MessageHeader, fld *Field) bool {
	for i := range fld.ValueSets {
		na, ok := parseNameAddr(&fld.ValueSets[i])
		if !ok {
			return false
		}
		h.Contact = append(h.Contact, na)
	}
	return true
}

func parseCallID(h *MessageHeader, fld *Field) bool {
	h.CallID = fld.ValueSets[0].Words[0]
	return h.CallID != ""
}

func parseCSeq(h *MessageHeader, fld *Field) bool {
	vs := &fld.ValueSets[0]
	if len(vs.Words) != 2 {
		return false
	}
	num, ok := system.Str2UintCheck[uint32](vs.Words[0])
	if !ok || num == 0 {
		return false
	}
	method := global.MethodFromName(system.ASCIIToUpper(vs.Words[1]))
	if method == global.UNKNOWN {
		return false
	}
	h.CSeq = &CSeqValue{Num: num, Method: method}
	return true
}

func parseMaxForwards(h *MessageHeader, fld *Field) bool {
	mf, ok := system.Str2IntDefaultMinMax(fld.ValueSets[0].Words[0], 0, 0, 255)
	if !ok {
		return false
	}
	h.MaxForwards = intPtr(mf)
	return true
}

func parseContentLength(h *MessageHeader, fld *Field) bool {
	cl, ok := system.Str2IntCheck[int](fld.ValueSets[0].Words[0])
	if !ok || cl < 0 {
		return false
	}
	h.ContentLength = intPtr(cl)
	return true
}

func parseContentType(h *MessageHeader, fld *Field) bool {
	vs := &fld.ValueSets[0]
	parts := strings.SplitN(vs.Words[0], "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false
	}
	h.ContentType = &ContentTypeValue{
		Type:       system.ASCIIToLower(parts[0]),
		Subtype:    system.ASCIIToLower(parts[1]),
		Parameters: vs.Parameters,
	}
	return true
}

func parseContentDisposition(h *MessageHeader, fld *Field) bool {
	vs := &fld.ValueSets[0]
	h.ContentDisposition = &DispositionValue{Type: vs.Words[0], Parameters: vs.Parameters}
	return true
}

func parseContentEncoding(h *MessageHeader, fld *Field) bool {
	h.ContentEncoding = tokenList(fld)
	return len(h.ContentEncoding) > 0
}

func parseContentLanguage(h *MessageHeader, fld *Field) bool {
	h.ContentLanguage = tokenList(fld)
	return len(h.ContentLanguage) > 0
}

func parseMIMEVersion(h *MessageHeader, fld *Field) bool {
	h.MIMEVersion = fld.ValueSets[0].Words[0]
	return true
}

func parseExpires(h *MessageHeader, fld *Field) bool {
	v, ok := system.Str2IntCheck[int](fld.ValueSets[0].Words[0])
	if !ok || v < 0 {
		return false
	}
	h.Expires = intPtr(v)
	return true
}

func parseMinExpires(h *MessageHeader, fld *Field) bool {
	v, ok := system.Str2IntCheck[int](fld.ValueSets[0].Words[0])
	if !ok || v < 0 {
		return false
	}
	h.MinExpires = intPtr(v)
	return true
}

func parseRetryAfter(h *MessageHeader, fld *Field) bool {
	v, ok := system.Str2IntCheck[int](fld.ValueSets[0].Words[0])
	if !ok || v < 0 {
		return false
	}
	h.RetryAfter = intPtr(v)
	return true
}

func parseRoute(h *MessageHeader, fld *Field) bool {
	return parseAddrList(fld, &h.Route)
}

func parseRecordRoute(h *MessageHeader, fld *Field) bool {
	return parseAddrList(fld, &h.RecordRoute)
}

func parseReplyTo(h *MessageHeader, fld *Field) bool {
	na, ok := parseNameAddr(&fld.ValueSets[0])
	if !ok {
		return false
	}
	h.ReplyTo = &na
	return true
}

func parseAddrList(fld *Field, slot *[]NameAddr) bool {
	for i := range fld.ValueSets {
		na, ok := parseNameAddr(&fld.ValueSets[i])
		if !ok {
			return false
		}
		*slot = append(*slot, na)
	}
	return true
}

func parseAccept(h *MessageHeader, fld *Field) bool {
	for i := range fld.ValueSets {
		vs := &fld.ValueSets[i]
		if len(vs.Words) == 0 {
			continue
		}
		parts := strings.SplitN(vs.Words[0], "/", 2)
		if len(parts) != 2 {
			return false
		}
		h.Accept = append(h.Accept, AcceptValue{
			Type:       system.ASCIIToLower(parts[0]),
			Subtype:    system.ASCIIToLower(parts[1]),
			Parameters: vs.Parameters,
		})
	}
	return true
}

func parseAcceptEncoding(h *MessageHeader, fld *Field) bool {
	h.AcceptEncoding = tokenParamsList(fld)
	return true
}

func parseAcceptLanguage(h *MessageHeader, fld *Field) bool {
	h.AcceptLanguage = tokenParamsList(fld)
	return true
}

func parseAllow(h *MessageHeader, fld *Field) bool {
	h.Allow = tokenList(fld)
	return true
}

func parseRequire(h *MessageHeader, fld *Field) bool {
	h.Require = tokenList(fld)
	return len(h.Require) > 0
}

func parseProxyRequire(h *MessageHeader, fld *Field) bool {
	h.ProxyRequire = tokenList(fld)
	return len(h.ProxyRequire) > 0
}

func parseSupported(h *MessageHeader, fld *Field) bool {
	h.Supported = tokenList(fld)
	return true
}

func parseUnsupported(h *MessageHeader, fld *Field) bool {
	h.Unsupported = tokenList(fld)
	return len(h.Unsupported) > 0
}

func parseAlertInfo(h *MessageHeader, fld *Field) bool {
	return parseInfoList(fld, &h.AlertInfo)
}

func parseCallInfo(h *MessageHeader, fld *Field) bool {
	return parseInfoList(fld, &h.CallInfo)
}

func parseErrorInfo(h *MessageHeader, fld *Field) bool {
	return parseInfoList(fld, &h.ErrorInfo)
}

func parseInfoList(fld *Field, slot *[]InfoValue) bool {
	for i := range fld.ValueSets {
		vs := &fld.ValueSets[i]
		if len(vs.Words) == 0 {
			return false
		}
		uri := strings.TrimSuffix(strings.TrimPrefix(vs.Words[0], "<"), ">")
		if uri == "" {
			return false
		}
		*slot = append(*slot, InfoValue{Uri: uri, Parameters: vs.Parameters})
	}
	return true
}

func parseAuthorization(h *MessageHeader, fld *Field) bool {
	dv, ok := parseDigest(fld)
	if !ok {
		return false
	}
	h.Authorization = dv
	return true
}

func parseProxyAuthorization(h *MessageHeader, fld *Field) bool {
	dv, ok := parseDigest(fld)
	if !ok {
		return false
	}
	h.ProxyAuthorization = dv
	return true
}

func parseWWWAuthenticate(h *MessageHeader, fld *Field) bool {
	dv, ok := parseDigest(fld)
	if !ok {
		return false
	}
	h.WWWAuthenticate = dv
	return true
}

func parseProxyAuthenticate(h *MessageHeader, fld *Field) bool {
	dv, ok := parseDigest(fld)
	if !ok {
		return false
	}
	h.ProxyAuthenticate = dv
	return true
}

func parseAuthenticationInfo(h *MessageHeader, fld *Field) bool {
	// Authentication-Info carries bare directives without a scheme.
	dv := &DigestValue{}
	for i := range fld.ValueSets {
		for _, w := range fld.ValueSets[i].Words {
			nm, val, ok := splitDirective(w)
			if !ok {
				return false
			}
			dv.Directives = append(dv.Directives, Parameter{Name: nm, Value: val})
		}
	}
	if len(dv.Directives) == 0 {
		return false
	}
	h.AuthenticationInfo = dv
	return true
}

// parseDigest handles the challenge/credentials fields: the Digest
// scheme keyword followed by comma-separated directives.
func parseDigest(fld *Field) (*DigestValue, bool) {
	first := &fld.ValueSets[0]
	if !system.EqualsFold(first.Words[0], "Digest") {
		return nil, false
	}
	dv := &DigestValue{Scheme: "Digest"}
	addWords := func(words []string) bool {
		for _, w := range words {
			nm, val, ok := splitDirective(w)
			if !ok {
				return false
			}
			dv.Directives = append(dv.Directives, Parameter{Name: nm, Value: val})
		}
		return true
	}
	if !addWords(first.Words[1:]) {
		return nil, false
	}
	for i := 1; i < len(fld.ValueSets); i++ {
		if !addWords(fld.ValueSets[i].Words) {
			return nil, false
		}
	}
	return dv, true
}

func splitDirective(w string) (string, string, bool) {
	eq := strings.IndexByte(w, '=')
	if eq <= 0 {
		return "", "", false
	}
	nm := system.ASCIIToLower(strings.TrimSpace(w[:eq]))
	val := strings.Trim(w[eq+1:], `"`)
	return nm, val, true
}

func parseDate(h *MessageHeader, fld *Field) bool {
	h.Date = joinFreetext(fld)
	return h.Date != ""
}

func parseInReplyTo(h *MessageHeader, fld *Field) bool {
	h.InReplyTo = tokenList(fld)
	return len(h.InReplyTo) > 0
}

func parseOrganization(h *MessageHeader, fld *Field) bool {
	h.Organization = joinFreetext(fld)
	return true
}

func parsePriority(h *MessageHeader, fld *Field) bool {
	h.Priority = fld.ValueSets[0].Words[0]
	return true
}

func parseServer(h *MessageHeader, fld *Field) bool {
	h.Server = joinFreetext(fld)
	return h.Server != ""
}

func parseSubject(h *MessageHeader, fld *Field) bool {
	h.Subject = joinFreetext(fld)
	return true
}

func parseTimestamp(h *MessageHeader, fld *Field) bool {
	h.Timestamp = joinFreetext(fld)
	return h.Timestamp != ""
}

func parseUserAgent(h *MessageHeader, fld *Field) bool {
	h.UserAgent = joinFreetext(fld)
	return h.UserAgent != ""
}

func parseWarning(h *MessageHeader, fld *Field) bool {
	for i := range fld.ValueSets {
		vs := &fld.ValueSets[i]
		if len(vs.Words) < 3 {
			return false
		}
		code, ok := system.Str2IntCheck[int](vs.Words[0])
		if !ok {
			return false
		}
		h.Warning = append(h.Warning, WarningValue{
			Code:  code,
			Agent: vs.Words[1],
			Text:  strings.Trim(strings.Join(vs.Words[2:], " "), `"`),
		})
	}
	return true
}

// =================================================================

func tokenList(fld *Field) []string {
	var out []string
	for i := range fld.ValueSets {
		out = append(out, fld.ValueSets[i].Words...)
	}
	return out
}

func tokenParamsList(fld *Field) []TokenParams {
	var out []TokenParams
	for i := range fld.ValueSets {
		vs := &fld.ValueSets[i]
		if len(vs.Words) == 0 {
			continue
		}
		out = append(out, TokenParams{Token: vs.Words[0], Parameters: vs.Parameters})
	}
	return out
}

// joinFreetext reassembles fields whose value is display text rather
// than a token grammar (Date, Subject, Server and friends); top-level
// commas the lexer split on are put back.
func joinFreetext(fld *Field) string {
	parts := make([]string, 0, len(fld.ValueSets))
	for i := range fld.ValueSets {
		parts = append(parts, strings.Join(fld.ValueSets[i].Words, " "))
	}
	return strings.Join(parts, ", ")
}
