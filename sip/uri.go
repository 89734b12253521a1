package sip

import (
	"fmt"
	"strings"

	"sipcallgo/system"
)

// URI is a parsed sip/sips URI.
type URI struct {
	Scheme   string // "sip" or "sips"
	User     string
	Password string
	Host     string
	Port     int // 0 when absent

	Parameters []Parameter // ordered URI parameters
	Headers    []Parameter // ordered URI headers (?name=value&...)
}

// NameAddr is the addr-spec form used in To/From/Contact/Route and
// friends: optional display name, a URI, plus the field parameters that
// followed the closing angle bracket.
type NameAddr struct {
	DisplayName string
	Uri         URI
	Parameters  []Parameter
}

func ParseURI(raw string) (URI, bool) {
	var u URI
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "<")
	raw = strings.TrimSuffix(raw, ">")

	colon := strings.IndexByte(raw, ':')
	if colon <= 0 {
		return u, false
	}
	scheme := system.ASCIIToLower(raw[:colon])
	if scheme != "sip" && scheme != "sips" {
		return u, false
	}
	u.Scheme = scheme
	rest := raw[colon+1:]

	// URI headers
	if q := strings.IndexByte(rest, '?'); q != -1 {
		for _, hd := range strings.Split(rest[q+1:], "&") {
			if hd == "" {
				continue
			}
			nv := strings.SplitN(hd, "=", 2)
			p := Parameter{Name: nv[0]}
			if len(nv) == 2 {
				p.Value = nv[1]
			}
			u.Headers = append(u.Headers, p)
		}
		rest = rest[:q]
	}

	// userinfo
	if at := strings.LastIndexByte(rest, '@'); at != -1 {
		userinfo := rest[:at]
		rest = rest[at+1:]
		if c := strings.IndexByte(userinfo, ':'); c != -1 {
			u.User = userinfo[:c]
			u.Password = userinfo[c+1:]
		} else {
			u.User = userinfo
		}
		if u.User == "" {
			return u, false
		}
	}

	// URI parameters
	hostport := rest
	if sc := strings.IndexByte(rest, ';'); sc != -1 {
		hostport = rest[:sc]
		for _, pr := range strings.Split(rest[sc+1:], ";") {
			if pr == "" {
				continue
			}
			nv := strings.SplitN(pr, "=", 2)
			p := Parameter{Name: nv[0]}
			if len(nv) == 2 {
				p.Value = nv[1]
			}
			u.Parameters = append(u.Parameters, p)
		}
	}

	host, port, ok := splitHostPort(hostport)
	if !ok || host == "" {
		return u, false
	}
	u.Host = host
	u.Port = port
	return u, true
}

// splitHostPort handles bare hosts, host:port and bracketed IPv6 forms.
func splitHostPort(hostport string) (string, int, bool) {
	if hostport == "" {
		return "", 0, false
	}
	if hostport[0] == '[' {
		end := strings.IndexByte(hostport, ']')
		if end == -1 {
			return "", 0, false
		}
		host := hostport[1:end]
		rest := hostport[end+1:]
		if rest == "" {
			return host, 0, true
		}
		if rest[0] != ':' {
			return "", 0, false
		}
		port, ok := system.Str2IntCheck[int](rest[1:])
		if !ok || port <= 0 || port > 65535 {
			return "", 0, false
		}
		return host, port, true
	}
	if c := strings.LastIndexByte(hostport, ':'); c != -1 {
		// a second colon means an unbracketed IPv6 literal without port
		if strings.IndexByte(hostport, ':') != c {
			return hostport, 0, true
		}
		port, ok := system.Str2IntCheck[int](hostport[c+1:])
		if !ok || port <= 0 || port > 65535 {
			return "", 0, false
		}
		return hostport[:c], port, true
	}
	return hostport, 0, true
}

func (u *URI) HostPort() string {
	host := u.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if u.Port == 0 {
		return host
	}
	return fmt.Sprintf("%s:%d", host, u.Port)
}

func (u *URI) Parameter(nm string) (string, bool) {
	for _, p := range u.Parameters {
		if p.Name == nm {
			return p.Value, true
		}
	}
	return "", false
}

func (u *URI) SetParameter(nm, val string) {
	for i := range u.Parameters {
		if u.Parameters[i].Name == nm {
			u.Parameters[i].Value = val
			return
		}
	}
	u.Parameters = append(u.Parameters, Parameter{Name: nm, Value: val})
}

func (u *URI) String() string {
	var sb strings.Builder
	sb.WriteString(u.Scheme)
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(u.User)
		if u.Password != "" {
			sb.WriteByte(':')
			sb.WriteString(u.Password)
		}
		sb.WriteByte('@')
	}
	sb.WriteString(u.HostPort())
	for _, p := range u.Parameters {
		if p.Value == "" {
			sb.WriteString(fmt.Sprintf(";%s", p.Name))
		} else {
			sb.WriteString(fmt.Sprintf(";%s=%s", p.Name, p.Value))
		}
	}
	for i, h := range u.Headers {
		if i == 0 {
			sb.WriteByte('?')
		} else {
			sb.WriteByte('&')
		}
		sb.WriteString(h.Name)
		if h.Value != "" {
			sb.WriteByte('=')
			sb.WriteString(h.Value)
		}
	}
	return sb.String()
}

// =================================================================

// parseNameAddr builds a NameAddr from one lexed value set: either a
// display-named angle-bracketed URI or a bare URI. Field parameters
// stay attached to the NameAddr.
func parseNameAddr(vs *ValueSet) (NameAddr, bool) {
	var na NameAddr
	if len(vs.Words) == 0 {
		return na, false
	}

	uriWord := ""
	var nameWords []string
	for _, w := range vs.Words {
		if strings.HasPrefix(w, "<") && strings.HasSuffix(w, ">") {
			uriWord = w
		} else if uriWord == "" {
			nameWords = append(nameWords, w)
		}
	}
	if uriWord == "" {
		// bare URI form: exactly one word that parses as a URI
		uriWord = vs.Words[len(vs.Words)-1]
		nameWords = nil
	}

	u, ok := ParseURI(uriWord)
	if !ok {
		return na, false
	}
	na.Uri = u
	na.DisplayName = strings.Trim(strings.Join(nameWords, " "), `"`)
	na.Parameters = vs.Parameters
	return na, true
}

func (na *NameAddr) Parameter(nm string) (string, bool) {
	for _, p := range na.Parameters {
		if p.Name == nm {
			return p.Value, true
		}
	}
	return "", false
}

func (na *NameAddr) SetParameter(nm, val string) {
	for i := range na.Parameters {
		if na.Parameters[i].Name == nm {
			na.Parameters[i].Value = val
			return
		}
	}
	na.Parameters = append(na.Parameters, Parameter{Name: nm, Value: val})
}

func (na *NameAddr) DropParameter(nm string) {
	for i := range na.Parameters {
		if na.Parameters[i].Name == nm {
			na.Parameters = append(na.Parameters[:i], na.Parameters[i+1:]...)
			return
		}
	}
}

// valueSet renders a NameAddr. The URI is angle-bracketed whenever a
// display name, field parameters or URI parameters are present; a bare
// URI is used otherwise.
func (na *NameAddr) valueSet() ValueSet {
	var vs ValueSet
	needAngle := na.DisplayName != "" || len(na.Parameters) > 0 || len(na.Uri.Parameters) > 0
	if na.DisplayName != "" {
		nm := na.DisplayName
		if strings.ContainsAny(nm, " \t") {
			nm = `"` + nm + `"`
		}
		vs.Words = append(vs.Words, nm)
	}
	if needAngle {
		vs.Words = append(vs.Words, "<"+na.Uri.String()+">")
	} else {
		vs.Words = append(vs.Words, na.Uri.String())
	}
	vs.Parameters = na.Parameters
	return vs
}

func (na *NameAddr) String() string {
	vs := na.valueSet()
	return composeValueSet(&vs)
}
