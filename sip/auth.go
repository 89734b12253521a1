package sip

import (
	"fmt"

	"sipcallgo/global"
	"sipcallgo/guid"
)

// Credentials feed the digest challenge handling of the client
// transaction layer (RFC 3261 section 22, MD5).
type Credentials struct {
	Username string
	Password string

	// nonce bookkeeping: a retry with the same nonce means the
	// credentials were rejected and the failure is surfaced instead
	lastNonce  string
	nonceCount int
}

// answerChallenge builds the Authorization/Proxy-Authorization value
// for a challenge. Returns nil when no credentials are available or
// when the server repeated a nonce we already answered.
func (cr *Credentials) answerChallenge(challenge *DigestValue, method global.Method, ruri *URI) *DigestValue {
	if cr == nil || cr.Username == "" {
		return nil
	}
	nonce, _ := challenge.Directive("nonce")
	realm, _ := challenge.Directive("realm")
	if nonce == "" || nonce == cr.lastNonce {
		return nil
	}
	cr.lastNonce = nonce
	cr.nonceCount = 1

	uri := ruri.String()
	ha1 := guid.Md5Hash(fmt.Sprintf("%s:%s:%s", cr.Username, realm, cr.Password))
	ha2 := guid.Md5Hash(fmt.Sprintf("%s:%s", method.String(), uri))

	author := &DigestValue{Scheme: "Digest"}
	author.SetDirective("username", cr.Username)
	author.SetDirective("realm", realm)
	author.SetDirective("nonce", nonce)
	author.SetDirective("uri", uri)

	qop, _ := challenge.Directive("qop")
	if qop != "" {
		// qop=auth: response covers cnonce and nc; each nonce is
		// answered once, so nc is always 00000001
		cnonce := guid.GenerateCNonce()
		nc := fmt.Sprintf("%08x", cr.nonceCount)
		response := guid.Md5Hash(fmt.Sprintf("%s:%s:%s:%s:auth:%s", ha1, nonce, nc, cnonce, ha2))
		author.SetDirective("response", response)
		author.SetDirective("cnonce", cnonce)
		author.SetDirective("nc", nc)
		author.SetDirective("qop", "auth")
	} else {
		author.SetDirective("response", guid.Md5Hash(fmt.Sprintf("%s:%s:%s", ha1, nonce, ha2)))
	}
	author.SetDirective("algorithm", "MD5")
	if opaque, ok := challenge.Directive("opaque"); ok {
		author.SetDirective("opaque", opaque)
	}
	return author
}
