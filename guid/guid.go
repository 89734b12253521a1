package guid

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"sipcallgo/global"
)

// New identifiers for dialogs and transactions. Backed by random v4
// UUIDs; the short forms reuse the tail bytes the way Call-ID, branch
// and tag values are usually seen on the wire.

func GetKey() string {
	return uuid.NewString()
}

func NewCallID() string {
	u := uuid.New()
	return fmt.Sprintf("%s@%x", generateRandomHex(6), u[8:16])
}

func NewViaBranch() string {
	u := uuid.New()
	return fmt.Sprintf("%s%x", global.MagicCookie, u[8:16])
}

func NewTag() string {
	u := uuid.New()
	return fmt.Sprintf("%x", u[8:14])
}

// NewUfrag and NewPwd generate ICE short-term credentials for SDP
// ice-ufrag/ice-pwd attributes.
func NewUfrag() string {
	return generateRandomHex(4)
}

func NewPwd() string {
	return generateRandomHex(12)
}

func NewTiebreaker() uint64 {
	var b [8]byte
	rand.Read(b[:])
	var out uint64
	for _, c := range b {
		out = out<<8 | uint64(c)
	}
	return out
}

func generateRandomHex(n int) string {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return uuid.NewString()[:2*n]
	}
	return hex.EncodeToString(bytes)
}

// Md5Hash is the digest-auth hashing primitive (RFC 3261 section 22).
func Md5Hash(data string) string {
	hash := md5.Sum([]byte(data))
	return hex.EncodeToString(hash[:])
}

func GenerateCNonce() string {
	return generateRandomHex(8)
}
