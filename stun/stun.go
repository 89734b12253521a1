// Package stun implements the classic STUN (RFC 5389) subset used for
// ICE connectivity checks and server-reflexive discovery: Binding
// requests/responses with the USERNAME, MESSAGE-INTEGRITY, FINGERPRINT,
// PRIORITY, USE-CANDIDATE and ICE role attributes.
package stun

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"net"
)

// rfc 5389
//
//  0                   1                   2                   3
//  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |0 0|     STUN Message Type     |         Message Length        |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                         Magic Cookie                          |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                     Transaction ID (96 bits)                  |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

const (
	MagicCookie uint32 = 0x2112A442

	headerLength        = 20
	transactionIDLength = 12
	fingerprintXor      = 0x5354554e
)

// Message types.
const (
	TypeBindingRequest  uint16 = 0x0001
	TypeBindingSuccess  uint16 = 0x0101
	TypeBindingError    uint16 = 0x0111
	TypeAllocateRequest uint16 = 0x0003
	TypeAllocateSuccess uint16 = 0x0103
	TypeAllocateError   uint16 = 0x0113
)

// Attribute types.
const (
	AttrMappedAddress    uint16 = 0x0001
	AttrUsername         uint16 = 0x0006
	AttrMessageIntegrity uint16 = 0x0008
	AttrErrorCode        uint16 = 0x0009
	AttrXorMappedAddress uint16 = 0x0020
	AttrPriority         uint16 = 0x0024
	AttrUseCandidate     uint16 = 0x0025
	AttrFingerprint      uint16 = 0x8028
	AttrIceControlled    uint16 = 0x8029
	AttrIceControlling   uint16 = 0x802A

	AttrRequestedTransport uint16 = 0x0019
	AttrXorRelayedAddress  uint16 = 0x0016
	AttrLifetime           uint16 = 0x000D
)

// ErrorCodeRoleConflict is the 487 Role Conflict code (RFC 8445 7.3.1.1).
const ErrorCodeRoleConflict = 487

var (
	ErrShortPacket  = errors.New("stun: packet too short")
	ErrMagicCookie  = errors.New("stun: bad magic cookie")
	ErrBadIntegrity = errors.New("stun: message integrity mismatch")
	ErrBadCRC       = errors.New("stun: fingerprint mismatch")
)

type Attribute struct {
	Type  uint16
	Value []byte
}

type Message struct {
	Type          uint16
	TransactionID [transactionIDLength]byte
	Attributes    []Attribute
}

func NewMessage(typ uint16) *Message {
	m := &Message{Type: typ}
	rand.Read(m.TransactionID[:])
	return m
}

func NewResponse(typ uint16, txid [transactionIDLength]byte) *Message {
	return &Message{Type: typ, TransactionID: txid}
}

func (m *Message) Attribute(typ uint16) ([]byte, bool) {
	for _, a := range m.Attributes {
		if a.Type == typ {
			return a.Value, true
		}
	}
	return nil, false
}

func (m *Message) Has(typ uint16) bool {
	_, ok := m.Attribute(typ)
	return ok
}

func (m *Message) Add(typ uint16, value []byte) {
	m.Attributes = append(m.Attributes, Attribute{Type: typ, Value: value})
}

func (m *Message) AddString(typ uint16, value string) {
	m.Add(typ, []byte(value))
}

func (m *Message) AddUint32(typ uint16, value uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], value)
	m.Add(typ, b[:])
}

func (m *Message) AddUint64(typ uint16, value uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], value)
	m.Add(typ, b[:])
}

func (m *Message) Uint32(typ uint16) (uint32, bool) {
	v, ok := m.Attribute(typ)
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

func (m *Message) Uint64(typ uint16) (uint64, bool) {
	v, ok := m.Attribute(typ)
	if !ok || len(v) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}

// AddErrorCode appends an ERROR-CODE attribute.
func (m *Message) AddErrorCode(code int, reason string) {
	value := make([]byte, 4+len(reason))
	value[2] = byte(code / 100)
	value[3] = byte(code % 100)
	copy(value[4:], reason)
	m.Add(AttrErrorCode, value)
}

func (m *Message) ErrorCode() (int, bool) {
	v, ok := m.Attribute(AttrErrorCode)
	if !ok || len(v) < 4 {
		return 0, false
	}
	return int(v[2])*100 + int(v[3]), true
}

// AddXorMappedAddress appends the address xored against the magic
// cookie (and transaction id for IPv6).
func (m *Message) AddXorMappedAddress(addr *net.UDPAddr) {
	m.Add(AttrXorMappedAddress, m.xorAddress(addr))
}

func (m *Message) AddXorRelayedAddress(addr *net.UDPAddr) {
	m.Add(AttrXorRelayedAddress, m.xorAddress(addr))
}

func (m *Message) xorAddress(addr *net.UDPAddr) []byte {
	ip := addr.IP.To4()
	family := byte(0x01)
	if ip == nil {
		ip = addr.IP.To16()
		family = 0x02
	}
	value := make([]byte, 4+len(ip))
	value[1] = family
	binary.BigEndian.PutUint16(value[2:4], uint16(addr.Port)^uint16(MagicCookie>>16))

	var xorMask [16]byte
	binary.BigEndian.PutUint32(xorMask[:4], MagicCookie)
	copy(xorMask[4:], m.TransactionID[:])
	for i := range ip {
		value[4+i] = ip[i] ^ xorMask[i]
	}
	return value
}

func (m *Message) XorMappedAddress() (*net.UDPAddr, bool) {
	return m.xoredAddress(AttrXorMappedAddress)
}

func (m *Message) XorRelayedAddress() (*net.UDPAddr, bool) {
	return m.xoredAddress(AttrXorRelayedAddress)
}

func (m *Message) xoredAddress(typ uint16) (*net.UDPAddr, bool) {
	v, ok := m.Attribute(typ)
	if !ok || len(v) < 8 {
		return nil, false
	}
	port := binary.BigEndian.Uint16(v[2:4]) ^ uint16(MagicCookie>>16)

	var xorMask [16]byte
	binary.BigEndian.PutUint32(xorMask[:4], MagicCookie)
	copy(xorMask[4:], m.TransactionID[:])

	ipLen := len(v) - 4
	if ipLen != 4 && ipLen != 16 {
		return nil, false
	}
	ip := make(net.IP, ipLen)
	for i := 0; i < ipLen; i++ {
		ip[i] = v[4+i] ^ xorMask[i]
	}
	return &net.UDPAddr{IP: ip, Port: int(port)}, true
}

// =================================================================

// Encode serializes the message. A non-empty key appends
// MESSAGE-INTEGRITY (HMAC-SHA1 over the message so far with the length
// adjusted to cover the integrity attribute) followed by FINGERPRINT.
func (m *Message) Encode(key []byte) []byte {
	body := encodeAttributes(m.Attributes)

	buf := make([]byte, headerLength, headerLength+len(body)+24+8)
	binary.BigEndian.PutUint16(buf[0:2], m.Type)
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], m.TransactionID[:])
	buf = append(buf, body...)

	if len(key) > 0 {
		// length as if the integrity attribute were already present
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(body)+24))
		mac := hmac.New(sha1.New, key)
		mac.Write(buf)
		buf = append(buf, encodeAttributes([]Attribute{{Type: AttrMessageIntegrity, Value: mac.Sum(nil)}})...)
		body = buf[headerLength:]
	}

	// fingerprint covers everything before it
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(body)+8))
	crc := crc32.ChecksumIEEE(buf) ^ fingerprintXor
	var fp [4]byte
	binary.BigEndian.PutUint32(fp[:], crc)
	buf = append(buf, encodeAttributes([]Attribute{{Type: AttrFingerprint, Value: fp[:]}})...)

	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-headerLength))
	return buf
}

func encodeAttributes(attrs []Attribute) []byte {
	var out []byte
	for _, a := range attrs {
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], a.Type)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(a.Value)))
		out = append(out, hdr[:]...)
		out = append(out, a.Value...)
		for len(out)%4 != 0 {
			out = append(out, 0)
		}
	}
	return out
}

// Decode parses a packet into a message. Integrity and fingerprint are
// carried as ordinary attributes; use Verify to check them.
func Decode(data []byte) (*Message, error) {
	if len(data) < headerLength {
		return nil, ErrShortPacket
	}
	if binary.BigEndian.Uint32(data[4:8]) != MagicCookie {
		return nil, ErrMagicCookie
	}
	m := &Message{Type: binary.BigEndian.Uint16(data[0:2])}
	copy(m.TransactionID[:], data[8:20])

	length := int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) < headerLength+length {
		return nil, ErrShortPacket
	}

	pos := headerLength
	end := headerLength + length
	for pos+4 <= end {
		typ := binary.BigEndian.Uint16(data[pos : pos+2])
		alen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		pos += 4
		if pos+alen > end {
			return nil, ErrShortPacket
		}
		m.Attributes = append(m.Attributes, Attribute{Type: typ, Value: append([]byte(nil), data[pos:pos+alen]...)})
		pos += alen
		for pos%4 != 0 {
			pos++
		}
	}
	return m, nil
}

// Verify checks FINGERPRINT and, with a non-empty key, the
// MESSAGE-INTEGRITY of a raw packet previously passed to Decode.
func Verify(data []byte, key []byte) error {
	m, err := Decode(data)
	if err != nil {
		return err
	}

	// locate attribute offsets in the raw bytes
	pos := headerLength
	integrityOffset := -1
	fingerprintOffset := -1
	for pos+4 <= len(data) {
		typ := binary.BigEndian.Uint16(data[pos : pos+2])
		alen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		switch typ {
		case AttrMessageIntegrity:
			integrityOffset = pos
		case AttrFingerprint:
			fingerprintOffset = pos
		}
		pos += 4 + alen
		for pos%4 != 0 {
			pos++
		}
	}

	if fingerprintOffset != -1 {
		want, _ := m.Uint32(AttrFingerprint)
		scratch := append([]byte(nil), data[:fingerprintOffset]...)
		binary.BigEndian.PutUint16(scratch[2:4], uint16(fingerprintOffset+8-headerLength))
		if crc32.ChecksumIEEE(scratch)^fingerprintXor != want {
			return ErrBadCRC
		}
	}

	if len(key) > 0 {
		if integrityOffset == -1 {
			return ErrBadIntegrity
		}
		got, _ := m.Attribute(AttrMessageIntegrity)
		scratch := append([]byte(nil), data[:integrityOffset]...)
		binary.BigEndian.PutUint16(scratch[2:4], uint16(integrityOffset+24-headerLength))
		mac := hmac.New(sha1.New, key)
		mac.Write(scratch)
		if !hmac.Equal(mac.Sum(nil), got) {
			return ErrBadIntegrity
		}
	}
	return nil
}
