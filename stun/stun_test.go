package stun

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := NewMessage(TypeBindingRequest)
	m.AddString(AttrUsername, "remote:local")
	m.AddUint32(AttrPriority, 1694498815)
	m.AddUint64(AttrIceControlling, 0xDEADBEEFCAFEF00D)
	m.Add(AttrUseCandidate, nil)

	raw := m.Encode([]byte("swordfish"))

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeBindingRequest, got.Type)
	assert.Equal(t, m.TransactionID, got.TransactionID)

	user, ok := got.Attribute(AttrUsername)
	require.True(t, ok)
	assert.Equal(t, "remote:local", string(user))

	prio, ok := got.Uint32(AttrPriority)
	require.True(t, ok)
	assert.Equal(t, uint32(1694498815), prio)

	tiebreaker, ok := got.Uint64(AttrIceControlling)
	require.True(t, ok)
	assert.Equal(t, uint64(0xDEADBEEFCAFEF00D), tiebreaker)
	assert.True(t, got.Has(AttrUseCandidate))
	assert.True(t, got.Has(AttrMessageIntegrity))
	assert.True(t, got.Has(AttrFingerprint))
}

func TestVerifyIntegrityAndFingerprint(t *testing.T) {
	m := NewMessage(TypeBindingRequest)
	m.AddString(AttrUsername, "a:b")
	raw := m.Encode([]byte("secret"))

	assert.NoError(t, Verify(raw, []byte("secret")))
	assert.ErrorIs(t, Verify(raw, []byte("wrong")), ErrBadIntegrity)

	// flip a payload bit: the fingerprint no longer matches
	raw[25] ^= 0x01
	assert.Error(t, Verify(raw, []byte("secret")))
}

func TestXorMappedAddressIPv4(t *testing.T) {
	m := NewMessage(TypeBindingSuccess)
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 51000}
	m.AddXorMappedAddress(addr)

	raw := m.Encode(nil)
	got, err := Decode(raw)
	require.NoError(t, err)

	mapped, ok := got.XorMappedAddress()
	require.True(t, ok)
	assert.True(t, mapped.IP.Equal(addr.IP))
	assert.Equal(t, addr.Port, mapped.Port)
}

func TestXorMappedAddressIPv6(t *testing.T) {
	m := NewMessage(TypeBindingSuccess)
	addr := &net.UDPAddr{IP: net.ParseIP("2001:db8::9"), Port: 6000}
	m.AddXorMappedAddress(addr)

	got, err := Decode(m.Encode(nil))
	require.NoError(t, err)
	mapped, ok := got.XorMappedAddress()
	require.True(t, ok)
	assert.True(t, mapped.IP.Equal(addr.IP))
	assert.Equal(t, addr.Port, mapped.Port)
}

func TestErrorCode(t *testing.T) {
	m := NewResponse(TypeBindingError, NewMessage(TypeBindingRequest).TransactionID)
	m.AddErrorCode(ErrorCodeRoleConflict, "Role Conflict")

	got, err := Decode(m.Encode(nil))
	require.NoError(t, err)
	code, ok := got.ErrorCode()
	require.True(t, ok)
	assert.Equal(t, 487, code)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0, 1, 2})
	assert.ErrorIs(t, err, ErrShortPacket)

	raw := NewMessage(TypeBindingRequest).Encode(nil)
	raw[4] = 0xFF // break the magic cookie
	_, err = Decode(raw)
	assert.ErrorIs(t, err, ErrMagicCookie)
}

func TestAttributePadding(t *testing.T) {
	m := NewMessage(TypeBindingRequest)
	m.AddString(AttrUsername, "abc") // 3 bytes, padded to 4
	m.AddUint32(AttrPriority, 7)

	got, err := Decode(m.Encode(nil))
	require.NoError(t, err)
	user, _ := got.Attribute(AttrUsername)
	assert.Equal(t, "abc", string(user))
	prio, ok := got.Uint32(AttrPriority)
	require.True(t, ok)
	assert.Equal(t, uint32(7), prio)
}
