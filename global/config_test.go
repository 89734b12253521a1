package global

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sipcallgo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
sip:
  username: alice
  domain: atlanta.test
  password: secret
  proxy: 198.51.100.1:5060
ice:
  stun_server: stun.test:3478
media:
  min_port: 30000
  max_port: 31000
log:
  level: warning
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "atlanta.test", cfg.Domain)
	assert.Equal(t, "198.51.100.1:5060", cfg.ProxyAddr)
	assert.Equal(t, "stun.test:3478", cfg.StunServer)
	assert.Equal(t, 30000, cfg.MinPort)
	assert.Equal(t, 31000, cfg.MaxPort)
	assert.Equal(t, DefaultSipPort, cfg.SipPort, "defaults fill the gaps")
	assert.Equal(t, DefaultHttpPort, cfg.HttpPort)
}

func TestLoadConfigBadPortRange(t *testing.T) {
	path := writeConfig(t, `
media:
  min_port: 9000
  max_port: 8000
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestMethodNames(t *testing.T) {
	assert.Equal(t, "INVITE", INVITE.String())
	assert.Equal(t, "INVITE", ReINVITE.String(), "a re-INVITE is still INVITE on the wire")
	assert.Equal(t, REGISTER, MethodFromName("REGISTER"))
	assert.Equal(t, UNKNOWN, MethodFromName("WIBBLE"))
	assert.True(t, IsKnownMethod("BYE"))
	assert.False(t, IsKnownMethod("SUBSCRIBE"))
}

func TestBodyTypes(t *testing.T) {
	assert.Equal(t, SDP, GetBodyType("application/sdp"))
	assert.Equal(t, Unknown, GetBodyType("application/isup"))
	assert.Equal(t, None, GetBodyType(""))
	assert.Equal(t, "application/sdp", SDP.ContentType())
}
