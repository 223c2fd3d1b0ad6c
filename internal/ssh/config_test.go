package ssh

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/chainguard-dev/hivessh/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConfig(t *testing.T) {
	t.Run("none auth", func(t *testing.T) {
		config, err := ClientConfig(&settings.Settings{User: "root"})
		require.NoError(t, err)
		assert.Empty(t, config.Auth)
		assert.Equal(t, "root", config.User)
	})
	t.Run("password", func(t *testing.T) {
		config, err := ClientConfig(&settings.Settings{User: "root", Password: "secret"})
		require.NoError(t, err)
		// password and keyboard-interactive
		assert.Len(t, config.Auth, 2)
	})
	t.Run("bad private key", func(t *testing.T) {
		_, err := ClientConfig(&settings.Settings{PrivateKey: []byte("nope")})
		assert.ErrorIs(t, err, ErrSSHFailedKeyParse)
	})
	t.Run("bad host key", func(t *testing.T) {
		_, err := ClientConfig(&settings.Settings{HostKeys: []string{"garbage"}})
		assert.ErrorIs(t, err, ErrHostKeyParse)
	})
	t.Run("missing known hosts", func(t *testing.T) {
		_, err := ClientConfig(&settings.Settings{KnownHostsPath: filepath.Join(t.TempDir(), "nope")})
		assert.ErrorIs(t, err, ErrKnownHosts)
	})
	t.Run("host key pinning", func(t *testing.T) {
		a, err := NewKeyPair("a")
		require.NoError(t, err)
		b, err := NewKeyPair("b")
		require.NoError(t, err)
		keyA, keyB := a.Signer.PublicKey(), b.Signer.PublicKey()

		remote := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 22}
		config, err := ClientConfig(&settings.Settings{HostKeys: []string{a.AuthorizedKey}})
		require.NoError(t, err)
		assert.NoError(t, config.HostKeyCallback("127.0.0.1:22", remote, keyA))
		assert.ErrorIs(t, config.HostKeyCallback("127.0.0.1:22", remote, keyB), ErrHostKeyInvalid)

		// Nothing pinned accepts everything.
		config, err = ClientConfig(&settings.Settings{})
		require.NoError(t, err)
		assert.NoError(t, config.HostKeyCallback("127.0.0.1:22", remote, keyB))
	})
}
