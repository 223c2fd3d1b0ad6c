package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chainguard-dev/hivessh/internal/hostid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load(t.Context(), Options{Host: "example.com", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, hostid.ID("root@example.com:22"), s.ID)
	assert.Equal(t, "root", s.User)
	assert.Equal(t, 22, s.Port)
	assert.Equal(t, "example.com:22", s.Address())
	assert.Equal(t, DefaultReadyTimeout, s.ReadyTimeout)
	assert.Equal(t, DefaultKeepaliveInterval, s.KeepaliveInterval)
	assert.Equal(t, DefaultKeepaliveTimeout, s.KeepaliveTimeout)
	assert.Empty(t, s.Hops)
}

func TestLoadKeepaliveDisabled(t *testing.T) {
	s, err := Load(t.Context(), Options{Host: "example.com", KeepaliveInterval: -1})
	require.NoError(t, err)
	assert.Negative(t, s.KeepaliveInterval)
}

func TestLoadInvalidHost(t *testing.T) {
	_, err := Load(t.Context(), Options{Host: "bad host"})
	assert.ErrorIs(t, err, hostid.ErrInvalidIdentity)

	_, err = Load(t.Context(), Options{
		Host: "example.com",
		Hops: []Options{{Host: "ok"}, {Host: "not;ok"}},
	})
	assert.ErrorIs(t, err, hostid.ErrInvalidIdentity)
}

func TestLoadHopsFlattened(t *testing.T) {
	s, err := Load(t.Context(), Options{
		Host: "target",
		Hops: []Options{
			{Host: "a"},
			{Host: "c", Hops: []Options{
				{Host: "b1"},
				{Host: "b2", Hops: []Options{{Host: "b2a"}}},
			}},
			{Host: "d", Port: 2222, User: "jump"},
		},
	})
	require.NoError(t, err)

	var got []string
	for _, hop := range s.Hops {
		assert.Empty(t, hop.Hops)
		got = append(got, hop.ID.String())
	}
	assert.Equal(t, []string{
		"root@a:22",
		"root@b1:22",
		"root@b2a:22",
		"root@b2:22",
		"root@c:22",
		"jump@d:2222",
	}, got)
}

func TestLoadKeyFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("reads file", func(t *testing.T) {
		path := filepath.Join(dir, "id_ed25519")
		require.NoError(t, os.WriteFile(path, []byte("KEY MATERIAL"), 0o600))
		s, err := Load(t.Context(), Options{Host: "h", PrivateKeyPath: path, Passphrase: "pw"})
		require.NoError(t, err)
		assert.Equal(t, []byte("KEY MATERIAL"), s.PrivateKey)
		assert.Equal(t, []byte("pw"), s.Passphrase)
	})
	t.Run("inline key wins", func(t *testing.T) {
		s, err := Load(t.Context(), Options{Host: "h", PrivateKey: "INLINE", PrivateKeyPath: "/does/not/exist"})
		require.NoError(t, err)
		assert.Equal(t, []byte("INLINE"), s.PrivateKey)
	})
	t.Run("missing", func(t *testing.T) {
		_, err := Load(t.Context(), Options{Host: "h", PrivateKeyPath: filepath.Join(dir, "nope")})
		assert.ErrorIs(t, err, ErrKeyFileMissing)
	})
	t.Run("directory", func(t *testing.T) {
		_, err := Load(t.Context(), Options{Host: "h", PrivateKeyPath: dir})
		assert.ErrorIs(t, err, ErrKeyFileMissing)
	})
	t.Run("missing in hop", func(t *testing.T) {
		_, err := Load(t.Context(), Options{
			Host: "h",
			Hops: []Options{{Host: "j", PrivateKeyPath: filepath.Join(dir, "nope")}},
		})
		assert.ErrorIs(t, err, ErrKeyFileMissing)
	})
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: 10.0.0.5
port: 2200
user: deploy
password: hunter2
readyTimeout: 3s
keepaliveInterval: 10s
hostKeys:
  - ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIDummy
hops:
  - host: bastion.example.com
    user: jump
`), 0o600))

	s, err := LoadFile(t.Context(), path)
	require.NoError(t, err)
	assert.Equal(t, hostid.ID("deploy@10.0.0.5:2200"), s.ID)
	assert.Equal(t, "hunter2", s.Password)
	assert.Equal(t, 3*time.Second, s.ReadyTimeout)
	assert.Equal(t, 10*time.Second, s.KeepaliveInterval)
	assert.Len(t, s.HostKeys, 1)
	require.Len(t, s.Hops, 1)
	assert.Equal(t, hostid.ID("jump@bastion.example.com:22"), s.Hops[0].ID)

	_, err = LoadFile(t.Context(), filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, ErrSettingsFile)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("host: [unterminated"), 0o600))
	_, err = LoadFile(t.Context(), bad)
	assert.ErrorIs(t, err, ErrSettingsFile)
}

func TestAddressIPv6(t *testing.T) {
	s, err := Load(t.Context(), Options{Host: "::1", Port: 2222})
	require.NoError(t, err)
	assert.Equal(t, "[::1]:2222", s.Address())
}
