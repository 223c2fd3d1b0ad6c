package hostid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		id, err := Parse("example.com", "", 0)
		require.NoError(t, err)
		assert.Equal(t, ID("root@example.com:22"), id)
		assert.Equal(t, "root", id.User())
		assert.Equal(t, "example.com", id.Host())
		assert.Equal(t, 22, id.Port())
	})
	t.Run("round-trip", func(t *testing.T) {
		cases := []struct {
			host string
			user string
			port int
		}{
			{"10.0.0.1", "admin", 2222},
			{"bastion-1.internal", "deploy", 22},
			{"::1", "root", 65535},
			{"a", "b", 1},
		}
		for _, c := range cases {
			id, err := Parse(c.host, c.user, c.port)
			require.NoError(t, err)
			again, err := ParseString(id.String())
			require.NoError(t, err)
			assert.Equal(t, id, again)
			assert.Equal(t, c.user, again.User())
			assert.Equal(t, c.host, again.Host())
			assert.Equal(t, c.port, again.Port())
		}
	})
	t.Run("invalid", func(t *testing.T) {
		for _, host := range []string{"", "bad host", "host;rm", "a@b", "h\tx", "ho$t"} {
			_, err := Parse(host, "root", 22)
			assert.ErrorIs(t, err, ErrInvalidIdentity, "host %q", host)
		}
		_, err := Parse("example.com", "us er", 22)
		assert.ErrorIs(t, err, ErrInvalidIdentity)
	})
}

func TestParseString(t *testing.T) {
	for _, value := range []string{
		"root@host",
		"@host:22",
		"root@:22",
		"root@host:",
		"root@host:abc",
		"root@host:0",
		"root@host:70000",
		"a@b@c:22",
		"roothost:22",
	} {
		_, err := ParseString(value)
		assert.ErrorIs(t, err, ErrInvalidIdentity, "value %q", value)
	}
}

func TestCharset(t *testing.T) {
	assert.True(t, MatchesCharset("abc-1.2", AllowedChars))
	assert.False(t, MatchesCharset("abc 1", AllowedChars))

	err := CheckCharset("ab!c", AllowedChars)
	require.ErrorIs(t, err, ErrInvalidOperand)
	assert.Contains(t, err.Error(), "'!'")
	assert.NoError(t, CheckCharset("", AllowedChars))
}

func TestCheckOperand(t *testing.T) {
	assert.NoError(t, CheckOperand("user", "www-data"))
	assert.NoError(t, CheckOperand("command", "apt-get"))
	for _, value := range []string{"", "two words", "tab\tbed", "semi;colon", "$(id)"} {
		assert.ErrorIs(t, CheckOperand("user", value), ErrInvalidOperand, "value %q", value)
	}
}
