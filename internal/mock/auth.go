package mock

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"testing"

	"golang.org/x/crypto/ssh"
)

var ErrUnauthorized = fmt.Errorf("credentials are not authorized")

// PublicKeyCallback returns a closure for use with an 'ssh.ServerConfig' to
// perform validation of offered public keys from inbound SSH connections
// against the public keys provided in 'allowedPubKeys'.
func PublicKeyCallback(t *testing.T, allowedPubKeys ...ssh.PublicKey) PubKeyCallback {
	t.Helper()
	marshaledPubKeys := make([][]byte, len(allowedPubKeys))
	for i := range len(marshaledPubKeys) {
		marshaledPubKeys[i] = allowedPubKeys[i].Marshal()
	}
	return func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		keyMarshaled := key.Marshal()
		for _, marshaledPubKey := range marshaledPubKeys {
			if bytes.Equal(marshaledPubKey, keyMarshaled) {
				return nil, nil
			}
		}
		return nil, ErrUnauthorized
	}
}

// PasswordCallback accepts 'user' authenticating with 'password'.
func PasswordCallback(t *testing.T, user, password string) func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
	t.Helper()
	return func(conn ssh.ConnMetadata, offered []byte) (*ssh.Permissions, error) {
		if conn.User() == user && subtle.ConstantTimeCompare(offered, []byte(password)) == 1 {
			return nil, nil
		}
		return nil, ErrUnauthorized
	}
}
