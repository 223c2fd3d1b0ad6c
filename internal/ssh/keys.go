package ssh

// keys.go turns caller supplied key material into what 'x/crypto/ssh' wants:
// PEM encoded OpenSSH private keys (optionally passphrase protected) become
// an 'ssh.Signer', authorized_keys lines become pinned host keys.
//
// NOTE: 'x/crypto/ssh' has no 'PrivateKey' type; the 'Signer' interface fills
// that role.

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

var (
	ErrKeyGen            = fmt.Errorf("failed to generate a 'crypto/ed25519' keypair")
	ErrSSHFailedKeyParse = fmt.Errorf("failed to parse SSH private key")
	ErrHostKeyParse      = fmt.Errorf("failed to parse host key")
)

// KeyPair is a generated ed25519 identity, in the forms needed to install it
// on a host and to connect with it.
type KeyPair struct {
	Signer ssh.Signer
	// AuthorizedKey is the public half as one authorized_keys line, without
	// the trailing newline.
	AuthorizedKey string
	// PrivateKey is the PEM encoded OpenSSH private key, usable as
	// Options.PrivateKey.
	PrivateKey []byte
}

// NewKeyPair generates an ed25519 key pair. 'comment' ends up in the
// private key.
func NewKeyPair(comment string) (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGen, err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGen, err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGen, err)
	}
	return &KeyPair{
		Signer:        signer,
		AuthorizedKey: strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(signer.PublicKey())), "\n"),
		PrivateKey:    pem.EncodeToMemory(block),
	}, nil
}

// ParseKey parses 'key' as a PEM encoded private key. An empty 'key' yields a
// nil signer.
//
// With a 'phrase', the key is first parsed as encrypted, then as plain text
// when the passphrase turns out not to apply.
func ParseKey(key, phrase []byte) (ssh.Signer, error) {
	if len(key) == 0 {
		return nil, nil
	}
	if len(phrase) > 0 {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(key, phrase)
		if err == nil {
			return signer, nil
		}
		if !errors.Is(err, x509.IncorrectPasswordError) {
			return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
		}
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
	}
	return signer, nil
}

// ParseAuthorizedKeys parses authorized_keys formatted 'lines'. Blank lines
// and comments are skipped.
func ParseAuthorizedKeys(lines ...string) ([]ssh.PublicKey, error) {
	var keys []ssh.PublicKey
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrHostKeyParse, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
