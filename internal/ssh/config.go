package ssh

import (
	"bytes"
	"fmt"
	"net"

	"github.com/chainguard-dev/hivessh/internal/settings"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	ErrHostKeyInvalid = fmt.Errorf("target's host key is invalid")
	ErrKnownHosts     = fmt.Errorf("failed to load known_hosts")
)

// ClientConfig builds the 'ssh.ClientConfig' for one host of a chain.
//
// A private key is offered first, then the password (also answering
// keyboard-interactive prompts with it). With neither, only the 'none' method
// is attempted.
//
// Offered host keys are checked against 'HostKeys' and the 'KnownHostsPath'
// file, and accepted by either. If neither is configured, all host keys are
// accepted.
func ClientConfig(s *settings.Settings) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	signer, err := ParseKey(s.PrivateKey, s.Passphrase)
	if err != nil {
		return nil, err
	}
	if signer != nil {
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if s.Password != "" {
		password := s.Password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	callback, err := hostKeyCallback(s)
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            s.User,
		Auth:            auth,
		HostKeyCallback: callback,
		Timeout:         s.ReadyTimeout,
	}, nil
}

func hostKeyCallback(s *settings.Settings) (ssh.HostKeyCallback, error) {
	hostKeys, err := ParseAuthorizedKeys(s.HostKeys...)
	if err != nil {
		return nil, err
	}
	var known ssh.HostKeyCallback
	if s.KnownHostsPath != "" {
		if known, err = knownhosts.New(s.KnownHostsPath); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKnownHosts, err)
		}
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		// Same behavior as 'ssh.InsecureIgnoreHostKey' when nothing is pinned.
		if len(hostKeys) == 0 && known == nil {
			return nil
		}
		for _, hostKey := range hostKeys {
			if bytes.Equal(hostKey.Marshal(), key.Marshal()) {
				return nil
			}
		}
		if known != nil {
			if err := known(hostname, remote, key); err != nil {
				return fmt.Errorf("%w: %w", ErrHostKeyInvalid, err)
			}
			return nil
		}
		return ErrHostKeyInvalid
	}, nil
}
