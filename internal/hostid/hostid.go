// Package hostid implements the canonical 'user@host:port' identity of a
// remote host, plus the charset validators used wherever a bare identifier is
// interpolated into a remote command.
package hostid

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

const (
	DefaultUser = "root"
	DefaultPort = 22
)

const (
	// AllowedChars is the charset of both halves of an ID.
	AllowedChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-.:"
	// AllowedOperandChars is the charset of identifiers (user names, group
	// names, command names) passed to remote commands.
	AllowedOperandChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-._"
)

var (
	ErrInvalidIdentity = fmt.Errorf("invalid host identity")
	ErrInvalidOperand  = fmt.Errorf("invalid operand")
)

// ID is a validated 'user@host:port' string. The zero value is not valid;
// construct IDs with Parse or ParseString.
type ID string

// Parse composes an ID from its parts. An empty 'user' defaults to 'root' and
// a zero 'port' to 22.
func Parse(host, user string, port int) (ID, error) {
	if user == "" {
		user = DefaultUser
	}
	if port == 0 {
		port = DefaultPort
	}
	return ParseString(user + "@" + host + ":" + strconv.Itoa(port))
}

// ParseString validates an already composed identity string.
func ParseString(value string) (ID, error) {
	if !IsValid(value) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, value)
	}
	return ID(value), nil
}

// IsValid reports whether 'value' is a well-formed identity: exactly one '@'
// with a non-empty user before it, a non-empty host+port after it and no
// characters outside AllowedChars.
func IsValid(value string) bool {
	user, rest, ok := strings.Cut(value, "@")
	if !ok || user == "" || rest == "" || strings.Contains(rest, "@") {
		return false
	}
	if !MatchesCharset(user, AllowedChars) || !MatchesCharset(rest, AllowedChars) {
		return false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return false
	}
	port, err := strconv.Atoi(rest[i+1:])
	return err == nil && port > 0 && port <= 65535
}

func (id ID) String() string {
	return string(id)
}

func (id ID) User() string {
	user, _, _ := strings.Cut(string(id), "@")
	return user
}

func (id ID) Host() string {
	_, rest, _ := strings.Cut(string(id), "@")
	if i := strings.LastIndexByte(rest, ':'); i >= 0 {
		return rest[:i]
	}
	return rest
}

func (id ID) Port() int {
	i := strings.LastIndexByte(string(id), ':')
	if i < 0 {
		return 0
	}
	port, _ := strconv.Atoi(string(id)[i+1:])
	return port
}

// MatchesCharset reports whether every rune of 'value' is part of 'charset'.
func MatchesCharset(value, charset string) bool {
	for _, r := range value {
		if !strings.ContainsRune(charset, r) {
			return false
		}
	}
	return true
}

// CheckCharset is MatchesCharset returning an ErrInvalidOperand naming the
// first illegal character.
func CheckCharset(value, charset string) error {
	for _, r := range value {
		if !strings.ContainsRune(charset, r) {
			return fmt.Errorf("%w: illegal character %q in %q", ErrInvalidOperand, r, value)
		}
	}
	return nil
}

// CheckOperand validates a bare identifier (user, group or command name)
// before it is interpolated into a remote command line.
func CheckOperand(kind, value string) error {
	if value == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidOperand, kind)
	}
	if strings.IndexFunc(value, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %s %q contains whitespace", ErrInvalidOperand, kind, value)
	}
	return CheckCharset(value, AllowedOperandChars)
}
