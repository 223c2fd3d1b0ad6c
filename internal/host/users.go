package host

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/chainguard-dev/hivessh/internal/channel"
	"github.com/chainguard-dev/hivessh/internal/hostid"
	"github.com/kballard/go-shellquote"
)

var ErrMissingCommand = fmt.Errorf("required command is not installed")

// user defaults 'user' to the connected user and validates it.
func (h *Host) user(user string) (string, error) {
	if user == "" {
		user = h.Settings.User
	}
	return user, hostid.CheckOperand("user", user)
}

// run executes an administrative command built from 'args', each quoted.
func (h *Host) run(ctx context.Context, args ...string) (*channel.Exit, error) {
	return h.Execute(ctx, shellquote.Join(args...), channel.ExecOptions{})
}

// IsSudoer reports whether 'user' (default: the connected user) may run
// sudo.
func (h *Host) IsSudoer(ctx context.Context, user string) (bool, error) {
	user, err := h.user(user)
	if err != nil {
		return false, err
	}
	ok, err := h.CmdExists(ctx, "sudo")
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: sudo", ErrMissingCommand)
	}
	exit, err := h.Execute(ctx, shellquote.Join("sudo", "-l", "-U", user), channel.ExecOptions{
		OutcomeOptions: channel.OutcomeOptions{
			ExpectedExitCode: []int{0, 1},
		},
	})
	if err != nil {
		return false, err
	}
	denied := "User " + user + " is not allowed to run sudo"
	for line := range strings.Lines(exit.Out) {
		if strings.HasPrefix(strings.TrimSpace(line), denied) {
			return false, nil
		}
	}
	return true, nil
}

// ListUsers returns the names of all users in the passwd database.
func (h *Host) ListUsers(ctx context.Context) ([]string, error) {
	exit, err := h.run(ctx, "getent", "passwd")
	if err != nil {
		return nil, err
	}
	var users []string
	for line := range strings.Lines(exit.Out) {
		name, _, _ := strings.Cut(strings.TrimSpace(line), ":")
		if name != "" {
			users = append(users, name)
		}
	}
	return users, nil
}

// ListUserGroups returns the groups of 'user' (default: the connected user).
func (h *Host) ListUserGroups(ctx context.Context, user string) ([]string, error) {
	user, err := h.user(user)
	if err != nil {
		return nil, err
	}
	exit, err := h.run(ctx, "groups", user)
	if err != nil {
		return nil, err
	}
	// "user : a b c", or just "a b c" on some systems
	out := strings.TrimSpace(exit.Out)
	if _, groups, ok := strings.Cut(out, ":"); ok {
		out = groups
	}
	return strings.Fields(out), nil
}

func (h *Host) IsUserInGroup(ctx context.Context, group, user string) (bool, error) {
	if err := hostid.CheckOperand("group", group); err != nil {
		return false, err
	}
	groups, err := h.ListUserGroups(ctx, user)
	if err != nil {
		return false, err
	}
	return slices.Contains(groups, group), nil
}

func (h *Host) AddUserToGroup(ctx context.Context, group, user string) error {
	user, err := h.user(user)
	if err != nil {
		return err
	}
	if err := hostid.CheckOperand("group", group); err != nil {
		return err
	}
	_, err = h.run(ctx, "gpasswd", "-a", user, group)
	return err
}

func (h *Host) RemoveUserFromGroup(ctx context.Context, group, user string) error {
	user, err := h.user(user)
	if err != nil {
		return err
	}
	if err := hostid.CheckOperand("group", group); err != nil {
		return err
	}
	_, err = h.run(ctx, "gpasswd", "-d", user, group)
	return err
}

// CreateGroup creates 'group'. A gid of zero lets groupadd pick one.
func (h *Host) CreateGroup(ctx context.Context, group string, gid int) error {
	if err := hostid.CheckOperand("group", group); err != nil {
		return err
	}
	args := []string{"groupadd"}
	if gid > 0 {
		args = append(args, "-g", strconv.Itoa(gid))
	}
	_, err := h.run(ctx, append(args, group)...)
	return err
}

func (h *Host) RenameGroup(ctx context.Context, group, newName string) error {
	if err := hostid.CheckOperand("group", group); err != nil {
		return err
	}
	if err := hostid.CheckOperand("group", newName); err != nil {
		return err
	}
	_, err := h.run(ctx, "groupmod", "-n", newName, group)
	return err
}

func (h *Host) DeleteGroup(ctx context.Context, group string) error {
	if err := hostid.CheckOperand("group", group); err != nil {
		return err
	}
	_, err := h.run(ctx, "groupdel", group)
	return err
}
