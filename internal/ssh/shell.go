package ssh

// shell.go defines some string constants of the various well-known Linux
// shells. These are used to start an interactive shell channel which reads
// its commands from stdin.

type Shell = string

const (
	ShellSh   Shell = "sh"
	ShellBash Shell = "bash"
	ShellZSH  Shell = "zsh"
	ShellFish Shell = "fish"
)

// ShellCommand is the command line starting 'shell' through 'env'.
func ShellCommand(shell Shell) string {
	if shell == "" {
		shell = ShellSh
	}
	return "/usr/bin/env " + shell
}
