package mock

import "golang.org/x/crypto/ssh"

// marshalExitStatus marshals the standard 'exit-status' message body to
// indicate to the caller the exit code of the executed process.
func marshalExitStatus(exitCode uint32) []byte {
	return ssh.Marshal(struct {
		Status uint32
	}{exitCode})
}

// marshalExitSignal marshals the 'exit-signal' message body, sent instead of
// 'exit-status' when the process was killed by a signal.
func marshalExitSignal(signal, msg string) []byte {
	return ssh.Marshal(struct {
		Signal     string
		CoreDumped bool
		Msg        string
		Lang       string
	}{signal, false, msg, "en"})
}

// RFC 4254 6.4
type envRequest struct {
	Name  string
	Value string
}

// RFC 4254 6.5
type execRequest struct {
	Command string
}

// RFC 4254 6.9
type signalRequest struct {
	Signal string
}

// RFC 4254 6.5
type subsystemRequest struct {
	Name string
}

// RFC 4254 7.2
type directTCPIPRequest struct {
	DstHost string
	DstPort uint32
	SrcHost string
	SrcPort uint32
}

// OpenSSH PROTOCOL 2.4
type directStreamLocalRequest struct {
	SocketPath string
	Reserved0  string
	Reserved1  uint32
}
