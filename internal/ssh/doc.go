// ssh implements a facade over the 'x/crypto/ssh' package, simplifying the
// following workflows:
//   - private key parsing and ed25519 key pair generation
//   - client configuration from resolved connection settings
//   - dialing a target directly or through a chain of jump hosts
//   - opening 'direct-tcpip' and 'direct-streamlocal@openssh.com' forwards
//
// NOTE: ALL errors returned by this package will be wrapped with well-known (
// 'errors.Is(...') errors.
package ssh
