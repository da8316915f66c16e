package supervisor

import (
	"fmt"

	"github.com/rumvm/rum/lib/rumerr"
)

// renderSSHConfig builds the OpenSSH client config block for one VM,
// naming its display name, first IPv4 lease, SSH user, and per-VM
// private key path.
func renderSSHConfig(vmName, ip, user, keyPath string) string {
	return fmt.Sprintf(
		"Host %s\n  HostName %s\n  User %s\n  IdentityFile %s\n  StrictHostKeyChecking no\n  UserKnownHostsFile /dev/null\n  LogLevel ERROR",
		vmName, ip, user, keyPath,
	)
}

func firstIP(ips []string) (string, error) {
	if len(ips) == 0 {
		return "", rumerr.New(rumerr.SshNotReady, "no IP address leased yet")
	}
	return ips[0], nil
}
