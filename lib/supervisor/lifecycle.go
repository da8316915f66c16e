package supervisor

import (
	"context"
	"time"
)

const (
	// shutdownPollInterval/shutdownPollAttempts implement "ACPI shutdown,
	// 30s timeout, then force" as a 1s/30-attempt poll.
	shutdownPollInterval = time.Second
	shutdownPollAttempts = 30

	// domainPollInterval is the external domain-state poll cadence.
	domainPollInterval = 2 * time.Second
)

// waitForStop polls until the domain is no longer active or attempts run
// out, returning true if it stopped in time.
func waitForStop(ctx context.Context, hv Hypervisor, vmName string, interval time.Duration, attempts int) bool {
	for i := 0; i < attempts; i++ {
		active, err := hv.IsActive(vmName)
		if err == nil && !active {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return false
}

// pollDomainStopped polls the domain's active state every
// domainPollInterval and closes stopped once it's no longer running,
// so the daemon can exit when the domain stops externally (e.g. via
// virsh).
func pollDomainStopped(ctx context.Context, hv Hypervisor, vmName string, stopped chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(domainPollInterval):
		}
		active, err := hv.IsActive(vmName)
		if err != nil {
			continue
		}
		if !active {
			close(stopped)
			return
		}
	}
}
