package supervisor

import (
	"errors"

	"github.com/rumvm/rum/lib/hypervisor"
)

// fakeHypervisor satisfies Hypervisor for tests, grounded on
// lib/worker's own fakeHypervisor test pattern (agent_test.go).
type fakeHypervisor struct {
	exists    bool
	existsErr error
	active    bool
	activeErr error
	ips       []string
	ipsErr    error

	shutdownCalled int
	destroyCalled  int
	existsCalled   int
	shutdownErr    error
	destroyErr     error

	// activeAfterShutdown, if set, is returned by IsActive once Shutdown
	// or Destroy has been called, simulating the domain actually stopping.
	activeAfterShutdown *bool
}

func (f *fakeHypervisor) DomainExists(string) (bool, error) {
	f.existsCalled++
	return f.exists, f.existsErr
}

func (f *fakeHypervisor) IsActive(string) (bool, error) {
	if f.activeAfterShutdown != nil && (f.shutdownCalled > 0 || f.destroyCalled > 0) {
		return *f.activeAfterShutdown, f.activeErr
	}
	return f.active, f.activeErr
}

func (f *fakeHypervisor) DefineOrRedefine(string, string) error { return nil }
func (f *fakeHypervisor) Start(string) error                    { return nil }

func (f *fakeHypervisor) Shutdown(string) error {
	f.shutdownCalled++
	return f.shutdownErr
}

func (f *fakeHypervisor) Destroy(string) error {
	f.destroyCalled++
	return f.destroyErr
}

func (f *fakeHypervisor) Info(string) (hypervisor.VMInfo, error) { return hypervisor.VMInfo{}, nil }
func (f *fakeHypervisor) EnsureNetwork(string, string) error     { return nil }
func (f *fakeHypervisor) AddDHCPReservation(string, string, string, string) error {
	return nil
}
func (f *fakeHypervisor) DestroyNetwork(string) error { return nil }

func (f *fakeHypervisor) InterfaceAddresses(string) ([]string, error) {
	return f.ips, f.ipsErr
}

var errFake = errors.New("fake hypervisor error")
