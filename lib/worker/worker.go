// Package worker implements the concrete effect handlers the flow event
// loop dispatches: downloading the base image, materializing on-disk
// artifacts and the libvirt domain, booting, connecting to the in-guest
// agent, running provisioning scripts, starting background services, and
// tearing a VM down.
//
// One file per effect, logger.FromContext for structured logging, an
// otel span per call. Every effect is safe to retry: a failed call
// leaves on-disk artifacts and libvirt objects in a state the next
// attempt picks up from rather than needing an explicit rollback.
package worker

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/rumvm/rum/lib/flow"
	"github.com/rumvm/rum/lib/hypervisor"
	"github.com/rumvm/rum/lib/paths"
	"github.com/rumvm/rum/lib/vmconfig"
)

var tracer = otel.Tracer("rum/worker")

// Hypervisor is the slice of *hypervisor.Hypervisor the dispatcher needs.
// A narrow, consumer-defined interface (matching vmstate.DomainQuerier's
// idiom) so tests can supply a fake instead of a live libvirt connection.
type Hypervisor interface {
	DomainExists(name string) (bool, error)
	IsActive(name string) (bool, error)
	DefineOrRedefine(name, xml string) error
	Start(name string) error
	Shutdown(name string) error
	Destroy(name string) error
	Info(name string) (hypervisor.VMInfo, error)
	EnsureNetwork(name, xml string) error
	AddDHCPReservation(networkName, mac, ip, hostname string) error
	DestroyNetwork(name string) error
}

// Dispatcher holds everything an effect handler needs: the VM's resolved
// config, its path layout, a hypervisor connection, and an agent dialer.
// One Dispatcher is built per supervisor process, scoped to the one VM it
// runs.
type Dispatcher struct {
	Sys    *vmconfig.SystemConfig
	Paths  *paths.Paths
	HV     Hypervisor
	Dialer AgentDialer

	// agentConn is the connection ConnectAgent established, reused by
	// RunScript and StartServices for the rest of this flow run.
	agentConn AgentConn

	// imagePath is the resolved base image path EnsureImage produced,
	// consumed by PrepareVm's overlay creation.
	imagePath string
	// resolvedFs is computed once by PrepareVm and reused by RunScript to
	// assemble the "rum-drives" provisioning group.
	resolvedFs []vmconfig.ResolvedFs
}

// New builds a Dispatcher for sys, backed by hv and dialer.
func New(sys *vmconfig.SystemConfig, p *paths.Paths, hv Hypervisor, dialer AgentDialer) *Dispatcher {
	return &Dispatcher{Sys: sys, Paths: p, HV: hv, Dialer: dialer}
}

// Dispatch runs one Effect to completion and returns the Event it
// produces, satisfying flow.Worker. It never panics: handler failures are
// translated into the matching *Failed event.
func (d *Dispatcher) Dispatch(ctx context.Context, eff flow.Effect) flow.Event {
	ctx, span := tracer.Start(ctx, "worker.dispatch."+string(eff.Kind))
	defer span.End()

	switch eff.Kind {
	case flow.EnsureImage:
		return d.ensureImage(ctx)
	case flow.PrepareVm:
		return d.prepareVm(ctx)
	case flow.BootVm:
		return d.bootVm(ctx)
	case flow.ConnectAgent:
		return d.connectAgent(ctx)
	case flow.RunScript:
		return d.runScript(ctx, eff.ScriptGroup, eff.IsLastScriptGroup)
	case flow.StartServices:
		return d.startServices(ctx)
	case flow.ShutdownDomain:
		return d.shutdownDomain(ctx)
	case flow.DestroyDomain:
		return d.destroyDomain(ctx)
	case flow.CleanupArtifacts:
		return d.cleanupArtifacts(ctx)
	default:
		return flow.Event{Kind: flow.ScriptFailed, Reason: "unknown effect " + string(eff.Kind)}
	}
}
