package worker

import (
	"context"
	"os"

	"github.com/rumvm/rum/lib/domainxml"
	"github.com/rumvm/rum/lib/flow"
	"github.com/rumvm/rum/lib/logger"
)

// shutdownDomain implements the ShutdownDomain effect: request a graceful
// ACPI shutdown of the running domain, closing the agent connection this
// Dispatcher may be holding from an earlier ConnectAgent.
func (d *Dispatcher) shutdownDomain(ctx context.Context) flow.Event {
	log := logger.FromContext(ctx)
	_, span := tracer.Start(ctx, "worker.shutdownDomain")
	defer span.End()

	if d.agentConn != nil {
		d.agentConn.Close()
		d.agentConn = nil
	}

	name := d.Sys.DisplayName()
	if err := d.HV.Shutdown(name); err != nil {
		return flow.Event{Kind: flow.ScriptFailed, Reason: err.Error()}
	}

	log.InfoContext(ctx, "shutdown requested", "name", name)
	return flow.Event{Kind: flow.ShutdownComplete}
}

// destroyDomain implements the DestroyDomain effect: forcefully stop and
// undefine the domain plus any host-only networks it used. Tolerant of
// the domain already being gone, matching Destroy/DestroyNetwork's own
// not-found tolerance.
func (d *Dispatcher) destroyDomain(ctx context.Context) flow.Event {
	log := logger.FromContext(ctx)
	_, span := tracer.Start(ctx, "worker.destroyDomain")
	defer span.End()

	if d.agentConn != nil {
		d.agentConn.Close()
		d.agentConn = nil
	}

	name := d.Sys.DisplayName()
	if err := d.HV.Destroy(name); err != nil {
		return flow.Event{Kind: flow.ScriptFailed, Reason: err.Error()}
	}

	for _, iface := range d.Sys.Config.Network.Interfaces {
		netName := domainxml.PrefixedNetworkName(d.Sys.ID, iface.Network)
		if err := d.HV.DestroyNetwork(netName); err != nil {
			log.WarnContext(ctx, "failed to destroy network", "network", netName, "err", err)
		}
	}

	log.InfoContext(ctx, "domain destroyed", "name", name)
	return flow.Event{Kind: flow.DestroyComplete}
}

// cleanupArtifacts implements the CleanupArtifacts effect: remove the
// VM's entire on-disk work directory (overlay, drives, seeds, domain
// descriptor, logs, SSH keys, PID/socket files). Only reached once
// DestroyDomain has already undefined the domain and its networks.
func (d *Dispatcher) cleanupArtifacts(ctx context.Context) flow.Event {
	log := logger.FromContext(ctx)
	_, span := tracer.Start(ctx, "worker.cleanupArtifacts")
	defer span.End()

	if err := os.RemoveAll(d.Paths.WorkDir()); err != nil {
		return flow.Event{Kind: flow.ScriptFailed, Reason: err.Error()}
	}

	log.InfoContext(ctx, "artifacts cleaned up", "dir", d.Paths.WorkDir())
	return flow.Event{Kind: flow.CleanupComplete}
}
