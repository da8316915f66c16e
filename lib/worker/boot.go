package worker

import (
	"context"
	"time"

	"github.com/rumvm/rum/lib/flow"
	"github.com/rumvm/rum/lib/logger"
	"github.com/rumvm/rum/lib/vmstate"
)

// bootVm implements the BootVm effect: start the already-defined domain.
// Starting twice is a no-op from the flow's point of view since state
// detection only ever calls this from a not-yet-running state.
func (d *Dispatcher) bootVm(ctx context.Context) flow.Event {
	log := logger.FromContext(ctx)
	_, span := tracer.Start(ctx, "worker.bootVm")
	defer span.End()

	name := d.Sys.DisplayName()
	active, err := d.HV.IsActive(name)
	if err != nil {
		return flow.Event{Kind: flow.BootFailed, Reason: err.Error()}
	}
	if !active {
		if err := d.HV.Start(name); err != nil {
			return flow.Event{Kind: flow.BootFailed, Reason: err.Error()}
		}
	}

	log.InfoContext(ctx, "domain started", "name", name)

	info, infoErr := d.HV.Info(name)
	if err := vmstate.UpdateRecord(d.Paths.StateFile(), func(rec *vmstate.Record) {
		rec.LastBootAt = time.Now()
		if infoErr == nil {
			rec.VsockCID = info.VsockCID
		}
	}); err != nil {
		log.WarnContext(ctx, "failed to update state sidecar", "error", err)
	}

	return flow.Event{Kind: flow.DomainStarted}
}
