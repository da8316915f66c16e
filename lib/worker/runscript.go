package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rumvm/rum/lib/flow"
	"github.com/rumvm/rum/lib/logger"
	"github.com/rumvm/rum/lib/logging"
	"github.com/rumvm/rum/lib/rumerr"
	"github.com/rumvm/rum/lib/vmconfig"
	"github.com/rumvm/rum/lib/vmstate"
)

// runScript implements the RunScript effect: assemble the one named
// provisioning script for group, stream its output to a per-run log
// file, and report completion.
//
// There are three provisioning groups, always assembled in the same
// fixed order: "rum-drives" (generated from resolved filesystem entries,
// only present if any are configured), "rum-system"
// (config.provision.system, run once), "rum-boot" (config.provision.boot,
// run on every boot).
func (d *Dispatcher) runScript(ctx context.Context, group string, isLast bool) flow.Event {
	log := logger.FromContext(ctx)
	_, span := tracer.Start(ctx, "worker.runScript."+group)
	defer span.End()

	if d.agentConn == nil {
		return flow.Event{Kind: flow.ScriptFailed, Name: group, Reason: "no agent connection"}
	}

	script, err := d.buildScript(group)
	if err != nil {
		return flow.Event{Kind: flow.ScriptFailed, Name: group, Reason: err.Error()}
	}

	scriptLog, err := logging.OpenScriptLog(d.Paths, group)
	if err != nil {
		return flow.Event{Kind: flow.ScriptFailed, Name: group, Reason: err.Error()}
	}

	sink := make(chan ScriptOutput, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w := scriptLog.Writer()
		for line := range sink {
			prefix := "stdout"
			if line.Stderr {
				prefix = "stderr"
			}
			fmt.Fprintf(w, "[%s] %s", prefix, line.Line)
		}
	}()

	result, err := d.agentConn.Provision(ctx, []ProvisionScript{script}, sink)
	close(sink)
	<-done

	success := err == nil && result.Success
	if finishErr := scriptLog.Finish(success); finishErr != nil {
		log.WarnContext(ctx, "failed to finalize script log", "err", finishErr)
	}

	if !success {
		reason := "script exited non-zero"
		if err != nil {
			reason = err.Error()
		}
		return flow.Event{Kind: flow.ScriptFailed, Name: group, Reason: reason}
	}

	log.InfoContext(ctx, "script completed", "name", group)
	if isLast {
		if err := vmstate.UpdateRecord(d.Paths.StateFile(), func(rec *vmstate.Record) {
			rec.LastProvisionedAt = time.Now()
		}); err != nil {
			log.WarnContext(ctx, "failed to update state sidecar", "error", err)
		}
		return flow.Event{Kind: flow.AllScriptsComplete}
	}
	return flow.Event{Kind: flow.ScriptCompleted, Name: group}
}

func (d *Dispatcher) buildScript(group string) (ProvisionScript, error) {
	switch group {
	case "rum-drives":
		return ProvisionScript{
			Name:    group,
			Title:   "set up declared filesystems",
			Content: buildDriveScript(d.resolvedFs),
			Order:   0,
			RunOn:   RunOnSystem,
		}, nil
	case "rum-system":
		sys := d.Sys.Config.Provision.System
		if sys == nil {
			return ProvisionScript{}, rumerr.New(rumerr.Validation, "no [provision.system] configured")
		}
		return ProvisionScript{
			Name: group, Title: "system provisioning", Content: sys.Script, Order: 1, RunOn: RunOnSystem,
		}, nil
	case "rum-boot":
		boot := d.Sys.Config.Provision.Boot
		if boot == nil {
			return ProvisionScript{}, rumerr.New(rumerr.Validation, "no [provision.boot] configured")
		}
		return ProvisionScript{
			Name: group, Title: "boot provisioning", Content: boot.Script, Order: 2, RunOn: RunOnBoot,
		}, nil
	default:
		return ProvisionScript{}, rumerr.New(rumerr.Validation, fmt.Sprintf("unknown script group %q", group))
	}
}

// buildDriveScript renders a POSIX shell script that formats (if needed)
// and mounts every resolved filesystem entry, built from ResolvedFs's own
// field set and run idempotently (mkfs/zpool create are skipped when the
// target is already mounted).
func buildDriveScript(entries []vmconfig.ResolvedFs) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\n")

	for _, e := range entries {
		fmt.Fprintf(&b, "mkdir -p %s\n", shQuote(e.Target))
		fmt.Fprintf(&b, "if ! mountpoint -q %s; then\n", shQuote(e.Target))

		switch e.Kind {
		case vmconfig.FsZfs:
			fmt.Fprintf(&b, "  zpool list %s >/dev/null 2>&1 || zpool create -f -m %s %s %s\n",
				shQuote(e.Pool), shQuote(e.Target), shQuote(e.Pool), shQuoteAll(e.Devices))
		case vmconfig.FsBtrfs:
			fmt.Fprintf(&b, "  blkid %s >/dev/null 2>&1 || mkfs.btrfs -f %s\n", shQuote(e.Devices[0]), shQuoteAll(e.Devices))
			fmt.Fprintf(&b, "  mount %s %s\n", shQuote(e.Devices[0]), shQuote(e.Target))
		default:
			dev := e.Devices[0]
			fmt.Fprintf(&b, "  blkid %s >/dev/null 2>&1 || mkfs.%s %s\n", shQuote(dev), e.Filesystem, shQuote(dev))
			fmt.Fprintf(&b, "  mount %s %s\n", shQuote(dev), shQuote(e.Target))
		}
		b.WriteString("fi\n")
	}

	return b.String()
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shQuoteAll(ss []string) string {
	quoted := make([]string, len(ss))
	for i, s := range ss {
		quoted[i] = shQuote(s)
	}
	return strings.Join(quoted, " ")
}
