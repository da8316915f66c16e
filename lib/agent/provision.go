package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rumvm/rum/lib/rpc"
)

// ProvisionedMarkerPath is the in-guest file whose existence means system
// provisioning has succeeded at least once; its absence drives the host's
// PartialBoot → Prepared distinction (§3).
const ProvisionedMarkerPath = "/var/lib/rum/provisioned"

// markerPathOverride lets tests redirect touchProvisionedMarker away from
// the real, normally-unwritable absolute path.
var markerPathOverride = ProvisionedMarkerPath

// handleProvision runs scripts in order, stopping at the first non-zero
// exit. On full success, touches ProvisionedMarkerPath if any System
// script ran.
func (a *Agent) handleProvision(ctx context.Context, call *rpc.IncomingCall) {
	var req ProvisionRequest
	if err := call.DecodeRequest(&req); err != nil {
		call.Fail(err)
		return
	}

	scripts := append([]ProvisionScript(nil), req.Scripts...)
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Order < scripts[j].Order })

	var sawSystem bool
	for _, script := range scripts {
		if script.RunOn == RunOnSystem {
			sawSystem = true
		}
		if err := runProvisionScript(ctx, call, script); err != nil {
			call.Respond(ProvisionResult{Success: false, FailedScript: script.Name})
			return
		}
	}

	if sawSystem {
		if err := touchProvisionedMarker(); err != nil {
			call.Respond(ProvisionResult{Success: false, FailedScript: ""})
			return
		}
	}
	call.Respond(ProvisionResult{Success: true})
}

func runProvisionScript(ctx context.Context, call *rpc.IncomingCall, script ProvisionScript) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script.Content)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go relayScriptOutput(&wg, call, stdout, script.Name, false)
	go relayScriptOutput(&wg, call, stderr, script.Name, true)
	wg.Wait()

	code, _ := exitStatus(cmd.Wait())
	if code != 0 {
		return fmt.Errorf("script %q exited %d", script.Name, code)
	}
	return nil
}

func relayScriptOutput(wg *sync.WaitGroup, call *rpc.IncomingCall, r io.Reader, name string, stderr bool) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		call.Send(ScriptOutput{ScriptName: name, Stderr: stderr, Line: append([]byte(nil), scanner.Bytes()...)})
	}
}

func touchProvisionedMarker() error {
	if err := os.MkdirAll(filepath.Dir(markerPathOverride), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(markerPathOverride, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
