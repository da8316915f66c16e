// Package flow implements the pure state-transition core of the VM
// lifecycle engine: an Event/Effect vocabulary, six Flow implementations
// selected by command + current state, and the single-threaded
// cooperative event loop that drives a Flow to completion by dispatching
// its effects as concurrent workers.
package flow

import (
	"fmt"

	"github.com/rumvm/rum/lib/rumerr"
	"github.com/rumvm/rum/lib/vmstate"
)

// EventKind is the closed set of events a Flow's transition table can
// receive.
type EventKind string

const (
	FlowStarted         EventKind = "flow_started"
	ImageReady          EventKind = "image_ready"
	ImageFailed         EventKind = "image_failed"
	VmPrepared          EventKind = "vm_prepared"
	PrepareFailed       EventKind = "prepare_failed"
	DomainStarted       EventKind = "domain_started"
	BootFailed          EventKind = "boot_failed"
	AgentConnected      EventKind = "agent_connected"
	AgentTimeout        EventKind = "agent_timeout"
	ScriptStarted       EventKind = "script_started"
	ScriptCompleted     EventKind = "script_completed"
	ScriptFailed        EventKind = "script_failed"
	AllScriptsComplete  EventKind = "all_scripts_complete"
	ServicesStarted     EventKind = "services_started"
	ShutdownComplete    EventKind = "shutdown_complete"
	DomainStopped       EventKind = "domain_stopped"
	CleanupComplete     EventKind = "cleanup_complete"
	DestroyComplete     EventKind = "destroy_complete"
	InitShutdown        EventKind = "init_shutdown"
	ForceStop           EventKind = "force_stop"
	Detach              EventKind = "detach"
)

// Event is one value flowing through a Flow's transition function, either
// produced by a worker's completion or received as an external command.
type Event struct {
	Kind EventKind

	// Name carries the script/group name for Script* events.
	Name string
	// Reason carries the user-facing failure string for *Failed events.
	Reason string
	// Path carries the cached image path for ImageReady.
	Path string
}

func isFailure(k EventKind) bool {
	switch k {
	case ImageFailed, PrepareFailed, BootFailed, AgentTimeout, ScriptFailed:
		return true
	default:
		return false
	}
}

// EffectKind is the closed set of units of work an event loop dispatches.
type EffectKind string

const (
	EnsureImage      EffectKind = "ensure_image"
	PrepareVm        EffectKind = "prepare_vm"
	BootVm           EffectKind = "boot_vm"
	ConnectAgent     EffectKind = "connect_agent"
	RunScript        EffectKind = "run_script"
	StartServices    EffectKind = "start_services"
	ShutdownDomain   EffectKind = "shutdown_domain"
	DestroyDomain    EffectKind = "destroy_domain"
	CleanupArtifacts EffectKind = "cleanup_artifacts"
)

// Effect is one unit of work a Flow asks the event loop to dispatch.
type Effect struct {
	Kind EffectKind

	// ScriptGroup names the provisioning group for RunScript ("rum-drives",
	// "rum-system", "rum-boot").
	ScriptGroup string
	// IsLastScriptGroup tells the RunScript worker to emit
	// AllScriptsComplete once this group finishes, rather than just
	// ScriptCompleted.
	IsLastScriptGroup bool
}

// Flow is a pure state machine: given the current VmState and an Event,
// it returns the next VmState and any effects to dispatch. Unknown events
// must return the current state unchanged with no effects.
type Flow interface {
	ValidEntryStates() []vmstate.State
	Transition(state vmstate.State, event Event) (vmstate.State, []Effect)
}

// Transition is one published state change, broadcast to observers.
type Transition struct {
	Old   vmstate.State
	New   vmstate.State
	Event Event
}

// Command is a caller-issued request that selects and scopes a Flow run.
type Command int

const (
	CmdUp Command = iota
	CmdDown
	CmdDestroy
	CmdProvision
)

// ScriptPlan tells a Flow which provisioning groups are configured for
// this VM, in the fixed order they must run.
type ScriptPlan struct {
	HasDriveSetup   bool // true iff any [fs.*] entries are configured
	HasSystemScript bool // true iff [provision.system] is configured
	HasBootScript   bool // true iff [provision.boot] is configured
}

// SelectFlow picks the Flow a command should run, given the VM's current
// detected state.
func SelectFlow(cmd Command, state vmstate.State, plan ScriptPlan) (Flow, error) {
	switch cmd {
	case CmdUp:
		switch state {
		case vmstate.Virgin, vmstate.ImageCached, vmstate.Prepared, vmstate.PartialBoot:
			return FirstBootFlow{Plan: plan}, nil
		case vmstate.Provisioned:
			return RebootFlow{Plan: plan}, nil
		case vmstate.Running:
			return ReattachFlow{}, nil
		case vmstate.RunningStale:
			return nil, requiresRestartErr()
		}
	case CmdDown:
		if err := requireState(state, vmstate.Running, vmstate.RunningStale); err != nil {
			return nil, err
		}
		return ShutdownFlow{}, nil
	case CmdDestroy:
		return DestroyFlow{}, nil
	case CmdProvision:
		if err := requireState(state, vmstate.Running); err != nil {
			return nil, err
		}
		return ReprovisionFlow{Plan: plan}, nil
	}
	return nil, requiresRestartErr()
}

func requireState(state vmstate.State, valid ...vmstate.State) error {
	for _, v := range valid {
		if state == v {
			return nil
		}
	}
	return validationErr(state, valid)
}

func requiresRestartErr() error {
	return rumerr.New(rumerr.RequiresRestart, "domain is running with a stale descriptor; restart is required before this command can proceed")
}

func validationErr(state vmstate.State, valid []vmstate.State) error {
	return rumerr.New(rumerr.Validation, fmt.Sprintf("command is not valid from state %s (requires one of %v)", state, valid))
}

// groups returns the configured provisioning groups in fixed order:
// drive setup, system scripts, boot scripts.
func (p ScriptPlan) groups(includeBoot bool) []string {
	var groups []string
	if p.HasDriveSetup {
		groups = append(groups, "rum-drives")
	}
	if p.HasSystemScript {
		groups = append(groups, "rum-system")
	}
	if includeBoot && p.HasBootScript {
		groups = append(groups, "rum-boot")
	}
	return groups
}

func indexOf(groups []string, name string) int {
	for i, g := range groups {
		if g == name {
			return i
		}
	}
	return -1
}

// runScriptChain is the shared sequencing logic every flow with
// provisioning groups uses: emit the first group on entry, advance on
// each ScriptCompleted, and let the caller decide what happens once the
// chain is exhausted.
func runScriptChain(groups []string, event Event, onDone func() (vmstate.State, []Effect), state vmstate.State) (vmstate.State, []Effect, bool) {
	switch event.Kind {
	case AgentConnected, ScriptCompleted:
		var idx int
		if event.Kind == AgentConnected {
			idx = -1
		} else {
			idx = indexOf(groups, event.Name)
			if idx < 0 {
				return state, nil, true
			}
		}
		next := idx + 1
		if next >= len(groups) {
			if event.Kind == AgentConnected {
				// No groups configured at all.
				s, e := onDone()
				return s, e, true
			}
			// Last group completed; wait for AllScriptsComplete.
			return state, nil, true
		}
		return state, []Effect{{
			Kind:              RunScript,
			ScriptGroup:       groups[next],
			IsLastScriptGroup: next == len(groups)-1,
		}}, true
	case AllScriptsComplete:
		s, e := onDone()
		return s, e, true
	case ScriptFailed:
		// Halt; artifacts stay in place, next state detection re-derives
		// the real position (§7 idempotence-as-recovery policy).
		return state, nil, true
	}
	return state, nil, false
}
