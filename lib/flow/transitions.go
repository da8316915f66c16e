package flow

import "github.com/rumvm/rum/lib/vmstate"

// FirstBootFlow drives a VM from any pre-running state through image
// fetch, preparation, boot, agent handshake, provisioning, and service
// start, ending at Running.
type FirstBootFlow struct {
	Plan ScriptPlan
}

func (f FirstBootFlow) ValidEntryStates() []vmstate.State {
	return []vmstate.State{vmstate.Virgin, vmstate.ImageCached, vmstate.Prepared, vmstate.PartialBoot}
}

func (f FirstBootFlow) Transition(state vmstate.State, event Event) (vmstate.State, []Effect) {
	groups := f.Plan.groups(true)

	if next, effects, handled := runScriptChain(groups, event, func() (vmstate.State, []Effect) {
		return vmstate.Provisioned, []Effect{{Kind: StartServices}}
	}, state); handled {
		return next, effects
	}

	switch event.Kind {
	case FlowStarted:
		return state, []Effect{{Kind: EnsureImage}}
	case ImageReady:
		return vmstate.ImageCached, []Effect{{Kind: PrepareVm}}
	case VmPrepared:
		return vmstate.Prepared, []Effect{{Kind: BootVm}}
	case DomainStarted:
		return vmstate.PartialBoot, []Effect{{Kind: ConnectAgent}}
	case ServicesStarted:
		return vmstate.Running, nil
	case ImageFailed, PrepareFailed, BootFailed, AgentTimeout:
		// Leave state as-is; artifacts already written stay in place and
		// the next state detection re-derives the real position.
		return state, nil
	default:
		return state, nil
	}
}

// RebootFlow drives a Provisioned VM back up without re-running drive or
// system scripts: only boot scripts run on every boot.
type RebootFlow struct {
	Plan ScriptPlan
}

func (f RebootFlow) ValidEntryStates() []vmstate.State {
	return []vmstate.State{vmstate.Provisioned}
}

func (f RebootFlow) Transition(state vmstate.State, event Event) (vmstate.State, []Effect) {
	groups := onlyBootGroup(f.Plan)

	if next, effects, handled := runScriptChain(groups, event, func() (vmstate.State, []Effect) {
		return vmstate.Provisioned, []Effect{{Kind: StartServices}}
	}, state); handled {
		return next, effects
	}

	switch event.Kind {
	case FlowStarted:
		return state, []Effect{{Kind: BootVm}}
	case DomainStarted:
		return vmstate.PartialBoot, []Effect{{Kind: ConnectAgent}}
	case ServicesStarted:
		return vmstate.Running, nil
	case BootFailed, AgentTimeout:
		return state, nil
	default:
		return state, nil
	}
}

func onlyBootGroup(plan ScriptPlan) []string {
	if plan.HasBootScript {
		return []string{"rum-boot"}
	}
	return nil
}

// ReattachFlow reconnects to an already-running VM without touching
// artifacts, the domain, or provisioning.
type ReattachFlow struct{}

func (f ReattachFlow) ValidEntryStates() []vmstate.State {
	return []vmstate.State{vmstate.Running}
}

func (f ReattachFlow) Transition(state vmstate.State, event Event) (vmstate.State, []Effect) {
	switch event.Kind {
	case FlowStarted:
		return state, []Effect{{Kind: ConnectAgent}}
	case AgentConnected:
		return state, []Effect{{Kind: StartServices}}
	case ServicesStarted:
		return vmstate.Running, nil
	case AgentTimeout:
		return state, nil
	default:
		return state, nil
	}
}

// ShutdownFlow stops a running domain and leaves its artifacts in place.
type ShutdownFlow struct{}

func (f ShutdownFlow) ValidEntryStates() []vmstate.State {
	return []vmstate.State{vmstate.Running, vmstate.RunningStale}
}

func (f ShutdownFlow) Transition(state vmstate.State, event Event) (vmstate.State, []Effect) {
	switch event.Kind {
	case FlowStarted:
		return state, []Effect{{Kind: ShutdownDomain}}
	case ShutdownComplete:
		return vmstate.Provisioned, nil
	default:
		return state, nil
	}
}

// DestroyFlow tears a VM down entirely: stop the domain (if any), then
// delete every on-disk artifact, ending back at Virgin.
type DestroyFlow struct{}

func (f DestroyFlow) ValidEntryStates() []vmstate.State {
	return []vmstate.State{
		vmstate.Virgin, vmstate.ImageCached, vmstate.Prepared, vmstate.PartialBoot,
		vmstate.Provisioned, vmstate.Running, vmstate.RunningStale,
	}
}

func (f DestroyFlow) Transition(state vmstate.State, event Event) (vmstate.State, []Effect) {
	switch event.Kind {
	case FlowStarted:
		if state == vmstate.Running || state == vmstate.RunningStale {
			return state, []Effect{{Kind: DestroyDomain}}
		}
		return state, []Effect{{Kind: CleanupArtifacts}}
	case DomainStopped:
		return state, []Effect{{Kind: CleanupArtifacts}}
	case CleanupComplete:
		return vmstate.Virgin, nil
	default:
		return state, nil
	}
}

// ReprovisionFlow re-runs system scripts against an already-running VM
// without restarting the domain or its services.
type ReprovisionFlow struct {
	Plan ScriptPlan
}

func (f ReprovisionFlow) ValidEntryStates() []vmstate.State {
	return []vmstate.State{vmstate.Running}
}

func (f ReprovisionFlow) Transition(state vmstate.State, event Event) (vmstate.State, []Effect) {
	groups := onlySystemGroup(f.Plan)

	if next, effects, handled := runScriptChain(groups, event, func() (vmstate.State, []Effect) {
		return vmstate.Running, nil
	}, state); handled {
		return next, effects
	}

	switch event.Kind {
	case FlowStarted:
		if len(groups) == 0 {
			return state, nil
		}
		return state, []Effect{{Kind: RunScript, ScriptGroup: groups[0], IsLastScriptGroup: len(groups) == 1}}
	default:
		return state, nil
	}
}

func onlySystemGroup(plan ScriptPlan) []string {
	if plan.HasSystemScript {
		return []string{"rum-system"}
	}
	return nil
}
