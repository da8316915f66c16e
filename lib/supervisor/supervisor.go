// Package supervisor runs the per-VM daemon process: drives the
// caller-selected flow to completion, then serves the daemon RPC
// contract (ping/shutdown/force_stop/status/ssh_config) on a Unix socket
// until an exit condition fires.
//
// shutdown/force_stop/status/ssh_config are handled outside lib/flow's
// event loop rather than by feeding events into it: none of lib/flow's
// Running-state transition tables consume InitShutdown/ForceStop, since
// those commands terminate the daemon rather than driving the VM through
// another flow.
package supervisor

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rumvm/rum/lib/flow"
	"github.com/rumvm/rum/lib/logger"
	"github.com/rumvm/rum/lib/paths"
	"github.com/rumvm/rum/lib/rumerr"
	"github.com/rumvm/rum/lib/vmconfig"
	"github.com/rumvm/rum/lib/vmstate"
	"github.com/rumvm/rum/lib/worker"
)

// Hypervisor is every hypervisor capability the daemon needs: the full
// worker.Hypervisor set (to run the flow's effects and to detect the
// initial state) plus InterfaceAddresses for status/ssh_config.
type Hypervisor interface {
	worker.Hypervisor
	InterfaceAddresses(name string) ([]string, error)
}

// Supervisor runs one VM's daemon process for its entire lifetime. The
// zero value is not usable; every field must be set before calling Run.
type Supervisor struct {
	Sys    *vmconfig.SystemConfig
	Paths  *paths.Paths
	HV     Hypervisor
	Dialer worker.AgentDialer

	// Cmd and Plan select which flow Run drives to completion; see
	// flow.SelectFlow.
	Cmd  flow.Command
	Plan flow.ScriptPlan

	mu    sync.Mutex
	state vmstate.State
}

func (s *Supervisor) setState(st vmstate.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) getState() vmstate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run executes the full daemon lifecycle and returns once every exit
// condition has been handled and cleanup is complete.
func (s *Supervisor) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	vmName := s.Sys.DisplayName()

	if err := s.Paths.EnsureWorkDir(); err != nil {
		return err
	}

	pidPath := s.Paths.PIDFile()
	if err := refuseIfAlreadyRunning(pidPath); err != nil {
		return err
	}
	if err := writePIDFile(pidPath); err != nil {
		return rumerr.Wrapf(rumerr.Io, err, "writing PID file %s", pidPath)
	}
	defer os.Remove(pidPath)

	sockPath := s.Paths.Socket()
	os.Remove(sockPath)
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return rumerr.Wrapf(rumerr.Io, err, "binding daemon socket %s", sockPath)
	}
	defer func() {
		ln.Close()
		os.Remove(sockPath)
	}()

	initialState, err := vmstate.DetectFromDisk(s.Sys, s.HV)
	if err != nil {
		return err
	}
	s.setState(initialState)

	f, err := flow.SelectFlow(s.Cmd, initialState, s.Plan)
	if err != nil {
		return err
	}

	log.Info("daemon starting", "vm", vmName, "socket", sockPath, "initial_state", initialState.String())

	bus := &flow.Broadcaster{}
	transitions := bus.Subscribe(8)
	dispatcher := worker.New(s.Sys, s.Paths, s.HV, s.Dialer)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	transitionsDone := make(chan struct{})
	go func() {
		defer close(transitionsDone)
		for {
			select {
			case <-runCtx.Done():
				return
			case t := <-transitions:
				s.setState(t.New)
			}
		}
	}()

	flowErrCh := make(chan error, 1)
	go func() {
		finalState, err := flow.RunEventLoop(runCtx, f, initialState, nil, bus, dispatcher.Dispatch)
		s.setState(finalState)
		flowErrCh <- err
	}()

	exitCh := make(chan struct{}, 1)
	deferredExit := func() {
		go func() {
			time.Sleep(100 * time.Millisecond)
			select {
			case exitCh <- struct{}{}:
			default:
			}
		}()
	}

	handler := &rpcHandler{
		hv:         s.HV,
		vmName:     vmName,
		sshUser:    s.Sys.Config.SSH.User,
		sshKeyPath: s.Paths.SSHPrivateKey(),
		statePath:  s.Paths.StateFile(),
		onExit:     deferredExit,
	}

	acceptDone := make(chan struct{})
	go func() {
		handler.acceptLoop(runCtx, ln)
		close(acceptDone)
	}()

	domainStopped := make(chan struct{})
	go pollDomainStopped(runCtx, s.HV, vmName, domainStopped)

	var runErr error
	var flowDone bool
	select {
	case runErr = <-flowErrCh:
		flowDone = true
		if s.getState().IsTerminal() {
			log.Info("flow reached terminal state, daemon exiting")
			break
		}
		// Non-terminal completion (e.g. booted to Running): keep serving
		// until a real exit condition fires.
		select {
		case <-domainStopped:
			log.Info("domain stopped externally, daemon exiting")
		case <-exitCh:
			log.Info("RPC-requested exit, daemon exiting")
		case <-ctx.Done():
			log.Info("daemon received shutdown signal")
		}
	case <-domainStopped:
		log.Info("domain stopped externally, daemon exiting")
	case <-exitCh:
		log.Info("RPC-requested exit, daemon exiting")
	case <-ctx.Done():
		log.Info("daemon received shutdown signal")
	}

	cancelRun()
	ln.Close()
	<-acceptDone
	<-transitionsDone
	if !flowDone {
		runErr = <-flowErrCh
	}

	return runErr
}
