package supervisor

import (
	"context"
	"fmt"
	"net"

	"github.com/rumvm/rum/lib/rpc"
	"github.com/rumvm/rum/lib/rpcclient"
	"github.com/rumvm/rum/lib/vmstate"
)

// rpcHandler serves the daemon service contract over one or more
// concurrent lib/rpc sessions accepted from a Unix socket. status and
// ssh_config consult the cached vmstate.Record sidecar before touching
// the hypervisor, so a VM that was never prepared answers instantly;
// once a record exists, whether it's actually running is still decided
// by a live query rather than from lib/flow's tracked state.
type rpcHandler struct {
	hv         Hypervisor
	vmName     string
	sshUser    string
	sshKeyPath string
	statePath  string

	// onExit is called once shutdown or force_stop has applied its
	// hypervisor action; it schedules the daemon's own exit after a
	// short flush delay so the RPC response reaches the caller first.
	onExit func()
}

// acceptLoop accepts sessions from ln until ctx is cancelled or ln
// closes, serving each concurrently. Returns once every accepted session
// has stopped.
func (h *rpcHandler) acceptLoop(ctx context.Context, ln net.Listener) {
	sessions := make(chan struct{})
	active := 0

	for {
		nc, err := ln.Accept()
		if err != nil {
			break
		}
		active++
		go func() {
			h.serveSession(ctx, nc)
			sessions <- struct{}{}
		}()
	}

	for ; active > 0; active-- {
		<-sessions
	}
}

func (h *rpcHandler) serveSession(ctx context.Context, nc net.Conn) {
	conn := rpc.NewConn(nc, false, 0)
	defer conn.Close()

	for {
		call, err := conn.Accept(ctx)
		if err != nil {
			return
		}
		go h.dispatch(ctx, call)
	}
}

func (h *rpcHandler) dispatch(ctx context.Context, call *rpc.IncomingCall) {
	switch call.Method() {
	case rpcclient.MethodPing:
		call.Respond(rpcclient.PingResult{Message: "daemon"})
	case rpcclient.MethodShutdown:
		h.handleShutdown(ctx, call)
	case rpcclient.MethodForceStop:
		h.handleForceStop(call)
	case rpcclient.MethodStatus:
		h.handleStatus(call)
	case rpcclient.MethodSSHConfig:
		h.handleSSHConfig(call)
	default:
		call.Fail(fmt.Errorf("unknown method %q", call.Method()))
	}
}

func (h *rpcHandler) handleStatus(call *rpc.IncomingCall) {
	state, ips, err := h.queryStatus()
	if err != nil {
		call.Fail(err)
		return
	}
	call.Respond(rpcclient.StatusResult{State: state, IPs: ips, DaemonRunning: true})
}

func (h *rpcHandler) queryStatus() (state string, ips []string, err error) {
	rec, _ := vmstate.LoadRecord(h.statePath)
	if rec.PreparedAt.IsZero() {
		return "not defined", nil, nil
	}

	exists, err := h.hv.DomainExists(h.vmName)
	if err != nil {
		return "", nil, err
	}
	if !exists {
		return "not defined", nil, nil
	}

	active, err := h.hv.IsActive(h.vmName)
	if err != nil {
		return "", nil, err
	}
	if !active {
		return "stopped", nil, nil
	}

	ips, err = h.hv.InterfaceAddresses(h.vmName)
	if err != nil {
		return "", nil, err
	}
	return "running", ips, nil
}

func (h *rpcHandler) handleSSHConfig(call *rpc.IncomingCall) {
	rec, _ := vmstate.LoadRecord(h.statePath)
	if rec.PreparedAt.IsZero() {
		call.Fail(fmt.Errorf("VM %q is not running", h.vmName))
		return
	}

	active, err := h.hv.IsActive(h.vmName)
	if err != nil {
		call.Fail(err)
		return
	}
	if !active {
		call.Fail(fmt.Errorf("VM %q is not running", h.vmName))
		return
	}

	ips, err := h.hv.InterfaceAddresses(h.vmName)
	if err != nil {
		call.Fail(err)
		return
	}
	ip, err := firstIP(ips)
	if err != nil {
		call.Fail(fmt.Errorf("no IP found for VM %q", h.vmName))
		return
	}

	text := renderSSHConfig(h.vmName, ip, h.sshUser, h.sshKeyPath)
	call.Respond(rpcclient.SSHConfigResult{Text: text})
}

// handleShutdown requests an ACPI shutdown, polling for up to 30s before
// forcing a destroy.
func (h *rpcHandler) handleShutdown(ctx context.Context, call *rpc.IncomingCall) {
	active, err := h.hv.IsActive(h.vmName)
	if err != nil {
		call.Fail(err)
		return
	}
	if !active {
		call.Respond(rpcclient.ShutdownResult{Message: fmt.Sprintf("VM %q is not running.", h.vmName)})
		return
	}

	if err := h.hv.Shutdown(h.vmName); err != nil {
		call.Fail(err)
		return
	}

	if waitForStop(ctx, h.hv, h.vmName, shutdownPollInterval, shutdownPollAttempts) {
		call.Respond(rpcclient.ShutdownResult{Message: fmt.Sprintf("VM %q stopped.", h.vmName)})
		h.deferExit()
		return
	}

	_ = h.hv.Destroy(h.vmName)
	call.Respond(rpcclient.ShutdownResult{Message: fmt.Sprintf("VM %q force stopped.", h.vmName)})
	h.deferExit()
}

func (h *rpcHandler) handleForceStop(call *rpc.IncomingCall) {
	if active, err := h.hv.IsActive(h.vmName); err == nil && active {
		_ = h.hv.Destroy(h.vmName)
	}
	call.Respond(rpcclient.ForceStopResult{Message: fmt.Sprintf("VM %q force stopped.", h.vmName)})
	h.deferExit()
}

func (h *rpcHandler) deferExit() {
	if h.onExit != nil {
		h.onExit()
	}
}
