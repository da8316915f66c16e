package worker

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/rumvm/rum/lib/flow"
	"github.com/rumvm/rum/lib/logger"
)

// startServices implements the StartServices effect: open a log
// subscription from the guest agent and start one TCP listener per
// configured port forward, bridging each accepted connection to the
// matching guest port over vsock. Listeners run for the remaining
// lifetime of ctx (the event loop's own context), not just this call.
//
// Each accepted socket gets its own dialed vsock connection rather than
// sharing a single pooled connection across forwards.
func (d *Dispatcher) startServices(ctx context.Context) flow.Event {
	log := logger.FromContext(ctx)
	_, span := tracer.Start(ctx, "worker.startServices")
	defer span.End()

	if d.agentConn == nil {
		return flow.Event{Kind: flow.ScriptFailed, Reason: "no agent connection"}
	}

	logs, err := d.agentConn.SubscribeLogs(ctx)
	if err != nil {
		return flow.Event{Kind: flow.ScriptFailed, Reason: err.Error()}
	}
	go relayLogs(ctx, log, logs)

	for _, p := range d.Sys.Config.Ports {
		bind := p.Bind
		if bind == "" {
			bind = "127.0.0.1"
		}
		ln, err := net.Listen("tcp", bind+":"+strconv.Itoa(int(p.Host)))
		if err != nil {
			return flow.Event{Kind: flow.ScriptFailed, Reason: err.Error()}
		}
		go d.servePortForward(ctx, ln, uint32(p.Guest))
	}

	log.InfoContext(ctx, "services started", "ports", len(d.Sys.Config.Ports))
	return flow.Event{Kind: flow.ServicesStarted}
}

func relayLogs(ctx context.Context, log *slog.Logger, logs <-chan LogEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-logs:
			if !ok {
				return
			}
			log.InfoContext(ctx, "guest log", "source", ev.Source, "line", string(ev.Line))
		}
	}
}

func (d *Dispatcher) servePortForward(ctx context.Context, ln net.Listener, guestPort uint32) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go d.bridgeConn(ctx, conn, guestPort)
	}
}

func (d *Dispatcher) bridgeConn(ctx context.Context, conn net.Conn, guestPort uint32) {
	defer conn.Close()

	guestConn, err := d.agentConn.DialGuestPort(ctx, guestPort)
	if err != nil {
		return
	}
	defer guestConn.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(guestConn, conn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, guestConn)
		done <- struct{}{}
	}()
	<-done
}

