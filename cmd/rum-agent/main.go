// Command rum-agent is the in-guest binary embedded into every VM's
// cloud-init seed (see lib/cloudinit and lib/system/rum_agent_binary.go):
// it brings up lib/agent's RPC endpoint on vsock port 2222 and serves it
// for the life of the guest.
//
// A minimal static binary: stdlib `log` only, no otel/slog dependency,
// since nothing outside the guest can read its output anyway.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rumvm/rum/lib/agent"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	a := agent.New(version, hostname)
	log.Printf("[rum-agent] starting, version=%s hostname=%s", version, hostname)

	ports, err := agent.LoadForwardPorts(agent.ForwardPortsPath)
	if err != nil {
		log.Printf("[rum-agent] reading forwarded-port list: %v", err)
	} else if len(ports) > 0 {
		log.Printf("[rum-agent] forwarding %d port(s): %v", len(ports), ports)
		go func() {
			if err := a.ListenPortForwards(ctx, ports); err != nil && ctx.Err() == nil {
				log.Printf("[rum-agent] port forwarding stopped: %v", err)
			}
		}()
	}

	if err := a.ListenAndServe(ctx); err != nil {
		log.Fatalf("[rum-agent] serve failed: %v", err)
	}
	log.Println("[rum-agent] shut down")
}
