package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// ForwardPortsPath is where cloud-init writes the forwarded-port list on
// first boot (lib/cloudinit.SeedConfig.ForwardPorts) and where
// LoadForwardPorts reads it back from on agent startup.
const ForwardPortsPath = "/etc/rum-agent/forward-ports"

// LoadForwardPorts reads the forwarded-port list cloud-init wrote at path
// (one decimal port per line). A missing file means no ports are
// forwarded; that's not an error.
func LoadForwardPorts(path string) ([]uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var ports []uint32
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		n, err := strconv.ParseUint(line, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %q is not a port number: %w", path, line, err)
		}
		ports = append(ports, uint32(n))
	}
	return ports, sc.Err()
}

// ListenPortForwards opens one raw vsock listener per port in ports and
// proxies every accepted connection to 127.0.0.1:<port>, byte for byte,
// until ctx is cancelled. Unlike ping/exec/provision/file-transfer, this
// isn't part of the RPC service: the host dials each forwarded port's
// vsock address directly (lib/worker's StartServices effect, §4.7), so
// forwarding a connection never contends with an in-flight RPC call on
// the agent's main vsock port.
func (a *Agent) ListenPortForwards(ctx context.Context, ports []uint32) error {
	if len(ports) == 0 {
		return nil
	}

	listeners := make([]*vsock.Listener, 0, len(ports))
	for _, port := range ports {
		l, err := vsock.Listen(port, nil)
		if err != nil {
			for _, opened := range listeners {
				opened.Close()
			}
			return fmt.Errorf("listen on vsock port %d for forwarding: %w", port, err)
		}
		listeners = append(listeners, l)
	}

	go func() {
		<-ctx.Done()
		for _, l := range listeners {
			l.Close()
		}
	}()

	for i, port := range ports {
		go serveForwardListener(ctx, listeners[i], port)
	}

	<-ctx.Done()
	return ctx.Err()
}

func serveForwardListener(ctx context.Context, l *vsock.Listener, guestPort uint32) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("[rum-agent] port forward %d: accept failed: %v", guestPort, err)
				return
			}
		}
		go bridgeForward(conn, guestPort)
	}
}

func bridgeForward(vsockConn net.Conn, guestPort uint32) {
	defer vsockConn.Close()

	dst, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", guestPort))
	if err != nil {
		log.Printf("[rum-agent] port forward %d: dial loopback failed: %v", guestPort, err)
		return
	}
	defer dst.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(dst, vsockConn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(vsockConn, dst)
		done <- struct{}{}
	}()
	<-done
}
