package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rumvm/rum/lib/rpc"
)

// logBufferCapacity bounds each subscriber's pending-event backlog; over
// capacity the oldest unread event is dropped rather than blocking the
// publisher, since log delivery is best-effort.
const logBufferCapacity = 4096

func nowMicros() int64 {
	return time.Now().UnixMicro()
}

// logBroadcaster fans LogEvents out to every current subscriber. It never
// does work when there are no subscribers: publish with an empty
// subscriber set is a no-op, matching the contract's "must not synthesize
// events" requirement.
type logBroadcaster struct {
	mu       sync.Mutex
	capacity int
	subs     map[chan LogEvent]struct{}
}

func newLogBroadcaster(capacity int) *logBroadcaster {
	return &logBroadcaster{capacity: capacity, subs: make(map[chan LogEvent]struct{})}
}

func (b *logBroadcaster) subscribe() chan LogEvent {
	ch := make(chan LogEvent, b.capacity)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *logBroadcaster) unsubscribe(ch chan LogEvent) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

func (b *logBroadcaster) publish(ev LogEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// Full: drop the oldest queued event to make room, best-effort.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// handleSubscribeLogs streams broadcast events to the caller until the
// connection closes or ctx is cancelled. The call never reaches a final
// Respond: the whole underlying Conn closing (on agent disconnect) is
// what ends the subscription, matching "dropping the caller-side handle
// cancels the call."
func (a *Agent) handleSubscribeLogs(ctx context.Context, call *rpc.IncomingCall) {
	ch := a.logs.subscribe()
	defer a.logs.unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if err := call.Send(ev); err != nil {
				return
			}
		}
	}
}
