package flow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rumvm/rum/lib/vmstate"
)

var tracer = otel.Tracer("rum/flow")

// Worker dispatches one Effect and reports the Event its completion (or
// failure) produces. Implementations live in lib/worker; RunEventLoop
// only knows how to call them.
type Worker func(ctx context.Context, effect Effect) Event

// Broadcaster fans Transition values out to subscribers. Publishing never
// blocks the loop: when a subscriber's buffer is full, its oldest buffered
// transition is dropped to make room for the new one, the same bounded,
// drop-oldest posture as lib/agent's log ring.
type Broadcaster struct {
	subs []chan Transition
}

// Subscribe registers a new receiver with the given buffer capacity. The
// returned channel is never closed by the broadcaster; callers stop
// reading when they're done.
func (b *Broadcaster) Subscribe(capacity int) <-chan Transition {
	ch := make(chan Transition, capacity)
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Broadcaster) publish(t Transition) {
	for _, ch := range b.subs {
		select {
		case ch <- t:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- t:
		default:
		}
	}
}

// RunEventLoop drives flow to completion starting from initialState.
// commandCh feeds external events (InitShutdown, ForceStop, Detach) in
// from outside; it may be nil if this run accepts none. dispatch is
// called once per effect, in its own goroutine, and its result is fed
// back into the loop as an Event.
//
// Event delivery order between commandCh and worker completions is
// intentionally unspecified: callers must not depend on which fires
// first when both are ready.
func RunEventLoop(ctx context.Context, f Flow, initialState vmstate.State, commandCh <-chan Event, bus *Broadcaster, dispatch Worker) (vmstate.State, error) {
	ctx, span := tracer.Start(ctx, "flow.run_event_loop")
	defer span.End()

	state := initialState
	workerDone := make(chan Event)
	outstanding := 0

	dispatchAll := func(effects []Effect) {
		for _, eff := range effects {
			outstanding++
			eff := eff
			go func() {
				workerDone <- dispatch(ctx, eff)
			}()
		}
	}

	apply := func(event Event) {
		if isFailure(event.Kind) {
			span.AddEvent(string(event.Kind), traceEventAttrs(event)...)
		}
		next, effects := f.Transition(state, event)
		bus.publish(Transition{Old: state, New: next, Event: event})
		state = next
		dispatchAll(effects)
	}

	apply(Event{Kind: FlowStarted})

	for {
		if outstanding == 0 && commandCh == nil {
			return state, nil
		}
		if state.IsTerminal() {
			return state, nil
		}

		var workerCh <-chan Event
		if outstanding > 0 {
			workerCh = workerDone
		}

		select {
		case cmd, ok := <-commandCh:
			if !ok {
				commandCh = nil
				continue
			}
			apply(cmd)
		case evt := <-workerCh:
			outstanding--
			apply(evt)
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

func traceEventAttrs(event Event) []trace.EventOption {
	attrs := []attribute.KeyValue{attribute.String("event.name", event.Name)}
	if event.Reason != "" {
		attrs = append(attrs, attribute.String("event.reason", event.Reason))
	}
	return []trace.EventOption{trace.WithAttributes(attrs...)}
}
