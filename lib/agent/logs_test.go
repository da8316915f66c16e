package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBroadcaster_PublishWithNoSubscribersIsNoop(t *testing.T) {
	b := newLogBroadcaster(4)
	b.publish(LogEvent{Message: "nobody home"})
}

func TestLogBroadcaster_FanOutToMultipleSubscribers(t *testing.T) {
	b := newLogBroadcaster(4)
	a := b.subscribe()
	c := b.subscribe()
	defer b.unsubscribe(a)
	defer b.unsubscribe(c)

	b.publish(LogEvent{Message: "hello"})

	select {
	case ev := <-a:
		assert.Equal(t, "hello", ev.Message)
	case <-time.After(time.Second):
		t.Fatal("subscriber a did not receive event")
	}
	select {
	case ev := <-c:
		assert.Equal(t, "hello", ev.Message)
	case <-time.After(time.Second):
		t.Fatal("subscriber c did not receive event")
	}
}

func TestLogBroadcaster_DropsOldestWhenFull(t *testing.T) {
	b := newLogBroadcaster(2)
	ch := b.subscribe()
	defer b.unsubscribe(ch)

	b.publish(LogEvent{Message: "1"})
	b.publish(LogEvent{Message: "2"})
	b.publish(LogEvent{Message: "3"})

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			got = append(got, ev.Message)
		case <-time.After(time.Second):
			t.Fatal("expected buffered events")
		}
	}
	assert.Equal(t, []string{"2", "3"}, got)
}

func TestAgent_SubscribeLogsStreamsPublishedEvents(t *testing.T) {
	a := New("1.0", "vm1")
	client := newTestAgentConn(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := client.OpenCall(ctx, "subscribe_logs", struct{}{})
	require.NoError(t, err)
	defer stream.Close()

	// give the server side time to register its subscription before the
	// first publish, since subscribe is async relative to the call.
	time.Sleep(50 * time.Millisecond)
	a.Logf("info", "test", "line %d", 1)

	var ev LogEvent
	ok, err := stream.Recv(ctx, &ev)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "line 1", ev.Message)
}
