package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveOne(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishToTaskSubscriber(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("T1")
	p.Publish(NewEvent(EventTaskProgress, "T1", nil))

	ev := receiveOne(t, ch)
	assert.Equal(t, EventTaskProgress, ev.Type)
	assert.Equal(t, "T1", ev.TaskID)
}

func TestGlobalSubscriberSeesAllTasks(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	global := p.Subscribe(GlobalTaskID)
	p.Publish(NewEvent(EventWorkerState, "T1", nil))
	p.Publish(NewEvent(EventWorkerState, "T2", nil))

	assert.Equal(t, "T1", receiveOne(t, global).TaskID)
	assert.Equal(t, "T2", receiveOne(t, global).TaskID)
}

func TestSubscriberForOtherTaskSeesNothing(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("T2")
	p.Publish(NewEvent(EventTaskComplete, "T1", nil))

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFullBufferDoesNotBlock(t *testing.T) {
	p := NewMemoryPublisher(WithBufferSize(1))
	defer p.Close()

	p.Subscribe("T1") // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			p.Publish(NewEvent(EventTaskProgress, "T1", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("T1")
	p.Unsubscribe("T1", ch)

	_, open := <-ch
	require.False(t, open)
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	p := NewMemoryPublisher()
	ch := p.Subscribe("T1")
	p.Close()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after close is a no-op, not a panic.
	p.Publish(NewEvent(EventError, "T1", nil))
}
