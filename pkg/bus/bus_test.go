package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func recvOne(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	b := New(DefaultQueueCapacity)
	sub := b.Subscribe(SessionTopic("s1"))
	defer sub.Close()

	for i := 1; i <= 10; i++ {
		b.Publish(SessionTopic("s1"), Event{Type: EventTypeStateChanged, Sequence: uint64(i)})
	}

	for i := 1; i <= 10; i++ {
		ev := recvOne(t, sub)
		assert.Equal(t, uint64(i), ev.Sequence)
		assert.Equal(t, SessionTopic("s1"), ev.Topic)
	}
}

func TestSlowSubscriberLagsAlone(t *testing.T) {
	b := New(8)
	topic := VideoTopic("v1")
	slow := b.Subscribe(topic)
	fast := b.Subscribe(topic)
	defer slow.Close()
	defer fast.Close()

	// The fast subscriber drains between bursts and never overflows; the
	// slow one is never drained and must overflow.
	total := 0
	for burst := 0; burst < 4; burst++ {
		for i := 0; i < 5; i++ {
			total++
			b.Publish(topic, Event{Type: EventTypeNoteCreated, Sequence: uint64(total)})
		}
		for i := 0; i < 5; i++ {
			ev := recvOne(t, fast)
			assert.Equal(t, EventTypeNoteCreated, ev.Type)
		}
	}

	// Drain the slow subscriber: it must see a lagged marker with a
	// positive drop count, and the events after the marker must be the
	// newest ones, still in order.
	var sawLagged bool
	var dropped uint64
	var afterMarker []uint64
	for drained := 0; drained < 8; drained++ {
		select {
		case ev := <-slow.C():
			if ev.Type == EventTypeLagged {
				sawLagged = true
				dropped = ev.Payload.(LaggedPayload).Dropped
				afterMarker = nil
				continue
			}
			if sawLagged {
				afterMarker = append(afterMarker, ev.Sequence)
			}
		default:
			drained = 8
		}
	}

	require.True(t, sawLagged, "slow subscriber should have received a lagged marker")
	assert.Greater(t, dropped, uint64(0))
	assert.Contains(t, afterMarker, uint64(total), "newest event survives the eviction")
	for i := 1; i < len(afterMarker); i++ {
		assert.Greater(t, afterMarker[i], afterMarker[i-1], "post-marker events stay ordered")
	}
}

func TestLaggedMarkerPrecedesNewerEvents(t *testing.T) {
	b := New(8)
	sub := b.Subscribe(SessionTopic("s1"))
	defer sub.Close()

	for i := 1; i <= 9; i++ {
		b.Publish(SessionTopic("s1"), Event{Type: EventTypeStateChanged, Sequence: uint64(i)})
	}

	// Capacity 8 + one overflow: events 1 and 2 are evicted, the marker is
	// inserted ahead of event 9.
	want := []uint64{3, 4, 5, 6, 7, 8}
	for _, seq := range want {
		assert.Equal(t, seq, recvOne(t, sub).Sequence)
	}

	marker := recvOne(t, sub)
	require.Equal(t, EventTypeLagged, marker.Type)
	assert.Equal(t, uint64(2), marker.Payload.(LaggedPayload).Dropped)

	last := recvOne(t, sub)
	assert.Equal(t, uint64(9), last.Sequence)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New(DefaultQueueCapacity)
	sub := b.Subscribe(UserTopic("u1"))

	sub.Close()
	sub.Close()
	b.Unsubscribe(sub)

	_, ok := <-sub.C()
	assert.False(t, ok, "channel should be closed after unsubscribe")
	assert.Equal(t, 0, b.SubscriberCount(UserTopic("u1")))

	// Publishing to a closed subscription must not panic or block.
	b.Publish(UserTopic("u1"), Event{Type: EventTypeError})
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := New(DefaultQueueCapacity)
	done := make(chan struct{})
	go func() {
		b.Publish(NoteTopic("n1"), Event{Type: EventTypeJobStatus})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestShutdownClosesAllSubscriptions(t *testing.T) {
	b := New(DefaultQueueCapacity)
	s1 := b.Subscribe(SessionTopic("a"))
	s2 := b.Subscribe(VideoTopic("b"))

	b.Shutdown()

	_, ok1 := <-s1.C()
	_, ok2 := <-s2.C()
	assert.False(t, ok1)
	assert.False(t, ok2)
	assert.Equal(t, 0, b.SubscriberCount(SessionTopic("a")))
}

func TestTopicConstructors(t *testing.T) {
	assert.Equal(t, "session:s1", SessionTopic("s1"))
	assert.Equal(t, "video:v1", VideoTopic("v1"))
	assert.Equal(t, "user:u1", UserTopic("u1"))
	assert.Equal(t, "note:n1", NoteTopic("n1"))
	assert.Equal(t, "jobs:s1", JobsTopic("s1"))
}
