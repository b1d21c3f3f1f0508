package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingSubscriber struct {
	started atomic.Bool
	release chan struct{}
}

func (b *blockingSubscriber) Deliver(ctx context.Context, msg Message) {
	b.started.Store(true)
	<-b.release
}

type recordingSubscriber struct {
	mu  sync.Mutex
	got []Message
}

func (r *recordingSubscriber) Deliver(ctx context.Context, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, msg)
}

func (r *recordingSubscriber) snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.got))
	copy(out, r.got)
	return out
}

func TestHub_PublishDeliversToSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New(ctx)

	sub := &recordingSubscriber{}
	topic := Topic{Kind: KindParty, ScopeKey: "7"}
	unsub := h.Subscribe(topic, sub)
	defer unsub()

	require.NoError(t, h.Publish(Message{Topic: topic, Body: []byte("hi")}))

	require.Eventually(t, func() bool { return len(sub.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []byte("hi"), sub.snapshot()[0].Body)
}

func TestHub_PerTopicFIFOOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New(ctx)

	sub := &recordingSubscriber{}
	topic := Topic{Kind: KindGuild, ScopeKey: "1"}
	h.Subscribe(topic, sub)

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, h.Publish(Message{Topic: topic, Body: []byte{byte(i)}}))
	}

	require.Eventually(t, func() bool { return len(sub.snapshot()) == n }, time.Second, time.Millisecond)
	got := sub.snapshot()
	for i := 0; i < n; i++ {
		assert.Equal(t, byte(i), got[i].Body[0])
	}
}

func TestHub_DifferentTopicsAreIndependent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New(ctx)

	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	topicA := Topic{Kind: KindParty, ScopeKey: "1"}
	topicB := Topic{Kind: KindParty, ScopeKey: "2"}
	h.Subscribe(topicA, a)
	h.Subscribe(topicB, b)

	require.NoError(t, h.Publish(Message{Topic: topicA, Body: []byte("a")}))

	require.Eventually(t, func() bool { return len(a.snapshot()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, b.snapshot())
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New(ctx)

	sub := &recordingSubscriber{}
	topic := Topic{Kind: KindGlobal}
	unsub := h.Subscribe(topic, sub)
	unsub()

	require.NoError(t, h.Publish(Message{Topic: topic, Body: []byte("x")}))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sub.snapshot())
}

func TestHub_MultipleSubscribersSameTopic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New(ctx)

	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	topic := Topic{Kind: KindWhisper, ScopeKey: "99"}
	h.Subscribe(topic, a)
	h.Subscribe(topic, b)

	require.NoError(t, h.Publish(Message{Topic: topic, Body: []byte("hey")}))

	require.Eventually(t, func() bool { return len(a.snapshot()) == 1 && len(b.snapshot()) == 1 }, time.Second, time.Millisecond)
}

func TestHub_QueueFullReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New(ctx)
	h.queueDepth = 1

	blocker := &blockingSubscriber{release: make(chan struct{})}
	defer close(blocker.release)
	topic := Topic{Kind: KindGlobal}
	h.Subscribe(topic, blocker)

	// First publish is picked up by the worker and blocks on Deliver;
	// the next ones queue up (capacity 1) until the queue is full.
	require.NoError(t, h.Publish(Message{Topic: topic}))
	require.Eventually(t, func() bool { return blocker.started.Load() }, time.Second, time.Millisecond)
	require.NoError(t, h.Publish(Message{Topic: topic}))

	err := h.Publish(Message{Topic: topic})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestHub_TopicCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New(ctx)

	assert.Equal(t, 0, h.TopicCount())
	h.Subscribe(Topic{Kind: KindParty, ScopeKey: "1"}, &recordingSubscriber{})
	h.Subscribe(Topic{Kind: KindGuild, ScopeKey: "2"}, &recordingSubscriber{})
	assert.Equal(t, 2, h.TopicCount())
}
