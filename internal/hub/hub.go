// Package hub implements the MessageHub: topic-based fan-out for chat,
// party, guild, and whisper traffic that crosses MapInstance boundaries.
// Local chat never reaches the hub — it is broadcast directly within the
// owning MapInstance, the way the teacher's ClientManager.BroadcastToAll
// and friends do it for a single process-wide client table.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Kind names a chat/notification topic category.
type Kind uint8

const (
	KindParty Kind = iota
	KindGuild
	KindGlobal
	KindWhisper
)

func (k Kind) String() string {
	switch k {
	case KindParty:
		return "Party"
	case KindGuild:
		return "Guild"
	case KindGlobal:
		return "Global"
	case KindWhisper:
		return "Whisper"
	default:
		return "Unknown"
	}
}

// Topic identifies a fan-out destination: (kind, scope_key). scope_key is
// party_id / guild_id / the empty string for the Global singleton /
// recipient_character_id (as a decimal string) for Whisper.
type Topic struct {
	Kind     Kind
	ScopeKey string
}

func (t Topic) String() string { return fmt.Sprintf("%s:%s", t.Kind, t.ScopeKey) }

// Message is an opaque payload published to a Topic. The hub never
// interprets Body — encoding/decoding is the MapServer adapter's job.
type Message struct {
	Topic Topic
	Body  []byte
}

// Subscriber receives messages published to topics it is registered for.
// MapInstance adapters implement this, relaying to Sessions in their
// instance; Deliver must not block the hub's per-topic worker for long.
type Subscriber interface {
	Deliver(ctx context.Context, msg Message)
}

var ErrQueueFull = errors.New("hub: topic queue full")

const defaultQueueDepth = 256

// topicWorker serializes delivery for one Topic through a single buffered
// channel, giving per-topic FIFO with no ordering guarantee across topics.
type topicWorker struct {
	queue chan Message

	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

type subscription struct {
	sub Subscriber
}

func newTopicWorker(ctx context.Context, depth int) *topicWorker {
	w := &topicWorker{
		queue: make(chan Message, depth),
		subs:  make(map[*subscription]struct{}),
	}
	go w.run(ctx)
	return w
}

func (w *topicWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.queue:
			w.deliver(ctx, msg)
		}
	}
}

func (w *topicWorker) deliver(ctx context.Context, msg Message) {
	w.mu.RLock()
	targets := make([]*subscription, 0, len(w.subs))
	for s := range w.subs {
		targets = append(targets, s)
	}
	w.mu.RUnlock()

	for _, s := range targets {
		s.sub.Deliver(ctx, msg)
	}
}

func (w *topicWorker) add(sub Subscriber) *subscription {
	s := &subscription{sub: sub}
	w.mu.Lock()
	w.subs[s] = struct{}{}
	w.mu.Unlock()
	return s
}

func (w *topicWorker) remove(s *subscription) {
	w.mu.Lock()
	delete(w.subs, s)
	w.mu.Unlock()
}

// Hub is the MessageHub: lazily-created per-topic FIFO workers, each
// fanning out to its registered Subscribers at-most-once.
type Hub struct {
	ctx        context.Context
	queueDepth int

	mu      sync.Mutex
	workers map[Topic]*topicWorker
}

// New creates a Hub whose workers run until ctx is cancelled.
func New(ctx context.Context) *Hub {
	return &Hub{ctx: ctx, queueDepth: defaultQueueDepth, workers: make(map[Topic]*topicWorker)}
}

func (h *Hub) workerFor(topic Topic) *topicWorker {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.workers[topic]
	if !ok {
		w = newTopicWorker(h.ctx, h.queueDepth)
		h.workers[topic] = w
	}
	return w
}

// Subscribe registers sub to receive every message published to topic.
// The returned cancel func unregisters it; calling it more than once is a
// no-op.
func (h *Hub) Subscribe(topic Topic, sub Subscriber) (cancel func()) {
	w := h.workerFor(topic)
	s := w.add(sub)
	var once sync.Once
	return func() {
		once.Do(func() { w.remove(s) })
	}
}

// Publish fans msg out to every Subscriber of msg.Topic, preserving
// publish order within that topic. It does not block on delivery; it only
// blocks briefly if the topic's queue is saturated, returning
// ErrQueueFull rather than stalling the publisher indefinitely.
func (h *Hub) Publish(msg Message) error {
	w := h.workerFor(msg.Topic)
	select {
	case w.queue <- msg:
		return nil
	default:
		slog.Warn("hub: topic queue full, dropping message", "topic", msg.Topic.String())
		return fmt.Errorf("%w: topic %s", ErrQueueFull, msg.Topic)
	}
}

// TopicCount reports how many topics currently have a worker (and thus at
// least one past subscriber or publish), for the /runtime/stats endpoint.
func (h *Hub) TopicCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.workers)
}
