// Package bus is the in-process pub/sub fabric. Producers publish structured
// events to named topics; subscribers receive them over bounded channels.
// Publishing never blocks: when a subscriber's buffer is full the event is
// dropped for that subscriber and a counter is incremented. Sequence numbers
// are assigned per topic at publish time and are strictly increasing.
package bus

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"airdrop-farmer/pkg/types"
)

// Topic names used by the farmer's producers. Each topic has a single
// writer; fan-in goes through that owning component.
const (
	TopicRisk   = "risk"
	TopicAlloc  = "alloc"
	TopicTasks  = "tasks"
	TopicMarket = "market"
)

// Bus routes events from single-writer topics to many subscribers.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[string]*topic
}

type topic struct {
	mu   sync.Mutex
	seq  uint64
	subs map[*Subscription]struct{}
}

// Subscription is one reader's bounded view of a topic. Read events from C;
// call Close when done to stop receiving.
type Subscription struct {
	Topic string
	C     <-chan types.Event

	ch      chan types.Event
	bus     *Bus
	dropped atomic.Uint64
	closed  atomic.Bool
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger.With("component", "bus"),
		topics: make(map[string]*topic),
	}
}

func (b *Bus) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[name] = t
	}
	return t
}

// Subscribe registers a reader on the topic with the given buffer size.
func (b *Bus) Subscribe(topicName string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	t := b.topicFor(topicName)

	sub := &Subscription{
		Topic: topicName,
		ch:    make(chan types.Event, buffer),
		bus:   b,
	}
	sub.C = sub.ch

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub
}

// Publish stamps the event with the topic's next sequence number and fans it
// out. Slow subscribers lose the event; the publisher never waits. Returns
// the assigned sequence number.
func (b *Bus) Publish(topicName string, evt types.Event) uint64 {
	t := b.topicFor(topicName)

	t.mu.Lock()
	t.seq++
	evt.Seq = t.seq
	for sub := range t.subs {
		select {
		case sub.ch <- evt:
		default:
			n := sub.dropped.Add(1)
			if n == 1 || n%100 == 0 {
				b.logger.Warn("subscriber buffer full, dropping event",
					"topic", topicName, "type", evt.Type, "dropped", n)
			}
		}
	}
	t.mu.Unlock()
	return evt.Seq
}

// Dropped returns how many events this subscription has lost.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close removes the subscription from its topic and closes the channel.
// Safe to call more than once.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	t := s.bus.topicFor(s.Topic)
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
	close(s.ch)
}

// DroppedByTopic reports total dropped events per topic across current
// subscribers, for the operator status surface.
func (b *Bus) DroppedByTopic() map[string]uint64 {
	b.mu.RLock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]uint64, len(names))
	for _, name := range names {
		t := b.topicFor(name)
		t.mu.Lock()
		var total uint64
		for sub := range t.subs {
			total += sub.dropped.Load()
		}
		t.mu.Unlock()
		out[name] = total
	}
	return out
}
