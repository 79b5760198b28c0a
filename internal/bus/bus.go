// Package bus is the Progress Bus: a topic-keyed pub/sub with a per-topic
// ring buffer and per-subscriber backpressure. It generalizes the gitvista
// reference session's single broadcast channel and client map (one fan-out
// per repository) into many independent topics, one per job id, each with
// its own ring buffer and replay-on-subscribe snapshot.
package bus

import (
	"sync"
	"time"

	"github.com/vilaca/gitlabfleet/internal/domain"
)

// Defaults for a process with a handful of concurrent jobs and subscribers.
const (
	DefaultRingSize            = 128
	DefaultSubscriberQueueSize = 64
	DefaultTopicGrace          = 5 * time.Minute
)

// Bus is the process-wide singleton progress bus.
type Bus struct {
	mu         sync.Mutex
	topics     map[string]*topic
	ringSize   int
	subQueue   int
	topicGrace time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// New constructs a Bus and starts its topic-grace reaper.
func New(ringSize, subscriberQueueSize int, topicGrace time.Duration) *Bus {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	if subscriberQueueSize <= 0 {
		subscriberQueueSize = DefaultSubscriberQueueSize
	}
	if topicGrace <= 0 {
		topicGrace = DefaultTopicGrace
	}
	b := &Bus{
		topics:     make(map[string]*topic),
		ringSize:   ringSize,
		subQueue:   subscriberQueueSize,
		topicGrace: topicGrace,
		stop:       make(chan struct{}),
	}
	go b.reap()
	return b
}

type subscriber struct {
	ch      chan domain.BusEvent
	dropped int
}

type topic struct {
	mu           sync.Mutex
	ring         []domain.BusEvent
	head         int
	size         int
	cap          int
	seq          uint64
	totalDropped int
	subs         map[string]*subscriber
	closed       bool
	closedAt     time.Time
}

func newTopicState(capacity int) *topic {
	return &topic{
		ring: make([]domain.BusEvent, capacity),
		cap:  capacity,
		subs: make(map[string]*subscriber),
	}
}

func (b *Bus) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = newTopicState(b.ringSize)
		b.topics[name] = t
	}
	return t
}

// Publish appends evt to the topic's ring and fans it out to every live
// subscriber. Non-blocking: a full ring evicts the oldest entry (counted in
// totalDropped, surfaced to late subscribers); a full subscriber queue drops
// the event for that subscriber only and emits a lag event to it.
func (b *Bus) Publish(topicName string, evt domain.BusEvent) {
	t := b.topicFor(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()

	evt.Topic = topicName
	evt.Seq = t.seq
	t.seq++
	if t.size == t.cap {
		t.totalDropped++
	} else {
		t.size++
	}
	t.ring[t.head] = evt
	t.head = (t.head + 1) % t.cap

	for id, sub := range t.subs {
		select {
		case sub.ch <- evt:
		default:
			sub.dropped++
			lagEvt := domain.BusEvent{Topic: topicName, Kind: domain.EventLag, JobID: evt.JobID, Dropped: sub.dropped}
			select {
			case sub.ch <- lagEvt:
			default:
				// Queue still full: evict its oldest entry so the lag
				// marker itself can be delivered.
				select {
				case old := <-sub.ch:
					if old.Kind != domain.EventLag {
						sub.dropped++
						lagEvt.Dropped = sub.dropped
					}
				default:
				}
				select {
				case sub.ch <- lagEvt:
				default:
				}
			}
			_ = id
		}
	}
}

// Subscribe returns the topic's current ring contents (oldest first, with a
// synthetic dropped-N event prepended if the ring has ever evicted) and a
// live channel that receives every subsequent publish in order.
func (b *Bus) Subscribe(topicName, connectionID string) ([]domain.BusEvent, <-chan domain.BusEvent, func()) {
	t := b.topicFor(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := make([]domain.BusEvent, 0, t.size+1)
	if t.totalDropped > 0 {
		snapshot = append(snapshot, domain.BusEvent{
			Topic: topicName, Kind: domain.EventDropped, Dropped: t.totalDropped,
		})
	}
	start := (t.head - t.size + t.cap) % t.cap
	for i := 0; i < t.size; i++ {
		snapshot = append(snapshot, t.ring[(start+i)%t.cap])
	}

	sub := &subscriber{ch: make(chan domain.BusEvent, b.subQueue)}
	key := connectionID
	t.subs[key] = sub

	unsubscribe := func() {
		t.mu.Lock()
		delete(t.subs, key)
		t.mu.Unlock()
	}
	return snapshot, sub.ch, unsubscribe
}

// Close marks a topic closed; it and its ring are retained for topicGrace so
// late subscribers can still observe the terminal event, then reaped.
func (b *Bus) Close(topicName string) {
	t := b.topicFor(topicName)
	t.mu.Lock()
	t.closed = true
	t.closedAt = time.Now()
	t.mu.Unlock()
}

func (b *Bus) reap() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			b.mu.Lock()
			for name, t := range b.topics {
				t.mu.Lock()
				expired := t.closed && now.Sub(t.closedAt) > b.topicGrace
				t.mu.Unlock()
				if expired {
					delete(b.topics, name)
				}
			}
			b.mu.Unlock()
		case <-b.stop:
			return
		}
	}
}

// Shutdown stops the reaper goroutine. Safe to call once.
func (b *Bus) Shutdown() {
	b.stopOnce.Do(func() { close(b.stop) })
}
