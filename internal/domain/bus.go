package domain

import "time"

// BusEventKind discriminates the server-to-client event shapes the progress
// bus carries. Kinds match the WebSocket wire events exactly.
type BusEventKind string

const (
	EventProgress     BusEventKind = "progress"
	EventLog          BusEventKind = "log"
	EventState        BusEventKind = "state"
	EventNeedsAuthors BusEventKind = "needs-authors"
	EventLag          BusEventKind = "lag"
	EventDropped      BusEventKind = "dropped"
	EventTerminal     BusEventKind = "terminal"
)

// BusEvent is one entry on a topic's ring buffer. Topic is the bare job id
// the event belongs to; Seq is a monotonically increasing per-topic sequence number
// assigned by the bus at publish time so subscribers can detect gaps.
type BusEvent struct {
	Topic string
	Kind  BusEventKind
	Seq   uint64
	At    time.Time

	JobID       string
	Completed   int
	Failed      int
	Total       int
	CurrentItem string
	Level       string
	Message     string
	State       JobState
	Missing     []string
	Dropped     int
	Summary     string
}

// Subscription tracks the set of topics one client connection is listening
// to. A disconnect removes all of a client's subscriptions at once.
type Subscription struct {
	ConnectionID string
	Topics       map[string]struct{}
}

// NewSubscription returns an empty subscription for the given connection.
func NewSubscription(connectionID string) *Subscription {
	return &Subscription{ConnectionID: connectionID, Topics: make(map[string]struct{})}
}

// Add registers interest in topic.
func (s *Subscription) Add(topic string) {
	s.Topics[topic] = struct{}{}
}

// Remove drops interest in topic.
func (s *Subscription) Remove(topic string) {
	delete(s.Topics, topic)
}

// Has reports whether the subscription currently includes topic.
func (s *Subscription) Has(topic string) bool {
	_, ok := s.Topics[topic]
	return ok
}
