package session

import "sync"

// Streamer fans session events out to subscribers. It keeps a ring buffer
// of recent events for replay and broadcasts new events to every client
// whose profile filter matches.
type Streamer struct {
	mu         sync.RWMutex
	clients    map[uint64]*streamClient
	nextID     uint64
	ring       *RingBuffer[Event]
	bufferSize int // Per-client channel buffer size
}

type streamClient struct {
	ch      chan Event
	profile string // empty means all profiles
}

// NewStreamer creates a new event streamer.
// historySize determines how many recent events are kept for replay.
func NewStreamer(historySize int) *Streamer {
	return &Streamer{
		clients:    make(map[uint64]*streamClient),
		ring:       NewRingBuffer[Event](historySize),
		bufferSize: 64,
	}
}

// Emit broadcasts an event to all matching clients.
func (s *Streamer) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring.Push(ev)

	for _, c := range s.clients {
		if c.profile != "" && c.profile != ev.Profile {
			continue
		}
		select {
		case c.ch <- ev:
		default:
			// Client not keeping up - they'll miss this event
		}
	}
}

// Subscribe adds a client. profile filters the stream to one profile;
// empty receives everything. If replay is true, the full matching history
// is delivered first.
// Returns the client ID (for unsubscribing) and the receive channel.
func (s *Streamer) Subscribe(profile string, replay bool) (uint64, <-chan Event) {
	lines := 0
	if replay {
		lines = s.HistoryLen()
	}
	return s.SubscribeWithHistory(profile, lines)
}

// SubscribeWithHistory adds a client and replays up to lines matching
// events from the ring buffer before live delivery starts.
func (s *Streamer) SubscribeWithHistory(profile string, lines int) (uint64, <-chan Event) {
	ch := make(chan Event, s.bufferSize)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.clients[id] = &streamClient{ch: ch, profile: profile}

	// Replay before unlocking so live events can't interleave out of order
	if lines > 0 {
		items := s.filtered(profile)
		start := len(items) - lines
		if start < 0 {
			start = 0
		}
		for _, ev := range items[start:] {
			select {
			case ch <- ev:
			default:
				// Buffer full during replay - skip older events
			}
		}
	}
	s.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (s *Streamer) Unsubscribe(id uint64) {
	s.mu.Lock()
	if c, ok := s.clients[id]; ok {
		close(c.ch)
		delete(s.clients, id)
	}
	s.mu.Unlock()
}

// History returns up to n recent events for profile (all profiles when
// empty), oldest first.
func (s *Streamer) History(profile string, n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.filtered(profile)
	if n > 0 && len(items) > n {
		items = items[len(items)-n:]
	}
	return items
}

// HistoryLen returns the number of buffered events.
func (s *Streamer) HistoryLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Len()
}

// ClientCount returns the number of connected clients.
func (s *Streamer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// filtered returns buffered events matching profile. Callers hold s.mu.
func (s *Streamer) filtered(profile string) []Event {
	items := s.ring.Items()
	if profile == "" {
		return items
	}
	out := make([]Event, 0, len(items))
	for _, ev := range items {
		if ev.Profile == profile {
			out = append(out, ev)
		}
	}
	return out
}

// RingBuffer is a fixed-size circular buffer.
type RingBuffer[T any] struct {
	items []T
	size  int
	head  int // Next write position
	count int // Number of items currently in buffer
}

// NewRingBuffer creates a new ring buffer with the given capacity.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	return &RingBuffer[T]{
		items: make([]T, size),
		size:  size,
	}
}

// Push adds an item to the buffer, overwriting the oldest if full.
func (rb *RingBuffer[T]) Push(item T) {
	rb.items[rb.head] = item
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
}

// Items returns all items in the buffer, oldest first.
func (rb *RingBuffer[T]) Items() []T {
	if rb.count == 0 {
		return nil
	}

	result := make([]T, rb.count)
	if rb.count < rb.size {
		copy(result, rb.items[:rb.count])
	} else {
		copy(result, rb.items[rb.head:])
		copy(result[rb.size-rb.head:], rb.items[:rb.head])
	}

	return result
}

// Len returns the number of items in the buffer.
func (rb *RingBuffer[T]) Len() int {
	return rb.count
}

// Clear removes all items from the buffer.
func (rb *RingBuffer[T]) Clear() {
	rb.head = 0
	rb.count = 0
}
