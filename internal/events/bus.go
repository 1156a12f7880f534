package events

import "sync"

const (
	subscriberBuffer = 32
	replayDepth      = 16
)

// Stream is a bounded publish/subscribe channel for one event family.
// Publishing never blocks; a subscriber that falls more than
// subscriberBuffer events behind loses the oldest ones. A small replay
// ring lets late subscribers catch up on recent history.
type Stream[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int

	// replay ring, oldest at head
	ring []T
	max  int
}

func newStream[T any]() *Stream[T] {
	return &Stream[T]{
		subs: make(map[int]chan T),
		max:  replayDepth,
	}
}

// Subscribe returns a receive channel primed with recent events and a
// cancel func that must be called exactly once when done.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, subscriberBuffer+len(s.ring))
	for _, v := range s.ring {
		ch <- v
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish fans v out to every subscriber without blocking the caller.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring = append(s.ring, v)
	if len(s.ring) > s.max {
		s.ring = s.ring[len(s.ring)-s.max:]
	}

	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
			// Slow subscriber: drop its oldest event to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Bus groups the event streams the call subsystem emits.
type Bus struct {
	Status       *Stream[StatusEvent]
	Participants *Stream[ParticipantEvent]
	Connections  *Stream[ConnectionEvent]
	Notices      *Stream[Notice]
	Invites      *Stream[InviteEvent]
}

// NewBus creates an empty bus with independent streams.
func NewBus() *Bus {
	return &Bus{
		Status:       newStream[StatusEvent](),
		Participants: newStream[ParticipantEvent](),
		Connections:  newStream[ConnectionEvent](),
		Notices:      newStream[Notice](),
		Invites:      newStream[InviteEvent](),
	}
}
