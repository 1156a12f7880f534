package call

import (
	"github.com/mirrasocial/callkit/internal/events"
	"github.com/mirrasocial/callkit/internal/media"
)

// Participant is the machine's view of one remote user in the session.
type Participant struct {
	UserID       string
	AudioEnabled bool
	VideoEnabled bool
	Connection   events.ConnectionState
}

// Session is the client-side record of the one active call. Owned
// exclusively by the Machine; snapshots handed out are copies.
type Session struct {
	CallID         string
	ConversationID string
	InitiatorID    string
	CallType       media.Type
	IsGroup        bool
	Status         events.CallStatus

	participants map[string]*Participant
}

func newSession(callID, conversationID, initiatorID string, callType media.Type, isGroup bool) *Session {
	return &Session{
		CallID:         callID,
		ConversationID: conversationID,
		InitiatorID:    initiatorID,
		CallType:       callType,
		IsGroup:        isGroup,
		Status:         events.StatusConnecting,
		participants:   make(map[string]*Participant),
	}
}

func (s *Session) addParticipant(userID string) *Participant {
	if p, ok := s.participants[userID]; ok {
		return p
	}
	p := &Participant{
		UserID:       userID,
		AudioEnabled: true,
		VideoEnabled: s.CallType.HasVideo(),
		Connection:   events.ConnConnecting,
	}
	s.participants[userID] = p
	return p
}

func (s *Session) removeParticipant(userID string) bool {
	if _, ok := s.participants[userID]; !ok {
		return false
	}
	delete(s.participants, userID)
	return true
}

func (s *Session) participant(userID string) (*Participant, bool) {
	p, ok := s.participants[userID]
	return p, ok
}

// Participants returns a snapshot of the remote participant set.
func (s *Session) Participants() []Participant {
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	return out
}
