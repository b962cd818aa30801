package collab

import (
	"sort"
	"time"
)

// PresenceTracker maps transport connections to participants and tracks who
// is currently online. It is a plain single-writer structure: all mutation
// goes through the hub's event loop, so no locking happens here.
type PresenceTracker struct {
	byClient   map[string]*Participant // connection handle -> participant
	clientByID map[string]string       // participant id -> connection handle
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		byClient:   make(map[string]*Participant),
		clientByID: make(map[string]string),
	}
}

// Join registers a participant for a connection. A missing participant id is
// synthesized from the connection handle. If the same participant id is
// already registered on another connection, that registration is superseded
// and the stale connection handle is returned so the caller can close it.
func (t *PresenceTracker) Join(clientID string, identity Identity) (*Participant, string) {
	pid := identity.ID
	if pid == "" {
		pid = "guest-" + clientID
	}

	role := identity.Role
	if role == "" {
		role = "member"
	}

	avatar := AvatarOf(identity.Name)
	if identity.Avatar != nil {
		avatar = *identity.Avatar
	}

	// Re-joining on the same connection replaces the prior registration.
	if old, ok := t.byClient[clientID]; ok && old.ID != pid {
		delete(t.clientByID, old.ID)
	}

	replaced := ""
	if prev, ok := t.clientByID[pid]; ok && prev != clientID {
		delete(t.byClient, prev)
		replaced = prev
	}

	now := time.Now()
	p := &Participant{
		ID:           pid,
		Name:         identity.Name,
		Email:        identity.Email,
		Avatar:       avatar,
		Role:         role,
		ClientID:     clientID,
		Status:       StatusOnline,
		LastActivity: now,
		JoinedAt:     now,
	}
	t.byClient[clientID] = p
	t.clientByID[pid] = clientID

	return p, replaced
}

// Get returns the participant registered on a connection.
func (t *PresenceTracker) Get(clientID string) (*Participant, bool) {
	p, ok := t.byClient[clientID]
	return p, ok
}

// GetByID returns the participant with the given participant id.
func (t *PresenceTracker) GetByID(participantID string) (*Participant, bool) {
	clientID, ok := t.clientByID[participantID]
	if !ok {
		return nil, false
	}
	p, ok := t.byClient[clientID]
	return p, ok
}

// Participants returns a point-in-time snapshot, ordered by join time.
func (t *PresenceTracker) Participants() []Participant {
	out := make([]Participant, 0, len(t.byClient))
	for _, p := range t.byClient {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Touch updates the last-activity timestamp. Unknown ids are a no-op.
func (t *PresenceTracker) Touch(participantID string) {
	if p, ok := t.GetByID(participantID); ok {
		p.LastActivity = time.Now()
	}
}

// SetDocument records the document a participant is currently viewing.
func (t *PresenceTracker) SetDocument(participantID, documentID string) {
	if p, ok := t.GetByID(participantID); ok {
		p.CurrentDocument = documentID
	}
}

// SetStatus updates a participant's presence status.
func (t *PresenceTracker) SetStatus(participantID string, status Status) {
	if p, ok := t.GetByID(participantID); ok {
		p.Status = status
	}
}

// Leave removes the participant registered on a connection and returns it for
// cascading cleanup. A connection that was already superseded or never joined
// yields (nil, false).
func (t *PresenceTracker) Leave(clientID string) (*Participant, bool) {
	p, ok := t.byClient[clientID]
	if !ok {
		return nil, false
	}
	delete(t.byClient, clientID)
	// Only drop the id mapping if it still points at this connection; a
	// replaced connection must not tear down the live registration.
	if t.clientByID[p.ID] == clientID {
		delete(t.clientByID, p.ID)
	}
	return p, true
}

// Count returns the number of online participants.
func (t *PresenceTracker) Count() int {
	return len(t.byClient)
}
