package collab

import "sort"

// RoomRegistry tracks team room membership (keyed by connection handle) and
// document session membership (keyed by participant id) as two independent
// many-to-one relations. Rooms and sessions are created lazily and discarded
// as soon as they empty out. Single-writer, mutated only by the hub loop.
type RoomRegistry struct {
	teams        map[string]map[string]struct{} // team id -> connection handles
	teamByClient map[string]string

	docs             map[string]map[string]struct{} // document id -> participant ids
	docByParticipant map[string]string
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		teams:            make(map[string]map[string]struct{}),
		teamByClient:     make(map[string]string),
		docs:             make(map[string]map[string]struct{}),
		docByParticipant: make(map[string]string),
	}
}

// JoinTeam adds a connection to a team room, moving it out of any previous
// room first. A connection belongs to exactly one team room at a time.
// Returns the room's member count after the join.
func (r *RoomRegistry) JoinTeam(clientID, teamID string) int {
	if prev, ok := r.teamByClient[clientID]; ok && prev != teamID {
		r.removeFromTeam(clientID, prev)
	}
	if r.teams[teamID] == nil {
		r.teams[teamID] = make(map[string]struct{})
	}
	r.teams[teamID][clientID] = struct{}{}
	r.teamByClient[clientID] = teamID
	return len(r.teams[teamID])
}

// TeamOf returns the team room a connection belongs to.
func (r *RoomRegistry) TeamOf(clientID string) (string, bool) {
	teamID, ok := r.teamByClient[clientID]
	return teamID, ok
}

// TeamMembers returns the connection handles in a team room, sorted.
func (r *RoomRegistry) TeamMembers(teamID string) []string {
	return sortedKeys(r.teams[teamID])
}

// LeaveTeam removes a connection from its team room without touching document
// sessions. Used when a superseded connection is force-closed.
func (r *RoomRegistry) LeaveTeam(clientID string) (string, int, bool) {
	teamID, ok := r.teamByClient[clientID]
	if !ok {
		return "", 0, false
	}
	r.removeFromTeam(clientID, teamID)
	return teamID, len(r.teams[teamID]), true
}

// JoinDocument adds a participant to a document session. A participant views
// one document at a time: membership in any previous session is moved, not
// duplicated. Returns the session's viewer list after the join, plus the
// previous document id and its remaining viewers when a move happened.
func (r *RoomRegistry) JoinDocument(participantID, documentID string) (viewers []string, previous string, remaining []string) {
	if prev, ok := r.docByParticipant[participantID]; ok {
		if prev == documentID {
			return r.DocumentViewers(documentID), "", nil
		}
		r.removeFromDocument(participantID, prev)
		previous = prev
		remaining = r.DocumentViewers(prev)
	}
	if r.docs[documentID] == nil {
		r.docs[documentID] = make(map[string]struct{})
	}
	r.docs[documentID][participantID] = struct{}{}
	r.docByParticipant[participantID] = documentID
	return r.DocumentViewers(documentID), previous, remaining
}

// LeaveDocument removes a participant from its current document session.
func (r *RoomRegistry) LeaveDocument(participantID string) (string, []string, bool) {
	documentID, ok := r.docByParticipant[participantID]
	if !ok {
		return "", nil, false
	}
	r.removeFromDocument(participantID, documentID)
	return documentID, r.DocumentViewers(documentID), true
}

// DocumentOf returns the document a participant is currently viewing.
func (r *RoomRegistry) DocumentOf(participantID string) (string, bool) {
	documentID, ok := r.docByParticipant[participantID]
	return documentID, ok
}

// DocumentViewers returns the participant ids viewing a document, sorted.
func (r *RoomRegistry) DocumentViewers(documentID string) []string {
	return sortedKeys(r.docs[documentID])
}

// Departure describes everything a disconnecting connection was removed from,
// so the dispatcher can broadcast consistent counts afterwards.
type Departure struct {
	TeamID     string
	TeamCount  int
	LeftTeam   bool
	DocumentID string
	DocViewers []string
	LeftDoc    bool
}

// LeaveAll removes a connection from its team room and its participant from
// any document session during disconnect teardown.
func (r *RoomRegistry) LeaveAll(clientID, participantID string) Departure {
	var dep Departure
	dep.TeamID, dep.TeamCount, dep.LeftTeam = r.LeaveTeam(clientID)
	dep.DocumentID, dep.DocViewers, dep.LeftDoc = r.LeaveDocument(participantID)
	return dep
}

// TeamCount returns the number of non-empty team rooms.
func (r *RoomRegistry) TeamCount() int {
	return len(r.teams)
}

// DocumentCount returns the number of non-empty document sessions.
func (r *RoomRegistry) DocumentCount() int {
	return len(r.docs)
}

func (r *RoomRegistry) removeFromTeam(clientID, teamID string) {
	if members, ok := r.teams[teamID]; ok {
		delete(members, clientID)
		if len(members) == 0 {
			delete(r.teams, teamID)
		}
	}
	delete(r.teamByClient, clientID)
}

func (r *RoomRegistry) removeFromDocument(participantID, documentID string) {
	if viewers, ok := r.docs[documentID]; ok {
		delete(viewers, participantID)
		if len(viewers) == 0 {
			delete(r.docs, documentID)
		}
	}
	delete(r.docByParticipant, participantID)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
