package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"transcript-collab/config"
	"transcript-collab/internal/events"
)

func newTestHub() *Hub {
	cfg := &config.Config{
		AppPort:            "0",
		AppMode:            "test",
		DefaultTeamID:      "general",
		AnalysisRetention:  6 * time.Hour,
		AnalysisStaleAfter: 30 * time.Minute,
		EvictionInterval:   time.Minute,
	}
	return NewHub(cfg)
}

func newTestClient(t *testing.T, h *Hub, clientID string) *Client {
	t.Helper()
	c := NewClient(h, nil, clientID, AccessClaims{}, NewWebSocketLogger())
	h.handleRegister(c)
	require.Contains(t, h.clients, clientID)
	return c
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func join(t *testing.T, h *Hub, c *Client, name, participantID, teamID string) {
	t.Helper()
	payload := map[string]any{"name": name}
	if participantID != "" {
		payload["participantId"] = participantID
	}
	if teamID != "" {
		payload["teamId"] = teamID
	}
	h.handleFrame(c, events.EventJoinCollaboration, mustJSON(t, payload))
}

func readEvent(t *testing.T, c *Client) (string, json.RawMessage) {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		env, err := events.Decode(raw)
		require.NoError(t, err)
		return env.Event, env.Data
	default:
		t.Fatal("no event queued")
		return "", nil
	}
}

func requireNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		env, _ := events.Decode(raw)
		t.Fatalf("unexpected event %q", env.Event)
	default:
	}
}

func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func decodeInto(t *testing.T, data json.RawMessage, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(data, out))
}

func TestJoinSendsSnapshotsAndNotifiesTeam(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")
	join(t, h, c1, "Alice", "u1", "acme")

	event, data := readEvent(t, c1)
	require.Equal(t, events.EventActiveUsers, event)
	var users events.ActiveUsersPayload
	decodeInto(t, data, &users)
	require.Equal(t, 1, users.TotalCount)
	require.Equal(t, "u1", users.Users[0].ID)

	event, _ = readEvent(t, c1)
	require.Equal(t, events.EventLiveAnalyses, event)

	c2 := newTestClient(t, h, "c2")
	join(t, h, c2, "Bob", "u2", "acme")

	event, data = readEvent(t, c1)
	require.Equal(t, events.EventUserJoined, event)
	var joined events.UserPresencePayload
	decodeInto(t, data, &joined)
	require.Equal(t, "u2", joined.User.ID)
	require.Equal(t, 2, joined.TotalUsers)

	event, data = readEvent(t, c2)
	require.Equal(t, events.EventActiveUsers, event)
	decodeInto(t, data, &users)
	require.Equal(t, 2, users.TotalCount)
}

func TestTeamMessageScopedToRoom(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")
	c2 := newTestClient(t, h, "c2")
	c3 := newTestClient(t, h, "c3")
	join(t, h, c1, "Alice", "u1", "acme")
	join(t, h, c2, "Bob", "u2", "acme")
	join(t, h, c3, "Eve", "u3", "beta")
	drain(c1)
	drain(c2)
	drain(c3)

	h.handleFrame(c1, events.EventTeamMessage, mustJSON(t, map[string]any{"content": "hello team"}))

	for _, c := range []*Client{c1, c2} {
		event, data := readEvent(t, c)
		require.Equal(t, events.EventTeamMessage, event)
		var msg map[string]any
		decodeInto(t, data, &msg)
		require.Equal(t, "hello team", msg["content"])
		require.Equal(t, "text", msg["type"])
	}
	requireNoEvent(t, c3)
}

func TestDocumentViewersSnapshot(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")
	c2 := newTestClient(t, h, "c2")
	join(t, h, c1, "Alice", "u1", "acme")
	join(t, h, c2, "Bob", "u2", "acme")
	drain(c1)
	drain(c2)

	h.handleFrame(c1, events.EventJoinDocument, mustJSON(t, map[string]any{"documentId": "doc1"}))
	event, data := readEvent(t, c1)
	require.Equal(t, events.EventDocumentViewers, event)
	var viewers events.DocumentViewersPayload
	decodeInto(t, data, &viewers)
	require.Equal(t, 1, viewers.TotalViewers)
	drain(c1)

	h.handleFrame(c2, events.EventJoinDocument, mustJSON(t, map[string]any{"documentId": "doc1"}))

	// The earlier viewer learns about the newcomer.
	event, data = readEvent(t, c1)
	require.Equal(t, events.EventUserJoinedDocument, event)
	var presence events.DocumentPresencePayload
	decodeInto(t, data, &presence)
	require.Equal(t, "u2", presence.UserID)
	require.Equal(t, 2, presence.ActiveViewers)

	// The newcomer gets the full viewer list.
	event, data = readEvent(t, c2)
	require.Equal(t, events.EventDocumentViewers, event)
	decodeInto(t, data, &viewers)
	require.Equal(t, "doc1", viewers.DocumentID)
	require.Equal(t, 2, viewers.TotalViewers)
	require.Len(t, viewers.Viewers, 2)
}

func TestDocumentSwitchMovesViewer(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")
	c2 := newTestClient(t, h, "c2")
	join(t, h, c1, "Alice", "u1", "acme")
	join(t, h, c2, "Bob", "u2", "acme")
	h.handleFrame(c1, events.EventJoinDocument, mustJSON(t, map[string]any{"documentId": "doc1"}))
	h.handleFrame(c2, events.EventJoinDocument, mustJSON(t, map[string]any{"documentId": "doc1"}))
	drain(c1)
	drain(c2)

	h.handleFrame(c2, events.EventJoinDocument, mustJSON(t, map[string]any{"documentId": "doc2"}))

	event, data := readEvent(t, c1)
	require.Equal(t, events.EventUserLeftDocument, event)
	var presence events.DocumentPresencePayload
	decodeInto(t, data, &presence)
	require.Equal(t, "u2", presence.UserID)
	require.Equal(t, "doc1", presence.DocumentID)
	require.Equal(t, 1, presence.ActiveViewers)

	require.Equal(t, []string{"u1"}, h.rooms.DocumentViewers("doc1"))
	require.Equal(t, []string{"u2"}, h.rooms.DocumentViewers("doc2"))
}

func TestCommentScopedToDocument(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")
	c2 := newTestClient(t, h, "c2")
	c3 := newTestClient(t, h, "c3")
	join(t, h, c1, "Alice", "u1", "acme")
	join(t, h, c2, "Bob", "u2", "acme")
	join(t, h, c3, "Eve", "u3", "acme")
	h.handleFrame(c1, events.EventJoinDocument, mustJSON(t, map[string]any{"documentId": "doc1"}))
	h.handleFrame(c2, events.EventJoinDocument, mustJSON(t, map[string]any{"documentId": "doc1"}))
	h.handleFrame(c3, events.EventJoinDocument, mustJSON(t, map[string]any{"documentId": "doc2"}))
	drain(c1)
	drain(c2)
	drain(c3)

	h.handleFrame(c1, events.EventAddComment, mustJSON(t, map[string]any{
		"documentId": "doc1",
		"content":    "nice point",
		"position":   map[string]any{"line": 4},
	}))

	for _, c := range []*Client{c1, c2} {
		event, data := readEvent(t, c)
		require.Equal(t, events.EventCommentAdded, event)
		var added events.CommentAddedPayload
		decodeInto(t, data, &added)
		require.Equal(t, "doc1", added.DocumentID)
		require.Equal(t, "nice point", added.Comment.Content)
		require.Equal(t, "u1", added.Comment.Author.ID)
	}
	requireNoEvent(t, c3)
}

func TestCursorUpdateExcludesSender(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")
	c2 := newTestClient(t, h, "c2")
	join(t, h, c1, "Alice", "u1", "acme")
	join(t, h, c2, "Bob", "u2", "acme")
	h.handleFrame(c1, events.EventJoinDocument, mustJSON(t, map[string]any{"documentId": "doc1"}))
	h.handleFrame(c2, events.EventJoinDocument, mustJSON(t, map[string]any{"documentId": "doc1"}))
	drain(c1)
	drain(c2)

	h.handleFrame(c1, events.EventCursorMove, mustJSON(t, map[string]any{
		"documentId": "doc1",
		"position":   map[string]any{"offset": 120},
	}))

	event, data := readEvent(t, c2)
	require.Equal(t, events.EventCursorUpdate, event)
	var cursor events.CursorUpdatePayload
	decodeInto(t, data, &cursor)
	require.Equal(t, "u1", cursor.UserID)
	requireNoEvent(t, c1)
}

func TestForeignProgressIgnored(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")
	c2 := newTestClient(t, h, "c2")
	join(t, h, c1, "Alice", "u1", "acme")
	join(t, h, c2, "Bob", "u2", "acme")
	h.handleFrame(c1, events.EventShareAnalysis, mustJSON(t, map[string]any{"analysisId": "a1", "title": "Call review"}))
	drain(c1)
	drain(c2)

	h.handleFrame(c2, events.EventAnalysisProgress, mustJSON(t, map[string]any{
		"analysisId": "a1",
		"progress":   100,
	}))

	requireNoEvent(t, c1)
	requireNoEvent(t, c2)

	a, ok := h.analyses.Get("a1")
	require.True(t, ok)
	require.Equal(t, 0, a.Progress)
	require.True(t, a.IsLive)
}

func TestProgressBroadcastGlobally(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")
	c2 := newTestClient(t, h, "c2")
	join(t, h, c1, "Alice", "u1", "acme")
	join(t, h, c2, "Bob", "u2", "beta")
	h.handleFrame(c1, events.EventShareAnalysis, mustJSON(t, map[string]any{"analysisId": "a1"}))
	drain(c1)
	drain(c2)

	h.handleFrame(c1, events.EventAnalysisProgress, mustJSON(t, map[string]any{
		"analysisId": "a1",
		"progress":   50,
		"stage":      "Summarizing",
	}))

	// Live analyses are platform-wide: even another team sees the update.
	for _, c := range []*Client{c1, c2} {
		event, data := readEvent(t, c)
		require.Equal(t, events.EventAnalysisProgressUpdate, event)
		var upd events.AnalysisProgressUpdatePayload
		decodeInto(t, data, &upd)
		require.Equal(t, 50, upd.Progress)
		require.Equal(t, "Summarizing", upd.Stage)
		require.False(t, upd.Completed)
	}
}

func TestTeardownCascade(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")
	c2 := newTestClient(t, h, "c2")
	join(t, h, c1, "Alice", "u1", "acme")
	join(t, h, c2, "Bob", "u2", "acme")
	h.handleFrame(c1, events.EventJoinDocument, mustJSON(t, map[string]any{"documentId": "doc1"}))
	h.handleFrame(c2, events.EventJoinDocument, mustJSON(t, map[string]any{"documentId": "doc1"}))
	h.handleFrame(c1, events.EventShareAnalysis, mustJSON(t, map[string]any{"analysisId": "a1"}))
	drain(c1)
	drain(c2)

	h.handleUnregister(c1)

	_, ok := h.presence.Get("c1")
	require.False(t, ok)
	require.Equal(t, []string{"c2"}, h.rooms.TeamMembers("acme"))
	require.Equal(t, []string{"u2"}, h.rooms.DocumentViewers("doc1"))

	a, _ := h.analyses.Get("a1")
	require.False(t, a.IsLive)
	require.NotNil(t, a.DisconnectedAt)
	require.Nil(t, a.Results)
	require.NotContains(t, a.Viewers, "u1")

	// Mutations first, notifications last, consistent counts throughout.
	event, _ := readEvent(t, c2)
	require.Equal(t, events.EventAnalysisDisconnected, event)

	event, data := readEvent(t, c2)
	require.Equal(t, events.EventUserLeft, event)
	var left events.UserPresencePayload
	decodeInto(t, data, &left)
	require.Equal(t, "u1", left.User.ID)
	require.Equal(t, 1, left.TotalUsers)

	event, data = readEvent(t, c2)
	require.Equal(t, events.EventUserLeftDocument, event)
	var docLeft events.DocumentPresencePayload
	decodeInto(t, data, &docLeft)
	require.Equal(t, 1, docLeft.ActiveViewers)
}

func TestMalformedPayloadRejectedToSenderOnly(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")
	c2 := newTestClient(t, h, "c2")
	join(t, h, c1, "Alice", "u1", "acme")
	join(t, h, c2, "Bob", "u2", "acme")
	drain(c1)
	drain(c2)

	h.handleFrame(c1, events.EventJoinDocument, mustJSON(t, map[string]any{}))

	event, data := readEvent(t, c1)
	require.Equal(t, events.EventError, event)
	var errPayload events.ErrorPayload
	decodeInto(t, data, &errPayload)
	require.NotEmpty(t, errPayload.Message)
	requireNoEvent(t, c2)
}

func TestUnknownEventRejected(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")
	join(t, h, c1, "Alice", "u1", "")
	drain(c1)

	h.handleFrame(c1, "no-such-event", mustJSON(t, map[string]any{}))

	event, _ := readEvent(t, c1)
	require.Equal(t, events.EventError, event)
}

func TestEventBeforeJoinSilentlyIgnored(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")

	h.handleFrame(c1, events.EventTeamMessage, mustJSON(t, map[string]any{"content": "hello"}))
	requireNoEvent(t, c1)
}

func TestRejoinReplacesConnection(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")
	join(t, h, c1, "Alice", "u1", "acme")
	drain(c1)

	c2 := newTestClient(t, h, "c2")
	join(t, h, c2, "Alice", "u1", "acme")

	require.NotContains(t, h.clients, "c1")
	require.Equal(t, 1, h.presence.Count())
	p, ok := h.presence.GetByID("u1")
	require.True(t, ok)
	require.Equal(t, "c2", p.ClientID)
	require.Equal(t, []string{"c2"}, h.rooms.TeamMembers("acme"))

	// The stale connection's eventual disconnect changes nothing.
	h.handleUnregister(c1)
	require.Equal(t, 1, h.presence.Count())

	// Neither does a stale join still queued from it.
	join(t, h, c1, "Alice", "u1", "acme")
	p, ok = h.presence.GetByID("u1")
	require.True(t, ok)
	require.Equal(t, "c2", p.ClientID)
	require.Equal(t, []string{"c2"}, h.rooms.TeamMembers("acme"))
}

func TestFrameFromUnregisteredConnectionDropped(t *testing.T) {
	h := newTestHub()
	ghost := NewClient(h, nil, "ghost", AccessClaims{}, NewWebSocketLogger())

	h.handleFrame(ghost, events.EventJoinCollaboration, mustJSON(t, map[string]any{
		"name":          "Alice",
		"participantId": "u1",
		"teamId":        "acme",
	}))

	require.Equal(t, 0, h.presence.Count())
	require.Empty(t, h.rooms.TeamMembers("acme"))
	requireNoEvent(t, ghost)
}

func TestRejectedConnectionLeavesNoState(t *testing.T) {
	h := newTestHub()
	for i := 0; i < maxConnectionsPerMinute; i++ {
		require.True(t, h.connLimiter.AllowConnection("u1"))
	}

	c := NewClient(h, nil, "c-rejected", AccessClaims{UserID: "u1"}, NewWebSocketLogger())
	h.handleRegister(c)
	require.NotContains(t, h.clients, "c-rejected")

	// A join the connection managed to queue before rejection is dropped.
	join(t, h, c, "Alice", "u1", "acme")
	require.Equal(t, 0, h.presence.Count())
	require.Empty(t, h.rooms.TeamMembers("acme"))

	// And its disconnect finds nothing to tear down.
	h.handleUnregister(c)
	require.Equal(t, 0, h.presence.Count())
}

func TestIdentitySwitchOnSameConnectionClearsOldMemberships(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")
	c2 := newTestClient(t, h, "c2")
	join(t, h, c1, "Alice", "u1", "acme")
	join(t, h, c2, "Bob", "u2", "acme")
	h.handleFrame(c1, events.EventJoinDocument, mustJSON(t, map[string]any{"documentId": "doc1"}))
	h.handleFrame(c2, events.EventJoinDocument, mustJSON(t, map[string]any{"documentId": "doc1"}))
	h.handleFrame(c1, events.EventShareAnalysis, mustJSON(t, map[string]any{"analysisId": "a1"}))
	drain(c1)
	drain(c2)

	join(t, h, c1, "Alya", "u9", "acme")

	require.Equal(t, []string{"u2"}, h.rooms.DocumentViewers("doc1"))
	a, _ := h.analyses.Get("a1")
	require.NotContains(t, a.Viewers, "u1")

	event, data := readEvent(t, c2)
	require.Equal(t, events.EventUserLeftDocument, event)
	var leftDoc events.DocumentPresencePayload
	decodeInto(t, data, &leftDoc)
	require.Equal(t, "u1", leftDoc.UserID)
	require.Equal(t, 1, leftDoc.ActiveViewers)

	// Teardown with the new id leaves no trace of the retired one.
	h.handleUnregister(c1)
	require.Equal(t, []string{"u2"}, h.rooms.DocumentViewers("doc1"))
	require.Equal(t, 1, h.presence.Count())
}

func TestSupersedeAcrossTeamsNotifiesOldRoom(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")
	c3 := newTestClient(t, h, "c3")
	join(t, h, c1, "Alice", "u1", "acme")
	join(t, h, c3, "Carol", "u3", "acme")
	drain(c1)
	drain(c3)

	c2 := newTestClient(t, h, "c2")
	join(t, h, c2, "Alice", "u1", "beta")

	event, data := readEvent(t, c3)
	require.Equal(t, events.EventUserLeft, event)
	var left events.UserPresencePayload
	decodeInto(t, data, &left)
	require.Equal(t, "u1", left.User.ID)
	require.Equal(t, 1, left.TotalUsers)
}

func TestSendAfterCloseIsDropped(t *testing.T) {
	h := newTestHub()
	c := newTestClient(t, h, "c1")
	join(t, h, c, "Alice", "u1", "acme")
	h.handleUnregister(c)

	require.NotPanics(t, func() {
		c.sendEvent(events.EventError, events.ErrorPayload{Message: "late"})
	})
}

func TestDefaultTeamApplied(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")
	join(t, h, c1, "Alice", "u1", "")

	teamID, ok := h.rooms.TeamOf("c1")
	require.True(t, ok)
	require.Equal(t, "general", teamID)
}

func TestNotifyReachesEveryClient(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")
	c2 := newTestClient(t, h, "c2")
	join(t, h, c1, "Alice", "u1", "acme")
	join(t, h, c2, "Bob", "u2", "beta")
	drain(c1)
	drain(c2)

	sent := h.Notify("maintenance", "upgrade at midnight")
	require.NotEmpty(t, sent.ID)

	for _, c := range []*Client{c1, c2} {
		event, data := readEvent(t, c)
		require.Equal(t, events.EventSystemNotification, event)
		var notification events.SystemNotificationPayload
		decodeInto(t, data, &notification)
		require.Equal(t, "maintenance", notification.Type)
		require.Equal(t, "upgrade at midnight", notification.Message)
	}
}

func TestStatsSnapshot(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(t, h, "c1")
	join(t, h, c1, "Alice", "u1", "acme")
	h.handleFrame(c1, events.EventJoinDocument, mustJSON(t, map[string]any{"documentId": "doc1"}))
	h.handleFrame(c1, events.EventShareAnalysis, mustJSON(t, map[string]any{"analysisId": "a1"}))

	stats := h.Stats()
	require.Equal(t, 1, stats.Participants)
	require.Equal(t, 1, stats.TeamRooms)
	require.Equal(t, 1, stats.DocumentSessions)
	require.Equal(t, 1, stats.LiveAnalyses)
}
