package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"transcript-collab/config"
	"transcript-collab/internal/collab"
	"transcript-collab/internal/events"
	"transcript-collab/internal/metrics"
	collab_errors "transcript-collab/pkg/errors"
)

// frame is one inbound event from a connection.
type frame struct {
	client *Client
	event  string
	data   json.RawMessage
}

// Hub is the event dispatcher: it owns the presence, room and analysis
// trackers and is the only writer to them. All tracker mutation happens on
// the Run loop goroutine; read-only HTTP accessors take the read lock.
type Hub struct {
	presence *collab.PresenceTracker
	rooms    *collab.RoomRegistry
	analyses *collab.AnalysisTracker

	clients map[string]*Client

	register    chan *Client
	unregister  chan *Client
	inbound     chan *frame
	connLimiter *ConnectionRateLimiter
	validate    *validator.Validate
	logger      *WebSocketLogger

	defaultTeam   string
	retention     time.Duration
	staleAfter    time.Duration
	evictInterval time.Duration

	mu        sync.RWMutex
	stopChan  chan struct{}
	isRunning int32
}

// ConnectionRateLimiter caps new connections per identity over a sliding
// one-minute window.
type ConnectionRateLimiter struct {
	connections map[string][]time.Time
	mu          sync.Mutex
}

const maxConnectionsPerMinute = 10

func NewConnectionRateLimiter() *ConnectionRateLimiter {
	return &ConnectionRateLimiter{
		connections: make(map[string][]time.Time),
	}
}

func (l *ConnectionRateLimiter) AllowConnection(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := time.Now().Add(-1 * time.Minute)
	valid := l.connections[key][:0]
	for _, t := range l.connections[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= maxConnectionsPerMinute {
		l.connections[key] = valid
		return false
	}
	l.connections[key] = append(valid, time.Now())
	return true
}

func (l *ConnectionRateLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	for key, times := range l.connections {
		valid := []time.Time{}
		for _, t := range times {
			if t.After(cutoff) {
				valid = append(valid, t)
			}
		}
		if len(valid) == 0 {
			delete(l.connections, key)
		} else {
			l.connections[key] = valid
		}
	}
}

// NewHub creates a new Hub
func NewHub(cfg *config.Config) *Hub {
	return &Hub{
		presence:      collab.NewPresenceTracker(),
		rooms:         collab.NewRoomRegistry(),
		analyses:      collab.NewAnalysisTracker(),
		clients:       make(map[string]*Client),
		register:      make(chan *Client, 256),
		unregister:    make(chan *Client, 256),
		inbound:       make(chan *frame, 1024),
		connLimiter:   NewConnectionRateLimiter(),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        NewWebSocketLogger(),
		defaultTeam:   cfg.DefaultTeamID,
		retention:     cfg.AnalysisRetention,
		staleAfter:    cfg.AnalysisStaleAfter,
		evictInterval: cfg.EvictionInterval,
		stopChan:      make(chan struct{}),
	}
}

// Run starts the Hub's single-writer event loop.
func (h *Hub) Run() {
	atomic.StoreInt32(&h.isRunning, 1)
	defer atomic.StoreInt32(&h.isRunning, 0)

	evictTicker := time.NewTicker(h.evictInterval)
	defer evictTicker.Stop()

	for {
		select {
		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case f := <-h.inbound:
			h.handleFrame(f.client, f.event, f.data)

		case <-evictTicker.C:
			h.evictAnalyses()
			h.connLimiter.cleanup()

		case <-h.stopChan:
			return
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := client.claims.UserID
	if key == "" {
		key = client.clientID
	}
	if !h.connLimiter.AllowConnection(key) {
		h.logger.Warn("connection rate limit exceeded", client.clientID)
		client.closeConn()
		return
	}

	h.clients[client.clientID] = client
	metrics.WsConnectionsTotal.Inc()
	metrics.WsActiveConnections.Set(float64(len(h.clients)))
	h.logger.Info("client connected", client.clientID)
}

// handleUnregister runs the full teardown cascade: capture the departing
// participant, cascade removal through rooms, mark its analyses as
// disconnected. Departure notifications go out only after every tracker
// mutation is applied.
func (h *Hub) handleUnregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[client.clientID]
	if !ok {
		return
	}
	delete(h.clients, client.clientID)
	c.closeSend()
	c.closeConn()
	metrics.WsActiveConnections.Set(float64(len(h.clients)))

	p, ok := h.presence.Leave(client.clientID)
	if !ok {
		h.logger.Info("client disconnected", client.clientID)
		return
	}

	dep := h.rooms.LeaveAll(client.clientID, p.ID)
	dead := h.analyses.DisconnectOwner(p.ID)
	h.analyses.RemoveViewer(p.ID)

	// State is consistent; now notify.
	now := time.Now()
	for _, a := range dead {
		h.broadcastGlobal(events.EventAnalysisDisconnected, events.AnalysisDisconnectedPayload{
			AnalysisID: a.ID,
			UserID:     p.ID,
			Timestamp:  now,
		}, "")
	}
	if dep.LeftTeam {
		h.broadcastToTeam(dep.TeamID, "", events.EventUserLeft, events.UserPresencePayload{
			User:       *p,
			Timestamp:  now,
			TotalUsers: dep.TeamCount,
		})
	}
	if dep.LeftDoc {
		h.broadcastToDocument(dep.DocumentID, "", events.EventUserLeftDocument, events.DocumentPresencePayload{
			UserID:        p.ID,
			User:          p,
			DocumentID:    dep.DocumentID,
			ActiveViewers: len(dep.DocViewers),
			Timestamp:     now,
		})
	}

	h.updateGauges()
	h.logger.Info("client disconnected", client.clientID, zap.String("participant_id", p.ID))
}

func (h *Hub) handleFrame(client *Client, event string, data json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Only registered connections may reach the trackers. A rejected or
	// superseded connection can still have frames queued; anything it
	// registered here would never be torn down.
	if _, ok := h.clients[client.clientID]; !ok {
		h.logger.Warn("frame from unregistered connection dropped", client.clientID,
			zap.String("in_event", event))
		return
	}

	metrics.EventsTotal.WithLabelValues(event).Inc()

	switch event {
	case events.EventJoinCollaboration:
		h.handleJoin(client, data)
	case events.EventJoinDocument:
		h.handleJoinDocument(client, data)
	case events.EventShareAnalysis:
		h.handleShareAnalysis(client, data)
	case events.EventAnalysisProgress:
		h.handleAnalysisProgress(client, data)
	case events.EventTeamMessage:
		h.handleTeamMessage(client, data)
	case events.EventCursorMove:
		h.handleCursorMove(client, data)
	case events.EventAddComment:
		h.handleAddComment(client, data)
	default:
		h.logger.Warn("unknown event", client.clientID, zap.String("in_event", event))
		client.sendEvent(events.EventError, events.ErrorPayload{
			Message: collab_errors.ErrUnknownEvent.Error() + ": " + event,
		})
	}
}

// decodePayload unmarshals and validates an inbound payload. On failure the
// sender (and only the sender) gets a descriptive error event.
func (h *Hub) decodePayload(client *Client, data json.RawMessage, out any) bool {
	if err := json.Unmarshal(data, out); err != nil {
		client.sendEvent(events.EventError, events.ErrorPayload{Message: "malformed payload: " + err.Error()})
		return false
	}
	if err := h.validate.Struct(out); err != nil {
		client.sendEvent(events.EventError, events.ErrorPayload{Message: "invalid payload: " + err.Error()})
		return false
	}
	return true
}

// joined resolves the participant registered on a connection. Events from
// connections that never joined reference unknown state and are dropped.
func (h *Hub) joined(client *Client) (*collab.Participant, bool) {
	p, ok := h.presence.Get(client.clientID)
	if !ok {
		h.logger.Warn("event before join ignored", client.clientID)
	}
	return p, ok
}

func (h *Hub) handleJoin(client *Client, data json.RawMessage) {
	var payload events.JoinPayload
	if !h.decodePayload(client, data, &payload) {
		return
	}

	// Verified token claims win over whatever the payload carries.
	identity := collab.Identity{
		ID:     payload.UserID,
		Name:   payload.Name,
		Email:  payload.Email,
		Role:   payload.Role,
		Avatar: payload.Avatar,
	}
	if client.claims.UserID != "" {
		identity.ID = client.claims.UserID
	}
	if client.claims.Name != "" {
		identity.Name = client.claims.Name
	}
	if client.claims.Email != "" {
		identity.Email = client.claims.Email
	}
	if client.claims.Role != "" {
		identity.Role = client.claims.Role
	}

	prev, hadPrev := h.presence.Get(client.clientID)

	p, replaced := h.presence.Join(client.clientID, identity)

	teamID := payload.TeamID
	if teamID == "" {
		teamID = h.defaultTeam
	}

	if replaced != "" {
		oldTeam, oldCount, leftOld := h.forceClose(replaced)
		if leftOld && oldTeam != teamID {
			h.broadcastToTeam(oldTeam, "", events.EventUserLeft, events.UserPresencePayload{
				User:       *p,
				Timestamp:  time.Now(),
				TotalUsers: oldCount,
			})
		}
	}

	// Re-joining the same connection under a different participant id retires
	// the old id: its document membership and viewer entries go with it.
	if hadPrev && prev.ID != p.ID {
		if docID, remaining, left := h.rooms.LeaveDocument(prev.ID); left {
			h.broadcastToDocument(docID, p.ID, events.EventUserLeftDocument, events.DocumentPresencePayload{
				UserID:        prev.ID,
				User:          prev,
				DocumentID:    docID,
				ActiveViewers: len(remaining),
				Timestamp:     time.Now(),
			})
		}
		h.analyses.RemoveViewer(prev.ID)
	}

	count := h.rooms.JoinTeam(client.clientID, teamID)

	users := h.presence.Participants()
	client.sendEvent(events.EventActiveUsers, events.ActiveUsersPayload{
		Users:      users,
		TotalCount: len(users),
	})
	client.sendEvent(events.EventLiveAnalyses, events.LiveAnalysesPayload{
		Analyses: h.analyses.Snapshot(),
	})

	h.broadcastToTeam(teamID, client.clientID, events.EventUserJoined, events.UserPresencePayload{
		User:       *p,
		Timestamp:  time.Now(),
		TotalUsers: count,
	})

	h.updateGauges()
	h.logger.Info("participant joined", client.clientID,
		zap.String("participant_id", p.ID), zap.String("team_id", teamID))
}

func (h *Hub) handleJoinDocument(client *Client, data json.RawMessage) {
	p, ok := h.joined(client)
	if !ok {
		return
	}
	var payload events.JoinDocumentPayload
	if !h.decodePayload(client, data, &payload) {
		return
	}

	viewers, prevDoc, prevRemaining := h.rooms.JoinDocument(p.ID, payload.DocumentID)
	h.presence.SetDocument(p.ID, payload.DocumentID)
	h.presence.Touch(p.ID)

	now := time.Now()
	if prevDoc != "" {
		h.broadcastToDocument(prevDoc, p.ID, events.EventUserLeftDocument, events.DocumentPresencePayload{
			UserID:        p.ID,
			User:          p,
			DocumentID:    prevDoc,
			ActiveViewers: len(prevRemaining),
			Timestamp:     now,
		})
	}

	h.broadcastToDocument(payload.DocumentID, p.ID, events.EventUserJoinedDocument, events.DocumentPresencePayload{
		UserID:        p.ID,
		User:          p,
		DocumentID:    payload.DocumentID,
		ActiveViewers: len(viewers),
		Timestamp:     now,
	})

	client.sendEvent(events.EventDocumentViewers, events.DocumentViewersPayload{
		DocumentID:   payload.DocumentID,
		Viewers:      h.participantsOf(viewers),
		TotalViewers: len(viewers),
	})

	h.updateGauges()
}

func (h *Hub) handleShareAnalysis(client *Client, data json.RawMessage) {
	p, ok := h.joined(client)
	if !ok {
		return
	}
	var payload events.ShareAnalysisPayload
	if !h.decodePayload(client, data, &payload) {
		return
	}

	meta := collab.ShareMeta{
		AnalysisID: payload.AnalysisID,
		Title:      payload.Title,
		Progress:   payload.Progress,
		Stage:      payload.Stage,
	}
	if payload.StartTime > 0 {
		meta.StartedAt = time.UnixMilli(payload.StartTime)
	}

	a, ok := h.analyses.Share(p, meta)
	if !ok {
		h.logger.Warn("share of foreign analysis id ignored", client.clientID,
			zap.String("analysis_id", payload.AnalysisID))
		return
	}
	h.presence.Touch(p.ID)
	metrics.AnalysesSharedTotal.Inc()

	h.broadcastGlobal(events.EventLiveAnalysisStarted, events.AnalysisStartedPayload{
		Analysis:  a,
		Timestamp: time.Now(),
	}, "")
	h.updateGauges()
}

func (h *Hub) handleAnalysisProgress(client *Client, data json.RawMessage) {
	p, ok := h.joined(client)
	if !ok {
		return
	}
	var payload events.AnalysisProgressPayload
	if !h.decodePayload(client, data, &payload) {
		return
	}

	a, ok := h.analyses.Progress(p.ID, payload.AnalysisID, collab.ProgressUpdate{
		Progress:  payload.Progress,
		Stage:     payload.Stage,
		Completed: payload.Completed,
		Results:   payload.Results,
	})
	if !ok {
		// Unknown or foreign analysis id: not surfaced to the caller.
		h.logger.Warn("analysis progress ignored", client.clientID,
			zap.String("analysis_id", payload.AnalysisID), zap.String("participant_id", p.ID))
		return
	}
	h.presence.Touch(p.ID)

	h.broadcastGlobal(events.EventAnalysisProgressUpdate, events.AnalysisProgressUpdatePayload{
		AnalysisID: a.ID,
		Progress:   a.Progress,
		Stage:      a.Stage,
		Completed:  a.CompletedAt != nil,
		Results:    a.Results,
		Timestamp:  time.Now(),
	}, "")
	h.updateGauges()
}

func (h *Hub) handleTeamMessage(client *Client, data json.RawMessage) {
	p, ok := h.joined(client)
	if !ok {
		return
	}
	var payload events.TeamMessagePayload
	if !h.decodePayload(client, data, &payload) {
		return
	}

	teamID := payload.TeamID
	if teamID == "" {
		if current, ok := h.rooms.TeamOf(client.clientID); ok {
			teamID = current
		} else {
			teamID = h.defaultTeam
		}
	}

	msg := collab.NewMessage(p, payload.Content, collab.MessageType(payload.Type), payload.Metadata)
	h.presence.Touch(p.ID)
	metrics.MessagesSentTotal.Inc()

	// The sender receives its own stamped message back as the authoritative copy.
	h.broadcastToTeam(teamID, "", events.EventTeamMessage, msg)
}

func (h *Hub) handleCursorMove(client *Client, data json.RawMessage) {
	p, ok := h.joined(client)
	if !ok {
		return
	}
	var payload events.CursorMovePayload
	if !h.decodePayload(client, data, &payload) {
		return
	}

	h.presence.Touch(p.ID)
	h.broadcastToDocument(payload.DocumentID, p.ID, events.EventCursorUpdate, events.CursorUpdatePayload{
		UserID:    p.ID,
		User:      p,
		Position:  payload.Position,
		Selection: payload.Selection,
		Timestamp: time.Now(),
	})
}

func (h *Hub) handleAddComment(client *Client, data json.RawMessage) {
	p, ok := h.joined(client)
	if !ok {
		return
	}
	var payload events.AddCommentPayload
	if !h.decodePayload(client, data, &payload) {
		return
	}

	comment := collab.NewComment(p, payload.Content, payload.Position, payload.ThreadID)
	h.presence.Touch(p.ID)
	metrics.CommentsAddedTotal.Inc()

	h.broadcastToDocument(payload.DocumentID, "", events.EventCommentAdded, events.CommentAddedPayload{
		Comment:    comment,
		DocumentID: payload.DocumentID,
	})
}

// forceClose drops a superseded connection without the departure cascade: its
// participant has already been re-registered on a new connection. Returns the
// team room it left and that room's remaining member count so the caller can
// notify the old room when the participant moved teams.
func (h *Hub) forceClose(clientID string) (teamID string, remaining int, leftTeam bool) {
	c, ok := h.clients[clientID]
	if !ok {
		return "", 0, false
	}
	delete(h.clients, clientID)
	teamID, remaining, leftTeam = h.rooms.LeaveTeam(clientID)
	c.closeSend()
	c.closeConn()
	metrics.WsActiveConnections.Set(float64(len(h.clients)))
	h.logger.Info("connection superseded", clientID)
	return teamID, remaining, leftTeam
}

func (h *Hub) evictAnalyses() {
	h.mu.Lock()
	defer h.mu.Unlock()

	evicted, expired := h.analyses.Evict(h.retention, h.staleAfter)
	if len(evicted) > 0 {
		metrics.AnalysesEvictedTotal.Add(float64(len(evicted)))
		h.logger.Info("evicted stale analyses", "", zap.Strings("analysis_ids", evicted))
	}
	now := time.Now()
	for _, a := range expired {
		h.broadcastGlobal(events.EventAnalysisDisconnected, events.AnalysisDisconnectedPayload{
			AnalysisID: a.ID,
			UserID:     a.OwnerID,
			Timestamp:  now,
		}, "")
	}
	if len(evicted) > 0 || len(expired) > 0 {
		h.updateGauges()
	}
}

func (h *Hub) broadcastGlobal(event string, data any, exceptClientID string) {
	raw, err := events.Marshal(event, data)
	if err != nil {
		h.logger.Error("marshal broadcast failed", "", err, zap.String("out_event", event))
		return
	}
	for id, c := range h.clients {
		if id == exceptClientID {
			continue
		}
		c.enqueue(raw)
	}
}

func (h *Hub) broadcastToTeam(teamID, exceptClientID string, event string, data any) {
	raw, err := events.Marshal(event, data)
	if err != nil {
		h.logger.Error("marshal broadcast failed", "", err, zap.String("out_event", event))
		return
	}
	for _, clientID := range h.rooms.TeamMembers(teamID) {
		if clientID == exceptClientID {
			continue
		}
		if c, ok := h.clients[clientID]; ok {
			c.enqueue(raw)
		}
	}
}

func (h *Hub) broadcastToDocument(documentID, exceptParticipantID string, event string, data any) {
	raw, err := events.Marshal(event, data)
	if err != nil {
		h.logger.Error("marshal broadcast failed", "", err, zap.String("out_event", event))
		return
	}
	for _, pid := range h.rooms.DocumentViewers(documentID) {
		if pid == exceptParticipantID {
			continue
		}
		p, ok := h.presence.GetByID(pid)
		if !ok {
			continue
		}
		if c, ok := h.clients[p.ClientID]; ok {
			c.enqueue(raw)
		}
	}
}

func (h *Hub) participantsOf(ids []string) []collab.Participant {
	out := make([]collab.Participant, 0, len(ids))
	for _, id := range ids {
		if p, ok := h.presence.GetByID(id); ok {
			out = append(out, *p)
		}
	}
	return out
}

func (h *Hub) updateGauges() {
	metrics.ActiveParticipants.Set(float64(h.presence.Count()))
	metrics.TeamRooms.Set(float64(h.rooms.TeamCount()))
	metrics.DocumentSessions.Set(float64(h.rooms.DocumentCount()))
	metrics.LiveAnalyses.Set(float64(h.analyses.LiveCount()))
}

// Notify broadcasts a system-notification to every connected client. Safe to
// call from outside the loop: it only reads the client set.
func (h *Hub) Notify(notifType, message string) events.SystemNotificationPayload {
	payload := events.SystemNotificationPayload{
		ID:        uuid.New().String(),
		Type:      notifType,
		Message:   message,
		Timestamp: time.Now(),
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.broadcastGlobal(events.EventSystemNotification, payload, "")
	return payload
}

// HubStats is the read-only snapshot served over HTTP.
type HubStats struct {
	Participants     int `json:"participants"`
	TeamRooms        int `json:"teamRooms"`
	DocumentSessions int `json:"documentSessions"`
	LiveAnalyses     int `json:"liveAnalyses"`
}

// Stats returns current tracker sizes.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{
		Participants:     h.presence.Count(),
		TeamRooms:        h.rooms.TeamCount(),
		DocumentSessions: h.rooms.DocumentCount(),
		LiveAnalyses:     h.analyses.LiveCount(),
	}
}

// Stop gracefully shuts down the Hub
func (h *Hub) Stop() {
	if atomic.LoadInt32(&h.isRunning) == 1 {
		h.Notify("shutdown", "server is shutting down")
	}
	close(h.stopChan)

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		client.closeSend()
		client.closeConn()
	}
	h.clients = make(map[string]*Client)
}
