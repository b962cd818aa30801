package events

import (
	"encoding/json"
	"time"

	"transcript-collab/internal/collab"
)

// Inbound event names
const (
	EventJoinCollaboration = "join-collaboration"
	EventJoinDocument      = "join-document"
	EventShareAnalysis     = "share-analysis"
	EventAnalysisProgress  = "analysis-progress"
	EventTeamMessage       = "team-message"
	EventCursorMove        = "cursor-move"
	EventAddComment        = "add-comment"
)

// Outbound event names
const (
	EventActiveUsers            = "active-users"
	EventLiveAnalyses           = "live-analyses"
	EventUserJoined             = "user-joined"
	EventUserLeft               = "user-left"
	EventUserJoinedDocument     = "user-joined-document"
	EventUserLeftDocument       = "user-left-document"
	EventDocumentViewers        = "document-viewers"
	EventLiveAnalysisStarted    = "live-analysis-started"
	EventAnalysisProgressUpdate = "analysis-progress-update"
	EventAnalysisDisconnected   = "analysis-disconnected"
	EventCursorUpdate           = "cursor-update"
	EventCommentAdded           = "comment-added"
	EventSystemNotification     = "system-notification"
	EventError                  = "error"
)

// Inbound payloads. Validation tags mark the fields whose absence is a
// malformed-payload error reported back to the sender only.

type JoinPayload struct {
	UserID string         `json:"participantId,omitempty"`
	Name   string         `json:"name" validate:"required"`
	Email  string         `json:"email,omitempty" validate:"omitempty,email"`
	TeamID string         `json:"teamId,omitempty"`
	Role   string         `json:"role,omitempty"`
	Avatar *collab.Avatar `json:"avatar,omitempty"`
}

type JoinDocumentPayload struct {
	DocumentID string `json:"documentId" validate:"required"`
}

type ShareAnalysisPayload struct {
	AnalysisID string `json:"analysisId,omitempty"` // generated when absent
	Title      string `json:"title,omitempty"`
	Progress   int    `json:"progress,omitempty"` // out-of-range values are clamped
	Stage      string `json:"stage,omitempty"`
	StartTime  int64  `json:"startTime,omitempty"` // unix millis
}

type AnalysisProgressPayload struct {
	AnalysisID string         `json:"analysisId" validate:"required"`
	Progress   *int           `json:"progress,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	Completed  bool           `json:"completed,omitempty"`
	Results    map[string]any `json:"results,omitempty"`
}

type TeamMessagePayload struct {
	Content  string         `json:"content" validate:"required"`
	Type     string         `json:"type,omitempty" validate:"omitempty,oneof=text system analysis-share"`
	TeamID   string         `json:"teamId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type CursorMovePayload struct {
	DocumentID string          `json:"documentId" validate:"required"`
	Position   json.RawMessage `json:"position,omitempty"`
	Selection  json.RawMessage `json:"selection,omitempty"`
}

type AddCommentPayload struct {
	DocumentID string          `json:"documentId" validate:"required"`
	Content    string          `json:"content" validate:"required"`
	Position   json.RawMessage `json:"position" validate:"required"`
	ThreadID   string          `json:"thread,omitempty"`
}

// Outbound payloads.

type ActiveUsersPayload struct {
	Users      []collab.Participant `json:"users"`
	TotalCount int                  `json:"totalCount"`
}

type LiveAnalysesPayload struct {
	Analyses []collab.LiveAnalysis `json:"analyses"`
}

type UserPresencePayload struct {
	User       collab.Participant `json:"user"`
	Timestamp  time.Time          `json:"timestamp"`
	TotalUsers int                `json:"totalUsers"`
}

type DocumentPresencePayload struct {
	UserID        string              `json:"userId"`
	User          *collab.Participant `json:"user,omitempty"`
	DocumentID    string              `json:"documentId"`
	ActiveViewers int                 `json:"activeViewers"`
	Timestamp     time.Time           `json:"timestamp"`
}

type DocumentViewersPayload struct {
	DocumentID   string               `json:"documentId"`
	Viewers      []collab.Participant `json:"viewers"`
	TotalViewers int                  `json:"totalViewers"`
}

type AnalysisStartedPayload struct {
	Analysis  collab.LiveAnalysis `json:"analysis"`
	Timestamp time.Time           `json:"timestamp"`
}

type AnalysisProgressUpdatePayload struct {
	AnalysisID string         `json:"analysisId"`
	Progress   int            `json:"progress"`
	Stage      string         `json:"stage"`
	Completed  bool           `json:"completed"`
	Results    map[string]any `json:"results,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

type AnalysisDisconnectedPayload struct {
	AnalysisID string    `json:"analysisId"`
	UserID     string    `json:"userId"`
	Timestamp  time.Time `json:"timestamp"`
}

type CursorUpdatePayload struct {
	UserID    string              `json:"userId"`
	User      *collab.Participant `json:"user,omitempty"`
	Position  json.RawMessage     `json:"position,omitempty"`
	Selection json.RawMessage     `json:"selection,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

type CommentAddedPayload struct {
	Comment    collab.Comment `json:"comment"`
	DocumentID string         `json:"documentId"`
}

type SystemNotificationPayload struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
