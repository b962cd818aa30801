package collab

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a team chat message.
type MessageType string

const (
	MessageText          MessageType = "text"
	MessageSystem        MessageType = "system"
	MessageAnalysisShare MessageType = "analysis-share"
)

// Message is an ephemeral chat broadcast unit. It is stamped once at send
// time and never stored; a reconnecting client has no history replay.
type Message struct {
	ID        string              `json:"id"`
	Sender    UserSummary         `json:"sender"`
	Content   string              `json:"content"`
	Type      MessageType         `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Reactions map[string][]string `json:"reactions"`
	Metadata  map[string]any      `json:"metadata,omitempty"`
}

// NewMessage stamps a fresh message with the sender's current snapshot.
func NewMessage(sender *Participant, content string, msgType MessageType, metadata map[string]any) Message {
	if msgType == "" {
		msgType = MessageText
	}
	return Message{
		ID:        uuid.New().String(),
		Sender:    sender.Summary(),
		Content:   content,
		Type:      msgType,
		Timestamp: time.Now(),
		Reactions: map[string][]string{},
		Metadata:  metadata,
	}
}

// Comment is attached to a document position and relayed to the document's
// current viewers. Not persisted beyond process memory.
type Comment struct {
	ID        string          `json:"id"`
	Author    UserSummary     `json:"author"`
	Content   string          `json:"content"`
	Position  json.RawMessage `json:"position"`
	ThreadID  string          `json:"thread,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Replies   []Comment       `json:"replies"`
	Resolved  bool            `json:"resolved"`
}

// NewComment stamps a fresh comment with the author's current snapshot.
func NewComment(author *Participant, content string, position json.RawMessage, threadID string) Comment {
	return Comment{
		ID:        uuid.New().String(),
		Author:    author.Summary(),
		Content:   content,
		Position:  position,
		ThreadID:  threadID,
		Timestamp: time.Now(),
		Replies:   []Comment{},
	}
}
