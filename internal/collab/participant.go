package collab

import (
	"hash/fnv"
	"strings"
	"time"
	"unicode/utf8"
)

// Status is a participant's presence status
type Status string

const (
	StatusOnline Status = "online"
	StatusAway   Status = "away"
	StatusBusy   Status = "busy"
)

// Avatar is the glyph-plus-colors badge rendered for a participant.
type Avatar struct {
	Initial    string `json:"initial"`
	Background string `json:"background"`
	Foreground string `json:"foreground"`
}

// avatarPalette pairs background with a readable foreground. The index is
// picked by a stable hash of the display name, so the same name always gets
// the same colors on every connection.
var avatarPalette = [][2]string{
	{"#6366F1", "#EEF2FF"},
	{"#0EA5E9", "#F0F9FF"},
	{"#10B981", "#ECFDF5"},
	{"#F59E0B", "#FFFBEB"},
	{"#EF4444", "#FEF2F2"},
	{"#8B5CF6", "#F5F3FF"},
	{"#EC4899", "#FDF2F8"},
	{"#14B8A6", "#F0FDFA"},
}

// AvatarOf derives a deterministic avatar from a display name.
func AvatarOf(name string) Avatar {
	initial := "?"
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		r, _ := utf8.DecodeRuneInString(trimmed)
		initial = strings.ToUpper(string(r))
	}

	h := fnv.New32a()
	h.Write([]byte(trimmed))
	colors := avatarPalette[int(h.Sum32())%len(avatarPalette)]

	return Avatar{
		Initial:    initial,
		Background: colors[0],
		Foreground: colors[1],
	}
}

// Identity is the application-level identity supplied when a connection joins.
// All fields except Name are optional.
type Identity struct {
	ID     string
	Name   string
	Email  string
	Role   string
	Avatar *Avatar
}

// Participant represents one connected collaborator.
type Participant struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Email           string    `json:"email,omitempty"`
	Avatar          Avatar    `json:"avatar"`
	Role            string    `json:"role"`
	ClientID        string    `json:"-"`
	Status          Status    `json:"status"`
	CurrentDocument string    `json:"currentDocument,omitempty"`
	LastActivity    time.Time `json:"lastActivity"`
	JoinedAt        time.Time `json:"joinedAt"`
}

// UserSummary is the sender snapshot stamped onto messages and comments.
type UserSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar Avatar `json:"avatar"`
	Role   string `json:"role"`
}

// Summary captures the participant's identity at a point in time.
func (p *Participant) Summary() UserSummary {
	return UserSummary{
		ID:     p.ID,
		Name:   p.Name,
		Avatar: p.Avatar,
		Role:   p.Role,
	}
}
