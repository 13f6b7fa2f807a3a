package domain

import "encoding/json"

// Canonical event taxonomy broadcast to project rooms.
const (
	CardCreated        = "card.created"
	CardUpdated        = "card.updated"
	CardMoved          = "card.moved"
	CardDeleted        = "card.deleted"
	ColumnCreated      = "column.created"
	ColumnUpdated      = "column.updated"
	ColumnDeleted      = "column.deleted"
	ChatMessageCreated = "chat.message.created"
	ChatTyping         = "chat.typing"
	UserJoined         = "user.joined"
)

// RoomForProject names the fan-out room for a project.
func RoomForProject(projectID string) string {
	return "project:" + projectID
}

// Envelope wraps a committed event for delivery to a room. ExcludeSessionID
// is set when the mutation originated on a live session that already holds
// the authoritative result via its acknowledgement.
type Envelope struct {
	Room             string          `json:"room"`
	Type             string          `json:"type"`
	Payload          json.RawMessage `json:"payload"`
	ExcludeSessionID string          `json:"excludeSessionId,omitempty"`
}
