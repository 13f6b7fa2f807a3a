package domain

import "time"

const MaxMessageLen = 4096

// Message is a single chat message within a project room.
type Message struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	UserID      string    `json:"user_id"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	DisplayName string    `json:"user_display_name,omitempty"`
}
