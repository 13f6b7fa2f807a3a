package domain

import "time"

// Member roles.
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// Project groups a board, its cards and its chat. Access to all of them is
// gated by project membership.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Member links a user to a project with a role.
type Member struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
}

// Board is created once per project and lives as long as the project does.
type Board struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Column belongs to exactly one board. Order defines left-to-right placement.
type Column struct {
	ID      string `json:"id"`
	BoardID string `json:"board_id"`
	Name    string `json:"name"`
	Order   int    `json:"order"`
}

// BoardSnapshot is the full read of a project's board.
type BoardSnapshot struct {
	BoardID string   `json:"board_id"`
	Columns []Column `json:"columns"`
	Cards   []Card   `json:"cards"`
}
