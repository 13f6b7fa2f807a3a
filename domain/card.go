package domain

import (
	"fmt"
	"time"
)

// Card priorities accepted from clients.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

const MaxCardTitleLen = 255

// Card is a single board item. Version starts at 1 and advances by exactly
// one on every accepted mutation.
type Card struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	ColumnID    string    `json:"column_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Labels      []string  `json:"labels"`
	Assignees   []string  `json:"assignees"`
	Priority    string    `json:"priority,omitempty"`
	DueDate     string    `json:"due_date,omitempty"`
	Position    int       `json:"position"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CardPatch carries the client-editable fields of a card. Nil means "leave
// unchanged". Identity, position and version are never patchable; they only
// move through the dedicated create/move operations.
type CardPatch struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Labels      *[]string `json:"labels"`
	Assignees   *[]string `json:"assignees"`
	Priority    *string   `json:"priority"`
	DueDate     *string   `json:"due_date"`
}

// Validate rejects structurally invalid patches before anything is applied.
func (p CardPatch) Validate() error {
	if p.Title != nil {
		if *p.Title == "" {
			return BadRequestError{Reason: "title must not be empty"}
		}
		if len(*p.Title) > MaxCardTitleLen {
			return BadRequestError{Reason: "title too long"}
		}
	}
	if p.Priority != nil && *p.Priority != "" && !ValidPriority(*p.Priority) {
		return BadRequestError{Reason: fmt.Sprintf("unknown priority %q", *p.Priority)}
	}
	return nil
}

// IsZero reports whether the patch changes nothing.
func (p CardPatch) IsZero() bool {
	return p.Title == nil && p.Description == nil && p.Labels == nil &&
		p.Assignees == nil && p.Priority == nil && p.DueDate == nil
}

// Apply merges the allow-listed fields onto the card. One case per permitted
// field; anything a client smuggles past the decoder never reaches internal
// state.
func (p CardPatch) Apply(c *Card) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Labels != nil {
		c.Labels = *p.Labels
	}
	if p.Assignees != nil {
		c.Assignees = *p.Assignees
	}
	if p.Priority != nil {
		c.Priority = *p.Priority
	}
	if p.DueDate != nil {
		c.DueDate = *p.DueDate
	}
}

// ValidPriority reports whether s is one of the closed priority enumeration.
func ValidPriority(s string) bool {
	switch s {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}
