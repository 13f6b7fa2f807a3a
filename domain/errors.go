package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound covers both "entity absent" and "caller may not see it"; the
// two are intentionally indistinguishable so non-members cannot probe for
// existence.
var ErrNotFound = errors.New("not found")

// ErrForbidden means the caller can see the resource but lacks the role for
// the action.
var ErrForbidden = errors.New("forbidden")

// ErrGone marks a referenced external resource that no longer exists.
var ErrGone = errors.New("gone")

// ErrDuplicate reports that a mutation carrying an already-claimed event id
// was suppressed; the original application stands.
var ErrDuplicate = errors.New("duplicate event")

// BadRequestError reports a structurally invalid request or a cross-field
// mismatch, detected before any write.
type BadRequestError struct {
	Reason string
}

func (e BadRequestError) Error() string { return e.Reason }

// ConflictError is returned when a mutation's clientVersion does not match
// the stored version. It always carries the authoritative state so the
// caller can refresh and re-issue.
type ConflictError struct {
	ServerVersion int `json:"serverVersion"`
	ServerState   any `json:"serverState"`
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("version conflict, server version %d", e.ServerVersion)
}
