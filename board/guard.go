package board

import (
	"context"
	"errors"

	"boardsync-api/domain"
	"boardsync-api/storage"
)

// GuardStore is the slice of storage the access guard reads from.
type GuardStore interface {
	GetProject(ctx context.Context, projectID string) (domain.Project, error)
	GetMember(ctx context.Context, projectID, userID string) (domain.Member, error)
}

// Guard decides project membership and ownership. It is consulted before any
// shared state is touched and has no side effects.
type Guard struct {
	store GuardStore
}

func NewGuard(store GuardStore) *Guard {
	return &Guard{store: store}
}

// EnsureMember returns the project when userID is its owner or a member.
// Non-members get ErrNotFound, the same answer as for a project that does not
// exist, so membership cannot be probed. ErrForbidden is reserved for
// requireOwner calls by a plain member.
func (g *Guard) EnsureMember(ctx context.Context, projectID, userID string, requireOwner bool) (domain.Project, error) {
	project, err := g.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Project{}, domain.ErrNotFound
		}
		return domain.Project{}, err
	}
	if project.OwnerID == userID {
		return project, nil
	}
	_, err = g.store.GetMember(ctx, projectID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Project{}, domain.ErrNotFound
		}
		return domain.Project{}, err
	}
	if requireOwner {
		return domain.Project{}, domain.ErrForbidden
	}
	return project, nil
}
