package api

import (
	"context"
	"time"

	"boardsync-api/board"
	"boardsync-api/domain"
)

// Board abstracts the mutation engine for handlers and live sessions.
type Board interface {
	CreateCard(ctx context.Context, actorID string, in board.CreateCardInput, origin board.Origin) (domain.Card, error)
	UpdateCard(ctx context.Context, actorID, cardID string, patch domain.CardPatch, clientVersion int, origin board.Origin) (domain.Card, error)
	MoveCard(ctx context.Context, actorID, cardID, fromColumnID, toColumnID string, position, clientVersion int, origin board.Origin) (domain.Card, error)
	DeleteCard(ctx context.Context, actorID, cardID string, origin board.Origin) error

	CreateColumn(ctx context.Context, actorID, boardID, name string, order *int, origin board.Origin) (domain.Column, error)
	UpdateColumn(ctx context.Context, actorID, columnID string, name *string, order *int, origin board.Origin) (domain.Column, error)
	DeleteColumn(ctx context.Context, actorID, columnID string, origin board.Origin) error

	PostMessage(ctx context.Context, actorID, projectID, text string, origin board.Origin) (domain.Message, error)
	ListMessages(ctx context.Context, actorID, projectID string, before time.Time, limit int) ([]domain.Message, error)
	Typing(ctx context.Context, actorID, projectID string, origin board.Origin) error
	AnnounceJoin(ctx context.Context, userID, projectID string, origin board.Origin)

	BoardSnapshot(ctx context.Context, actorID, projectID string) (domain.BoardSnapshot, error)
	EnsureMember(ctx context.Context, projectID, userID string) (domain.Project, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}
