package board

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"boardsync-api/domain"
	"boardsync-api/storage"
)

// Store is the persistence surface the mutation engine works against.
// UpdateCardIfMatch and UpdateColumnIfMatch must perform their revision check
// and the write as one atomic conditional operation.
type Store interface {
	GuardStore
	positionStore
	GetBoard(ctx context.Context, projectID string) (domain.Board, error)
	GetBoardByID(ctx context.Context, boardID string) (domain.Board, error)

	GetCard(ctx context.Context, cardID string) (domain.Card, azcore.ETag, error)
	InsertCard(ctx context.Context, card domain.Card) error
	UpdateCardIfMatch(ctx context.Context, card domain.Card, etag azcore.ETag) error
	DeleteCard(ctx context.Context, cardID string) error

	GetColumn(ctx context.Context, columnID string) (domain.Column, azcore.ETag, error)
	InsertColumn(ctx context.Context, col domain.Column) error
	UpdateColumnIfMatch(ctx context.Context, col domain.Column, etag azcore.ETag) error
	DeleteColumn(ctx context.Context, columnID string) error

	InsertMessage(ctx context.Context, msg domain.Message) error
	ListMessages(ctx context.Context, projectID string, before time.Time, limit int) ([]domain.Message, error)

	FetchBoardSnapshot(ctx context.Context, projectID string) (domain.BoardSnapshot, error)
	EvictBoard(ctx context.Context, projectID string)
}

// Deduper suppresses repeated application of retried mutations.
type Deduper interface {
	// Add records the event id and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added id, used when the mutation was not applied.
	Remove(ctx context.Context, userID, key string) error
}

// Publisher delivers committed events to a project room. It must only be
// invoked after the triggering write has committed.
type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope) error
}

// Auditor receives applied mutations for the external audit persister.
type Auditor interface {
	Submit(rec storage.AuditRecord)
}

// Origin identifies where a mutation came from. EventID is the
// client-supplied idempotency id (empty bypasses the filter). SessionID is
// set for mutations arriving on a live session so the originator is excluded
// from its own broadcast.
type Origin struct {
	EventID   string
	SessionID string
}

// Service applies board mutations under the per-entity optimistic
// concurrency contract and fans out committed events. Failed or rejected
// mutations leave persisted state, room state and caches untouched.
type Service struct {
	store  Store
	guard  *Guard
	dedup  Deduper
	pub    Publisher
	audit  Auditor
	logger *log.Logger
	now    func() time.Time
}

func NewService(store Store, dedup Deduper, pub Publisher, audit Auditor, logger *log.Logger) *Service {
	if store == nil {
		panic("board.NewService: store is nil")
	}
	if pub == nil {
		panic("board.NewService: publisher is nil")
	}
	if logger == nil {
		panic("board.NewService: logger is not initialized")
	}
	return &Service{
		store:  store,
		guard:  NewGuard(store),
		dedup:  dedup,
		pub:    pub,
		audit:  audit,
		logger: logger,
		now:    time.Now,
	}
}

// EnsureMember exposes the access guard for callers that manage room state.
func (s *Service) EnsureMember(ctx context.Context, projectID, userID string) (domain.Project, error) {
	return s.guard.EnsureMember(ctx, projectID, userID, false)
}

// claim records the origin's event id. The returned release func undoes the
// claim and is called whenever the mutation ends up not being applied, so a
// recorded id always means "applied". Deduper outages fail open.
func (s *Service) claim(ctx context.Context, actorID string, origin Origin) (func(), error) {
	if origin.EventID == "" || s.dedup == nil {
		return func() {}, nil
	}
	added, err := s.dedup.Add(ctx, actorID, origin.EventID)
	if err != nil {
		s.logger.Errorf("dedupe unavailable, treating event as new: %v", err)
		return func() {}, nil
	}
	if !added {
		return nil, domain.ErrDuplicate
	}
	release := func() {
		// The request context may already be done; the rollback still has to run.
		if rerr := s.dedup.Remove(context.Background(), actorID, origin.EventID); rerr != nil {
			s.logger.Errorf("dedupe rollback failed, err: %v, key: %s, user: %s", rerr, origin.EventID, actorID)
		}
	}
	return release, nil
}

// committed runs the post-commit sequence: cache eviction, room fan-out and
// the audit hand-off. Fan-out failures are logged, never surfaced; the
// mutation has already committed.
func (s *Service) committed(actorID, projectID, eventType string, payload any, origin Origin) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Errorf("marshal %s payload: %v", eventType, err)
		return
	}
	// The write has committed; eviction and fan-out must not die with the
	// request context when the client disconnects mid-flight.
	ctx := context.Background()
	s.store.EvictBoard(ctx, projectID)
	env := domain.Envelope{
		Room:             domain.RoomForProject(projectID),
		Type:             eventType,
		Payload:          data,
		ExcludeSessionID: origin.SessionID,
	}
	if err := s.pub.Publish(ctx, env); err != nil {
		s.logger.Errorf("publish %s: %v", eventType, err)
	}
	if s.audit != nil {
		s.audit.Submit(storage.AuditFromEnvelope(actorID, projectID, env, nextTimestamp()))
	}
}

func mapStorageErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return domain.ErrNotFound
	}
	return err
}

// CreateCardInput carries the fields of a card create request.
type CreateCardInput struct {
	ProjectID   string
	ColumnID    string
	Title       string
	Description string
	Labels      []string
	Assignees   []string
	Priority    string
	DueDate     string
	Position    *int
}

// CreateCard inserts a new card at version 1 and broadcasts card.created.
func (s *Service) CreateCard(ctx context.Context, actorID string, in CreateCardInput, origin Origin) (domain.Card, error) {
	if in.Title == "" {
		return domain.Card{}, domain.BadRequestError{Reason: "title must not be empty"}
	}
	if len(in.Title) > domain.MaxCardTitleLen {
		return domain.Card{}, domain.BadRequestError{Reason: "title too long"}
	}
	if in.Priority != "" && !domain.ValidPriority(in.Priority) {
		return domain.Card{}, domain.BadRequestError{Reason: "unknown priority"}
	}
	if _, err := s.guard.EnsureMember(ctx, in.ProjectID, actorID, false); err != nil {
		return domain.Card{}, err
	}
	column, _, err := s.store.GetColumn(ctx, in.ColumnID)
	if err != nil {
		return domain.Card{}, mapStorageErr(err)
	}
	brd, err := s.store.GetBoard(ctx, in.ProjectID)
	if err != nil {
		return domain.Card{}, mapStorageErr(err)
	}
	if column.BoardID != brd.ID {
		return domain.Card{}, domain.BadRequestError{Reason: "column does not belong to project board"}
	}

	release, err := s.claim(ctx, actorID, origin)
	if err != nil {
		return domain.Card{}, err
	}

	position := 0
	if in.Position != nil {
		position = *in.Position
	} else {
		position, err = nextCardPosition(ctx, s.store, in.ColumnID)
		if err != nil {
			release()
			return domain.Card{}, err
		}
	}

	now := s.now().UTC()
	card := domain.Card{
		ID:          uuid.NewString(),
		ProjectID:   in.ProjectID,
		ColumnID:    in.ColumnID,
		Title:       in.Title,
		Description: in.Description,
		Labels:      in.Labels,
		Assignees:   in.Assignees,
		Priority:    in.Priority,
		DueDate:     in.DueDate,
		Position:    position,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if card.Labels == nil {
		card.Labels = []string{}
	}
	if card.Assignees == nil {
		card.Assignees = []string{}
	}

	if err := s.store.InsertCard(ctx, card); err != nil {
		release()
		return domain.Card{}, err
	}

	s.committed(actorID, card.ProjectID, domain.CardCreated, card, origin)
	return card, nil
}

// UpdateCard merges the allow-listed patch onto a card when clientVersion
// matches the stored version, advancing the version by exactly one. A stale
// clientVersion or a concurrent writer yields a ConflictError carrying the
// authoritative state, and nothing is applied.
func (s *Service) UpdateCard(ctx context.Context, actorID, cardID string, patch domain.CardPatch, clientVersion int, origin Origin) (domain.Card, error) {
	card, etag, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return domain.Card{}, mapStorageErr(err)
	}
	if _, err := s.guard.EnsureMember(ctx, card.ProjectID, actorID, false); err != nil {
		return domain.Card{}, err
	}
	if patch.IsZero() {
		return domain.Card{}, domain.BadRequestError{Reason: "nothing to update"}
	}
	if err := patch.Validate(); err != nil {
		return domain.Card{}, err
	}

	// The filter must be consulted before the version check: a retry of an
	// already-applied update carries a stale clientVersion by definition and
	// must surface as a duplicate, not as a conflict.
	release, err := s.claim(ctx, actorID, origin)
	if err != nil {
		return domain.Card{}, err
	}
	if clientVersion != card.Version {
		release()
		return domain.Card{}, domain.ConflictError{ServerVersion: card.Version, ServerState: card}
	}

	updated := card
	patch.Apply(&updated)
	updated.Version = card.Version + 1
	updated.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateCardIfMatch(ctx, updated, etag); err != nil {
		release()
		return s.cardWriteConflict(ctx, cardID, err)
	}

	s.committed(actorID, updated.ProjectID, domain.CardUpdated, updated, origin)
	return updated, nil
}

type cardMovedPayload struct {
	ID           string `json:"id"`
	FromColumnID string `json:"fromColumnId"`
	ToColumnID   string `json:"toColumnId"`
	Position     int    `json:"position"`
	Version      int    `json:"version"`
}

// MoveCard reassigns a card's column and position under the same version
// contract as UpdateCard. A fromColumnID that does not match the card's
// actual column is rejected even when the version matches, guarding against
// stale client column state.
func (s *Service) MoveCard(ctx context.Context, actorID, cardID, fromColumnID, toColumnID string, position, clientVersion int, origin Origin) (domain.Card, error) {
	card, etag, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return domain.Card{}, mapStorageErr(err)
	}
	if _, err := s.guard.EnsureMember(ctx, card.ProjectID, actorID, false); err != nil {
		return domain.Card{}, err
	}
	// Same ordering as UpdateCard: a retried move must dedupe before its
	// stale clientVersion can masquerade as a conflict.
	release, err := s.claim(ctx, actorID, origin)
	if err != nil {
		return domain.Card{}, err
	}
	if clientVersion != card.Version {
		release()
		return domain.Card{}, domain.ConflictError{ServerVersion: card.Version, ServerState: card}
	}
	if card.ColumnID != fromColumnID {
		release()
		return domain.Card{}, domain.BadRequestError{Reason: "card is not in the given source column"}
	}
	target, _, err := s.store.GetColumn(ctx, toColumnID)
	if err != nil {
		release()
		return domain.Card{}, mapStorageErr(err)
	}
	brd, err := s.store.GetBoard(ctx, card.ProjectID)
	if err != nil {
		release()
		return domain.Card{}, mapStorageErr(err)
	}
	if target.BoardID != brd.ID {
		release()
		return domain.Card{}, domain.BadRequestError{Reason: "target column does not belong to project board"}
	}

	updated := card
	updated.ColumnID = toColumnID
	updated.Position = position
	updated.Version = card.Version + 1
	updated.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateCardIfMatch(ctx, updated, etag); err != nil {
		release()
		return s.cardWriteConflict(ctx, cardID, err)
	}

	payload := cardMovedPayload{
		ID:           updated.ID,
		FromColumnID: fromColumnID,
		ToColumnID:   toColumnID,
		Position:     position,
		Version:      updated.Version,
	}
	s.committed(actorID, updated.ProjectID, domain.CardMoved, payload, origin)
	return updated, nil
}

// cardWriteConflict turns a lost conditional write into the conflict the
// caller would have seen had it read a moment later: the concurrent commit
// advanced the version, so the caller's clientVersion is stale by now.
func (s *Service) cardWriteConflict(ctx context.Context, cardID string, err error) (domain.Card, error) {
	if !errors.Is(err, storage.ErrConcurrencyConflict) {
		return domain.Card{}, mapStorageErr(err)
	}
	fresh, _, rerr := s.store.GetCard(ctx, cardID)
	if rerr != nil {
		return domain.Card{}, mapStorageErr(rerr)
	}
	return domain.Card{}, domain.ConflictError{ServerVersion: fresh.Version, ServerState: fresh}
}

type idPayload struct {
	ID string `json:"id"`
}

// DeleteCard removes a card. Deletion is unconditional once membership is
// established; there is no version check.
func (s *Service) DeleteCard(ctx context.Context, actorID, cardID string, origin Origin) error {
	card, _, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return mapStorageErr(err)
	}
	if _, err := s.guard.EnsureMember(ctx, card.ProjectID, actorID, false); err != nil {
		return err
	}
	if err := s.store.DeleteCard(ctx, cardID); err != nil {
		return mapStorageErr(err)
	}
	s.committed(actorID, card.ProjectID, domain.CardDeleted, idPayload{ID: cardID}, origin)
	return nil
}

// CreateColumn appends a column to a board.
func (s *Service) CreateColumn(ctx context.Context, actorID, boardID, name string, order *int, origin Origin) (domain.Column, error) {
	if name == "" {
		return domain.Column{}, domain.BadRequestError{Reason: "name must not be empty"}
	}
	brd, err := s.store.GetBoardByID(ctx, boardID)
	if err != nil {
		return domain.Column{}, mapStorageErr(err)
	}
	if _, err := s.guard.EnsureMember(ctx, brd.ProjectID, actorID, false); err != nil {
		return domain.Column{}, err
	}

	release, err := s.claim(ctx, actorID, origin)
	if err != nil {
		return domain.Column{}, err
	}

	ord := 0
	if order != nil {
		ord = *order
	} else {
		ord, err = nextColumnOrder(ctx, s.store, boardID)
		if err != nil {
			release()
			return domain.Column{}, err
		}
	}

	col := domain.Column{ID: uuid.NewString(), BoardID: boardID, Name: name, Order: ord}
	if err := s.store.InsertColumn(ctx, col); err != nil {
		release()
		return domain.Column{}, err
	}

	s.committed(actorID, brd.ProjectID, domain.ColumnCreated, col, origin)
	return col, nil
}

const columnUpdateRetries = 3

// UpdateColumn renames or reorders a column. Columns carry no client-facing
// version; lost conditional writes retry internally against fresh state.
func (s *Service) UpdateColumn(ctx context.Context, actorID, columnID string, name *string, order *int, origin Origin) (domain.Column, error) {
	if name == nil && order == nil {
		return domain.Column{}, domain.BadRequestError{Reason: "nothing to update"}
	}
	if name != nil && *name == "" {
		return domain.Column{}, domain.BadRequestError{Reason: "name must not be empty"}
	}
	col, etag, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		return domain.Column{}, mapStorageErr(err)
	}
	brd, err := s.store.GetBoardByID(ctx, col.BoardID)
	if err != nil {
		return domain.Column{}, mapStorageErr(err)
	}
	if _, err := s.guard.EnsureMember(ctx, brd.ProjectID, actorID, false); err != nil {
		return domain.Column{}, err
	}

	for attempt := 0; ; attempt++ {
		updated := col
		if name != nil {
			updated.Name = *name
		}
		if order != nil {
			updated.Order = *order
		}
		err = s.store.UpdateColumnIfMatch(ctx, updated, etag)
		if err == nil {
			s.committed(actorID, brd.ProjectID, domain.ColumnUpdated, updated, origin)
			return updated, nil
		}
		if !errors.Is(err, storage.ErrConcurrencyConflict) || attempt+1 >= columnUpdateRetries {
			return domain.Column{}, mapStorageErr(err)
		}
		col, etag, err = s.store.GetColumn(ctx, columnID)
		if err != nil {
			return domain.Column{}, mapStorageErr(err)
		}
	}
}

// DeleteColumn removes a column.
func (s *Service) DeleteColumn(ctx context.Context, actorID, columnID string, origin Origin) error {
	col, _, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		return mapStorageErr(err)
	}
	brd, err := s.store.GetBoardByID(ctx, col.BoardID)
	if err != nil {
		return mapStorageErr(err)
	}
	if _, err := s.guard.EnsureMember(ctx, brd.ProjectID, actorID, false); err != nil {
		return err
	}
	if err := s.store.DeleteColumn(ctx, columnID); err != nil {
		return mapStorageErr(err)
	}
	s.committed(actorID, brd.ProjectID, domain.ColumnDeleted, idPayload{ID: columnID}, origin)
	return nil
}

type chatMessagePayload struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// PostMessage persists a chat message and broadcasts chat.message.created.
func (s *Service) PostMessage(ctx context.Context, actorID, projectID, text string, origin Origin) (domain.Message, error) {
	if text == "" {
		return domain.Message{}, domain.BadRequestError{Reason: "message must not be empty"}
	}
	if len(text) > domain.MaxMessageLen {
		return domain.Message{}, domain.BadRequestError{Reason: "message too long"}
	}
	if _, err := s.guard.EnsureMember(ctx, projectID, actorID, false); err != nil {
		return domain.Message{}, err
	}

	release, err := s.claim(ctx, actorID, origin)
	if err != nil {
		return domain.Message{}, err
	}

	msg := domain.Message{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		UserID:    actorID,
		Content:   text,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		release()
		return domain.Message{}, err
	}

	payload := chatMessagePayload{
		ID:        msg.ID,
		ProjectID: msg.ProjectID,
		UserID:    msg.UserID,
		Text:      msg.Content,
		CreatedAt: msg.CreatedAt.Format(time.RFC3339Nano),
	}
	s.publishEphemeral(projectID, domain.ChatMessageCreated, payload, origin)
	if s.audit != nil {
		data, _ := json.Marshal(payload)
		s.audit.Submit(storage.AuditRecord{
			ActorID:   actorID,
			ProjectID: projectID,
			Type:      domain.ChatMessageCreated,
			Payload:   data,
			Timestamp: nextTimestamp(),
		})
	}
	return msg, nil
}

// ListMessages returns project chat history, newest window first requested
// via the before cursor, delivered in chronological order.
func (s *Service) ListMessages(ctx context.Context, actorID, projectID string, before time.Time, limit int) ([]domain.Message, error) {
	if _, err := s.guard.EnsureMember(ctx, projectID, actorID, false); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return s.store.ListMessages(ctx, projectID, before, limit)
}

type presencePayload struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
}

// Typing broadcasts a transient typing indicator; nothing is persisted.
func (s *Service) Typing(ctx context.Context, actorID, projectID string, origin Origin) error {
	if _, err := s.guard.EnsureMember(ctx, projectID, actorID, false); err != nil {
		return err
	}
	s.publishEphemeral(projectID, domain.ChatTyping, presencePayload{ProjectID: projectID, UserID: actorID}, origin)
	return nil
}

// AnnounceJoin broadcasts user.joined to the rest of the room. The caller is
// responsible for having passed the guard during join.
func (s *Service) AnnounceJoin(_ context.Context, userID, projectID string, origin Origin) {
	s.publishEphemeral(projectID, domain.UserJoined, presencePayload{ProjectID: projectID, UserID: userID}, origin)
}

// BoardSnapshot returns the full board read for a project member.
func (s *Service) BoardSnapshot(ctx context.Context, actorID, projectID string) (domain.BoardSnapshot, error) {
	if _, err := s.guard.EnsureMember(ctx, projectID, actorID, false); err != nil {
		return domain.BoardSnapshot{}, err
	}
	snap, err := s.store.FetchBoardSnapshot(ctx, projectID)
	if err != nil {
		return domain.BoardSnapshot{}, mapStorageErr(err)
	}
	return snap, nil
}

// publishEphemeral fans out an event that did not change board state, so no
// cache eviction happens. Delivery is detached from the request context like
// committed fan-out.
func (s *Service) publishEphemeral(projectID, eventType string, payload any, origin Origin) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Errorf("marshal %s payload: %v", eventType, err)
		return
	}
	env := domain.Envelope{
		Room:             domain.RoomForProject(projectID),
		Type:             eventType,
		Payload:          data,
		ExcludeSessionID: origin.SessionID,
	}
	if err := s.pub.Publish(context.Background(), env); err != nil {
		s.logger.Errorf("publish %s: %v", eventType, err)
	}
}
