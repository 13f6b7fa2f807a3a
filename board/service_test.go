package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/sirupsen/logrus/hooks/test"

	"boardsync-api/domain"
	"boardsync-api/storage"
)

type cardRecord struct {
	card domain.Card
	rev  int
}

type columnRecord struct {
	col domain.Column
	rev int
}

// fakeStore is an in-memory Store with the same conditional-write contract
// as the real one: a write with a stale tag fails with
// storage.ErrConcurrencyConflict and changes nothing.
type fakeStore struct {
	projects map[string]domain.Project
	members  map[string]domain.Member
	boards   map[string]domain.Board
	columns  map[string]*columnRecord
	cards    map[string]*cardRecord
	messages []domain.Message

	evicted []string

	insertCardErr      error
	cardConflicts      int
	columnConflicts    int
	lastMessagesLimit  int
	lastMessagesBefore time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: make(map[string]domain.Project),
		members:  make(map[string]domain.Member),
		boards:   make(map[string]domain.Board),
		columns:  make(map[string]*columnRecord),
		cards:    make(map[string]*cardRecord),
	}
}

func (f *fakeStore) seedProject(projectID, ownerID, boardID string) {
	f.projects[projectID] = domain.Project{ID: projectID, OwnerID: ownerID}
	f.boards[boardID] = domain.Board{ID: boardID, ProjectID: projectID}
}

func (f *fakeStore) seedMember(projectID, userID string) {
	f.members[projectID+"/"+userID] = domain.Member{ProjectID: projectID, UserID: userID, Role: domain.RoleMember}
}

func (f *fakeStore) seedColumn(columnID, boardID string, order int) {
	f.columns[columnID] = &columnRecord{col: domain.Column{ID: columnID, BoardID: boardID, Order: order}, rev: 1}
}

func (f *fakeStore) seedCard(card domain.Card) {
	f.cards[card.ID] = &cardRecord{card: card, rev: 1}
}

func cardTag(rec *cardRecord) azcore.ETag {
	return azcore.ETag(fmt.Sprintf("W/%q", rec.rev))
}

func columnTag(rec *columnRecord) azcore.ETag {
	return azcore.ETag(fmt.Sprintf("W/%q", rec.rev))
}

func (f *fakeStore) GetProject(_ context.Context, projectID string) (domain.Project, error) {
	p, ok := f.projects[projectID]
	if !ok {
		return domain.Project{}, storage.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) GetMember(_ context.Context, projectID, userID string) (domain.Member, error) {
	m, ok := f.members[projectID+"/"+userID]
	if !ok {
		return domain.Member{}, storage.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) GetBoard(_ context.Context, projectID string) (domain.Board, error) {
	for _, b := range f.boards {
		if b.ProjectID == projectID {
			return b, nil
		}
	}
	return domain.Board{}, storage.ErrNotFound
}

func (f *fakeStore) GetBoardByID(_ context.Context, boardID string) (domain.Board, error) {
	b, ok := f.boards[boardID]
	if !ok {
		return domain.Board{}, storage.ErrNotFound
	}
	return b, nil
}

func (f *fakeStore) GetCard(_ context.Context, cardID string) (domain.Card, azcore.ETag, error) {
	rec, ok := f.cards[cardID]
	if !ok {
		return domain.Card{}, "", storage.ErrNotFound
	}
	return rec.card, cardTag(rec), nil
}

func (f *fakeStore) InsertCard(_ context.Context, card domain.Card) error {
	if f.insertCardErr != nil {
		return f.insertCardErr
	}
	if _, ok := f.cards[card.ID]; ok {
		return storage.ErrAlreadyExists
	}
	f.cards[card.ID] = &cardRecord{card: card, rev: 1}
	return nil
}

func (f *fakeStore) UpdateCardIfMatch(_ context.Context, card domain.Card, etag azcore.ETag) error {
	rec, ok := f.cards[card.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if f.cardConflicts > 0 {
		// A concurrent writer slipped in between the caller's read and this
		// write: its commit advanced the stored version and the tag.
		f.cardConflicts--
		rec.card.Version++
		rec.rev++
		return storage.ErrConcurrencyConflict
	}
	if etag != cardTag(rec) {
		return storage.ErrConcurrencyConflict
	}
	rec.card = card
	rec.rev++
	return nil
}

func (f *fakeStore) DeleteCard(_ context.Context, cardID string) error {
	if _, ok := f.cards[cardID]; !ok {
		return storage.ErrNotFound
	}
	delete(f.cards, cardID)
	return nil
}

func (f *fakeStore) GetColumn(_ context.Context, columnID string) (domain.Column, azcore.ETag, error) {
	rec, ok := f.columns[columnID]
	if !ok {
		return domain.Column{}, "", storage.ErrNotFound
	}
	return rec.col, columnTag(rec), nil
}

func (f *fakeStore) InsertColumn(_ context.Context, col domain.Column) error {
	if _, ok := f.columns[col.ID]; ok {
		return storage.ErrAlreadyExists
	}
	f.columns[col.ID] = &columnRecord{col: col, rev: 1}
	return nil
}

func (f *fakeStore) UpdateColumnIfMatch(_ context.Context, col domain.Column, etag azcore.ETag) error {
	rec, ok := f.columns[col.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if f.columnConflicts > 0 {
		f.columnConflicts--
		rec.rev++
		return storage.ErrConcurrencyConflict
	}
	if etag != columnTag(rec) {
		return storage.ErrConcurrencyConflict
	}
	rec.col = col
	rec.rev++
	return nil
}

func (f *fakeStore) DeleteColumn(_ context.Context, columnID string) error {
	if _, ok := f.columns[columnID]; !ok {
		return storage.ErrNotFound
	}
	delete(f.columns, columnID)
	return nil
}

func (f *fakeStore) InsertMessage(_ context.Context, msg domain.Message) error {
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, projectID string, before time.Time, limit int) ([]domain.Message, error) {
	f.lastMessagesLimit = limit
	f.lastMessagesBefore = before
	var out []domain.Message
	for _, m := range f.messages {
		if m.ProjectID == projectID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) MaxCardPosition(_ context.Context, columnID string) (int, bool, error) {
	max, any := 0, false
	for _, rec := range f.cards {
		if rec.card.ColumnID != columnID {
			continue
		}
		if !any || rec.card.Position > max {
			max = rec.card.Position
		}
		any = true
	}
	return max, any, nil
}

func (f *fakeStore) MaxColumnOrder(_ context.Context, boardID string) (int, bool, error) {
	max, any := 0, false
	for _, rec := range f.columns {
		if rec.col.BoardID != boardID {
			continue
		}
		if !any || rec.col.Order > max {
			max = rec.col.Order
		}
		any = true
	}
	return max, any, nil
}

func (f *fakeStore) FetchBoardSnapshot(_ context.Context, projectID string) (domain.BoardSnapshot, error) {
	var board domain.Board
	found := false
	for _, b := range f.boards {
		if b.ProjectID == projectID {
			board = b
			found = true
		}
	}
	if !found {
		return domain.BoardSnapshot{}, storage.ErrNotFound
	}
	snap := domain.BoardSnapshot{BoardID: board.ID, Columns: []domain.Column{}, Cards: []domain.Card{}}
	for _, rec := range f.columns {
		if rec.col.BoardID == board.ID {
			snap.Columns = append(snap.Columns, rec.col)
		}
	}
	for _, rec := range f.cards {
		if rec.card.ProjectID == projectID {
			snap.Cards = append(snap.Cards, rec.card)
		}
	}
	return snap, nil
}

func (f *fakeStore) EvictBoard(_ context.Context, projectID string) {
	f.evicted = append(f.evicted, projectID)
}

type fakeDeduper struct {
	marks  map[string]bool
	addErr error
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{marks: make(map[string]bool)}
}

func (d *fakeDeduper) Add(_ context.Context, userID, key string) (bool, error) {
	if d.addErr != nil {
		return false, d.addErr
	}
	k := userID + ":" + key
	if d.marks[k] {
		return false, nil
	}
	d.marks[k] = true
	return true, nil
}

func (d *fakeDeduper) Remove(_ context.Context, userID, key string) error {
	delete(d.marks, userID+":"+key)
	return nil
}

type capturePublisher struct {
	envelopes []domain.Envelope
	ctxErrs   []error
}

func (p *capturePublisher) Publish(ctx context.Context, env domain.Envelope) error {
	p.envelopes = append(p.envelopes, env)
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	return nil
}

type captureAuditor struct {
	records []storage.AuditRecord
}

func (a *captureAuditor) Submit(rec storage.AuditRecord) {
	a.records = append(a.records, rec)
}

func newTestService(store *fakeStore) (*Service, *capturePublisher, *fakeDeduper, *captureAuditor) {
	logger, _ := test.NewNullLogger()
	pub := &capturePublisher{}
	dedup := newFakeDeduper()
	audit := &captureAuditor{}
	return NewService(store, dedup, pub, audit, logger), pub, dedup, audit
}

func seedBasicProject(store *fakeStore) {
	store.seedProject("p1", "owner", "b1")
	store.seedMember("p1", "alice")
	store.seedColumn("col-a", "b1", 0)
	store.seedColumn("col-b", "b1", 1)
}

func TestCreateCardAssignsNextPosition(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	for i, pos := range []int{0, 2, 5} {
		store.seedCard(domain.Card{ID: fmt.Sprintf("c%d", i), ProjectID: "p1", ColumnID: "col-a", Position: pos, Version: 1})
	}
	svc, pub, _, _ := newTestService(store)

	card, err := svc.CreateCard(context.Background(), "alice", CreateCardInput{
		ProjectID: "p1", ColumnID: "col-a", Title: "new card",
	}, Origin{})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	if card.Position != 6 {
		t.Fatalf("expected position 6, got %d", card.Position)
	}
	if card.Version != 1 {
		t.Fatalf("new card must start at version 1, got %d", card.Version)
	}
	if len(pub.envelopes) != 1 || pub.envelopes[0].Type != domain.CardCreated {
		t.Fatalf("expected one card.created broadcast, got %+v", pub.envelopes)
	}
	if pub.envelopes[0].Room != domain.RoomForProject("p1") {
		t.Fatalf("wrong room: %s", pub.envelopes[0].Room)
	}
}

func TestCreateCardEmptyColumnStartsAtZero(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	svc, _, _, _ := newTestService(store)

	card, err := svc.CreateCard(context.Background(), "alice", CreateCardInput{
		ProjectID: "p1", ColumnID: "col-b", Title: "first",
	}, Origin{})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	if card.Position != 0 {
		t.Fatalf("expected position 0 in empty column, got %d", card.Position)
	}
}

func TestCreateCardRejectsForeignColumn(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	store.seedProject("p2", "owner2", "b2")
	store.seedColumn("col-other", "b2", 0)
	svc, pub, _, _ := newTestService(store)

	_, err := svc.CreateCard(context.Background(), "alice", CreateCardInput{
		ProjectID: "p1", ColumnID: "col-other", Title: "stray",
	}, Origin{})
	var bad domain.BadRequestError
	if !errors.As(err, &bad) {
		t.Fatalf("expected bad request for foreign column, got %v", err)
	}
	if len(pub.envelopes) != 0 {
		t.Fatal("nothing may be broadcast for a rejected mutation")
	}
}

func TestCreateCardNonMemberMaskedAsNotFound(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	svc, _, _, _ := newTestService(store)

	_, err := svc.CreateCard(context.Background(), "mallory", CreateCardInput{
		ProjectID: "p1", ColumnID: "col-a", Title: "probe",
	}, Origin{})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("non-member must see not found, got %v", err)
	}
	_, err2 := svc.CreateCard(context.Background(), "mallory", CreateCardInput{
		ProjectID: "no-such-project", ColumnID: "col-a", Title: "probe",
	}, Origin{})
	if !errors.Is(err2, domain.ErrNotFound) {
		t.Fatalf("missing project must see not found, got %v", err2)
	}
}

func TestUpdateCardNothingToUpdate(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	store.seedCard(domain.Card{ID: "c1", ProjectID: "p1", ColumnID: "col-a", Title: "original", Version: 3})
	svc, _, _, _ := newTestService(store)

	_, err := svc.UpdateCard(context.Background(), "alice", "c1", domain.CardPatch{}, 3, Origin{})
	var bad domain.BadRequestError
	if !errors.As(err, &bad) {
		t.Fatalf("expected bad request, got %v", err)
	}
	if store.cards["c1"].card.Version != 3 {
		t.Fatal("empty patch must not touch the card")
	}
}

func TestCommitFanOutSurvivesRequestCancellation(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	store.seedCard(domain.Card{ID: "c1", ProjectID: "p1", ColumnID: "col-a", Title: "original", Version: 1})
	svc, pub, _, _ := newTestService(store)

	// The client disconnects right after the write commits; the request
	// context is already dead when fan-out runs.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	title := "edited"
	if _, err := svc.UpdateCard(ctx, "alice", "c1", domain.CardPatch{Title: &title}, 1, Origin{}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(pub.envelopes) != 1 {
		t.Fatalf("expected broadcast despite cancellation, got %d envelopes", len(pub.envelopes))
	}
	if pub.ctxErrs[0] != nil {
		t.Fatalf("fan-out must run on a live context, got %v", pub.ctxErrs[0])
	}
	if len(store.evicted) != 1 || store.evicted[0] != "p1" {
		t.Fatalf("expected cache eviction despite cancellation, got %v", store.evicted)
	}
}

func TestUpdateCardRetryReportsDuplicate(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	store.seedCard(domain.Card{ID: "c1", ProjectID: "p1", ColumnID: "col-a", Title: "original", Version: 3})
	svc, pub, _, _ := newTestService(store)

	title := "edited"
	if _, err := svc.UpdateCard(context.Background(), "alice", "c1", domain.CardPatch{Title: &title}, 3, Origin{EventID: "ev-u1"}); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// The retransmit carries the original clientVersion, stale now that the
	// first application advanced the card. It must still surface as a
	// duplicate, not as a conflict.
	_, err := svc.UpdateCard(context.Background(), "alice", "c1", domain.CardPatch{Title: &title}, 3, Origin{EventID: "ev-u1"})
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("retry with same event id must report duplicate, got %v", err)
	}
	if store.cards["c1"].card.Version != 4 {
		t.Fatalf("retry must not reapply, version %d", store.cards["c1"].card.Version)
	}
	if len(pub.envelopes) != 1 {
		t.Fatalf("retry must not rebroadcast, got %d envelopes", len(pub.envelopes))
	}
}

func TestMoveCardRetryReportsDuplicate(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	store.seedCard(domain.Card{ID: "c1", ProjectID: "p1", ColumnID: "col-a", Title: "movable", Version: 1})
	svc, pub, _, _ := newTestService(store)

	if _, err := svc.MoveCard(context.Background(), "alice", "c1", "col-a", "col-b", 0, 1, Origin{EventID: "ev-m1"}); err != nil {
		t.Fatalf("first move: %v", err)
	}

	_, err := svc.MoveCard(context.Background(), "alice", "c1", "col-a", "col-b", 0, 1, Origin{EventID: "ev-m1"})
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("retry with same event id must report duplicate, got %v", err)
	}
	if store.cards["c1"].card.Version != 2 {
		t.Fatalf("retry must not reapply, version %d", store.cards["c1"].card.Version)
	}
	if len(pub.envelopes) != 1 {
		t.Fatalf("retry must not rebroadcast, got %d envelopes", len(pub.envelopes))
	}
}

func TestUpdateCardGenuineConflictReleasesClaim(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	store.seedCard(domain.Card{ID: "c1", ProjectID: "p1", ColumnID: "col-a", Title: "original", Version: 5})
	svc, _, dedup, _ := newTestService(store)

	title := "edited"
	_, err := svc.UpdateCard(context.Background(), "alice", "c1", domain.CardPatch{Title: &title}, 3, Origin{EventID: "ev-c1"})
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(dedup.marks) != 0 {
		t.Fatal("rejected mutation must release its claim")
	}

	// After refreshing to the authoritative version the same event id gets a
	// fresh attempt.
	if _, err := svc.UpdateCard(context.Background(), "alice", "c1", domain.CardPatch{Title: &title}, 5, Origin{EventID: "ev-c1"}); err != nil {
		t.Fatalf("corrected retry must apply, got %v", err)
	}
}

func TestUpdateCardStaleVersionConflict(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	store.seedCard(domain.Card{ID: "c1", ProjectID: "p1", ColumnID: "col-a", Title: "original", Version: 3})
	svc, pub, _, _ := newTestService(store)

	title := "edited"
	_, err := svc.UpdateCard(context.Background(), "alice", "c1", domain.CardPatch{Title: &title}, 2, Origin{})
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.ServerVersion != 3 {
		t.Fatalf("conflict must carry server version 3, got %d", conflict.ServerVersion)
	}
	state, ok := conflict.ServerState.(domain.Card)
	if !ok || state.Title != "original" {
		t.Fatalf("conflict must carry authoritative state, got %#v", conflict.ServerState)
	}
	if store.cards["c1"].card.Title != "original" || store.cards["c1"].card.Version != 3 {
		t.Fatal("rejected mutation must leave stored state untouched")
	}
	if len(pub.envelopes) != 0 {
		t.Fatal("rejected mutation must not broadcast")
	}
	if len(store.evicted) != 0 {
		t.Fatal("rejected mutation must not evict the snapshot cache")
	}
}

func TestUpdateCardAppliesAndBroadcasts(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	store.seedCard(domain.Card{ID: "c1", ProjectID: "p1", ColumnID: "col-a", Title: "original", Version: 3})
	svc, pub, _, audit := newTestService(store)

	title := "edited"
	card, err := svc.UpdateCard(context.Background(), "alice", "c1", domain.CardPatch{Title: &title}, 3, Origin{SessionID: "sess-9"})
	if err != nil {
		t.Fatalf("update card: %v", err)
	}
	if card.Version != 4 {
		t.Fatalf("version must advance by one, got %d", card.Version)
	}
	if len(pub.envelopes) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(pub.envelopes))
	}
	env := pub.envelopes[0]
	if env.Type != domain.CardUpdated {
		t.Fatalf("wrong event type: %s", env.Type)
	}
	if env.ExcludeSessionID != "sess-9" {
		t.Fatalf("originating session must be excluded, got %q", env.ExcludeSessionID)
	}
	if len(store.evicted) != 1 || store.evicted[0] != "p1" {
		t.Fatalf("snapshot cache must be evicted for the project, got %v", store.evicted)
	}
	if len(audit.records) != 1 || audit.records[0].Type != domain.CardUpdated {
		t.Fatalf("expected one audit record, got %+v", audit.records)
	}
}

func TestUpdateCardLostConditionalWrite(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	store.seedCard(domain.Card{ID: "c1", ProjectID: "p1", ColumnID: "col-a", Title: "original", Version: 3})
	svc, pub, dedup, _ := newTestService(store)
	store.cardConflicts = 1

	title := "mine"
	_, err := svc.UpdateCard(context.Background(), "alice", "c1", domain.CardPatch{Title: &title}, 3, Origin{EventID: "ev-1"})
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.ServerVersion != 4 {
		t.Fatalf("conflict must carry the fresh version, got %d", conflict.ServerVersion)
	}
	if len(pub.envelopes) != 0 {
		t.Fatal("no broadcast on conflict")
	}
	if len(dedup.marks) != 0 {
		t.Fatal("event id claim must be released when nothing was applied")
	}
}

func TestMoveCardSourceColumnMismatch(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	store.seedCard(domain.Card{ID: "c1", ProjectID: "p1", ColumnID: "col-a", Title: "t", Version: 1})
	svc, _, _, _ := newTestService(store)

	_, err := svc.MoveCard(context.Background(), "alice", "c1", "col-b", "col-a", 0, 1, Origin{})
	var bad domain.BadRequestError
	if !errors.As(err, &bad) {
		t.Fatalf("expected bad request for wrong source column, got %v", err)
	}
	if !strings.Contains(bad.Reason, "source column") {
		t.Fatalf("unexpected reason: %s", bad.Reason)
	}
}

func TestMoveCardBroadcastsMovePayload(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	store.seedCard(domain.Card{ID: "c1", ProjectID: "p1", ColumnID: "col-a", Title: "t", Version: 2})
	svc, pub, _, _ := newTestService(store)

	card, err := svc.MoveCard(context.Background(), "alice", "c1", "col-a", "col-b", 3, 2, Origin{})
	if err != nil {
		t.Fatalf("move card: %v", err)
	}
	if card.ColumnID != "col-b" || card.Position != 3 || card.Version != 3 {
		t.Fatalf("unexpected card after move: %+v", card)
	}
	if len(pub.envelopes) != 1 || pub.envelopes[0].Type != domain.CardMoved {
		t.Fatalf("expected card.moved broadcast, got %+v", pub.envelopes)
	}
	var payload map[string]any
	if err := json.Unmarshal(pub.envelopes[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["fromColumnId"] != "col-a" || payload["toColumnId"] != "col-b" {
		t.Fatalf("unexpected move payload: %v", payload)
	}
	if payload["version"] != float64(3) {
		t.Fatalf("move payload must carry the new version, got %v", payload["version"])
	}
}

func TestMoveCardStaleVersionConflict(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	store.seedCard(domain.Card{ID: "c1", ProjectID: "p1", ColumnID: "col-a", Title: "t", Version: 5})
	svc, _, _, _ := newTestService(store)

	_, err := svc.MoveCard(context.Background(), "alice", "c1", "col-a", "col-b", 0, 4, Origin{})
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if store.cards["c1"].card.ColumnID != "col-a" {
		t.Fatal("rejected move must not change the card")
	}
}

func TestDuplicateEventAppliedOnce(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	svc, pub, _, _ := newTestService(store)

	origin := Origin{EventID: "retry-1"}
	first, err := svc.CreateCard(context.Background(), "alice", CreateCardInput{
		ProjectID: "p1", ColumnID: "col-a", Title: "once",
	}, origin)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err = svc.CreateCard(context.Background(), "alice", CreateCardInput{
		ProjectID: "p1", ColumnID: "col-a", Title: "once",
	}, origin)
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected duplicate suppression, got %v", err)
	}
	if len(store.cards) != 1 {
		t.Fatalf("retry must not create a second card, have %d", len(store.cards))
	}
	if _, ok := store.cards[first.ID]; !ok {
		t.Fatal("original card must survive the retry")
	}
	if len(pub.envelopes) != 1 {
		t.Fatalf("retry must not broadcast again, got %d envelopes", len(pub.envelopes))
	}
}

func TestDuplicateEventScopedPerUser(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	store.seedMember("p1", "bob")
	svc, _, _, _ := newTestService(store)

	origin := Origin{EventID: "shared-id"}
	if _, err := svc.CreateCard(context.Background(), "alice", CreateCardInput{ProjectID: "p1", ColumnID: "col-a", Title: "a"}, origin); err != nil {
		t.Fatalf("alice create: %v", err)
	}
	if _, err := svc.CreateCard(context.Background(), "bob", CreateCardInput{ProjectID: "p1", ColumnID: "col-a", Title: "b"}, origin); err != nil {
		t.Fatalf("same event id from another user must pass: %v", err)
	}
}

func TestDeduperOutageFailsOpen(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	svc, _, dedup, _ := newTestService(store)
	dedup.addErr = errors.New("redis down")

	_, err := svc.CreateCard(context.Background(), "alice", CreateCardInput{
		ProjectID: "p1", ColumnID: "col-a", Title: "still works",
	}, Origin{EventID: "ev"})
	if err != nil {
		t.Fatalf("mutation must proceed when the deduper is down: %v", err)
	}
}

func TestClaimReleasedOnStorageFailure(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	store.insertCardErr = errors.New("table down")
	svc, pub, dedup, _ := newTestService(store)

	_, err := svc.CreateCard(context.Background(), "alice", CreateCardInput{
		ProjectID: "p1", ColumnID: "col-a", Title: "doomed",
	}, Origin{EventID: "ev-x"})
	if err == nil {
		t.Fatal("expected storage failure")
	}
	if len(dedup.marks) != 0 {
		t.Fatal("claim must be released after a failed write so a retry can apply")
	}
	if len(pub.envelopes) != 0 {
		t.Fatal("failed write must not broadcast")
	}

	store.insertCardErr = nil
	if _, err := svc.CreateCard(context.Background(), "alice", CreateCardInput{
		ProjectID: "p1", ColumnID: "col-a", Title: "doomed",
	}, Origin{EventID: "ev-x"}); err != nil {
		t.Fatalf("retry after failure must apply: %v", err)
	}
}

func TestDeleteCardBroadcasts(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	store.seedCard(domain.Card{ID: "c1", ProjectID: "p1", ColumnID: "col-a", Title: "t", Version: 1})
	svc, pub, _, _ := newTestService(store)

	if err := svc.DeleteCard(context.Background(), "alice", "c1", Origin{}); err != nil {
		t.Fatalf("delete card: %v", err)
	}
	if _, ok := store.cards["c1"]; ok {
		t.Fatal("card must be gone")
	}
	if len(pub.envelopes) != 1 || pub.envelopes[0].Type != domain.CardDeleted {
		t.Fatalf("expected card.deleted broadcast, got %+v", pub.envelopes)
	}
}

func TestCreateColumnAppendsOrder(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	svc, pub, _, _ := newTestService(store)

	col, err := svc.CreateColumn(context.Background(), "alice", "b1", "Done", nil, Origin{})
	if err != nil {
		t.Fatalf("create column: %v", err)
	}
	if col.Order != 2 {
		t.Fatalf("expected order 2 after existing columns, got %d", col.Order)
	}
	if len(pub.envelopes) != 1 || pub.envelopes[0].Type != domain.ColumnCreated {
		t.Fatalf("expected column.created broadcast, got %+v", pub.envelopes)
	}
}

func TestUpdateColumnRetriesLostWrite(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	store.columnConflicts = 1
	svc, pub, _, _ := newTestService(store)

	name := "Renamed"
	col, err := svc.UpdateColumn(context.Background(), "alice", "col-a", &name, nil, Origin{})
	if err != nil {
		t.Fatalf("update column should retry past one lost write: %v", err)
	}
	if col.Name != "Renamed" {
		t.Fatalf("rename not applied: %+v", col)
	}
	if len(pub.envelopes) != 1 || pub.envelopes[0].Type != domain.ColumnUpdated {
		t.Fatalf("expected column.updated broadcast, got %+v", pub.envelopes)
	}
}

func TestUpdateColumnNothingToUpdate(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	svc, _, _, _ := newTestService(store)

	_, err := svc.UpdateColumn(context.Background(), "alice", "col-a", nil, nil, Origin{})
	var bad domain.BadRequestError
	if !errors.As(err, &bad) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestDeleteColumnBroadcasts(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	svc, pub, _, _ := newTestService(store)

	if err := svc.DeleteColumn(context.Background(), "alice", "col-b", Origin{}); err != nil {
		t.Fatalf("delete column: %v", err)
	}
	if len(pub.envelopes) != 1 || pub.envelopes[0].Type != domain.ColumnDeleted {
		t.Fatalf("expected column.deleted broadcast, got %+v", pub.envelopes)
	}
}

func TestPostMessageBroadcastsAndPersists(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	svc, pub, _, audit := newTestService(store)

	msg, err := svc.PostMessage(context.Background(), "alice", "p1", "hello", Origin{SessionID: "s1"})
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	if msg.UserID != "alice" || msg.Content != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if len(store.messages) != 1 {
		t.Fatal("message must be persisted")
	}
	if len(pub.envelopes) != 1 || pub.envelopes[0].Type != domain.ChatMessageCreated {
		t.Fatalf("expected chat.message.created broadcast, got %+v", pub.envelopes)
	}
	var payload map[string]any
	if err := json.Unmarshal(pub.envelopes[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["userId"] != "alice" || payload["text"] != "hello" {
		t.Fatalf("unexpected chat payload: %v", payload)
	}
	if len(audit.records) != 1 {
		t.Fatalf("expected audit record for chat message, got %d", len(audit.records))
	}
}

func TestPostMessageRejectsOversized(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	svc, _, _, _ := newTestService(store)

	_, err := svc.PostMessage(context.Background(), "alice", "p1", strings.Repeat("x", domain.MaxMessageLen+1), Origin{})
	var bad domain.BadRequestError
	if !errors.As(err, &bad) {
		t.Fatalf("expected bad request for oversized message, got %v", err)
	}
}

func TestListMessagesClampsLimit(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	svc, _, _, _ := newTestService(store)

	if _, err := svc.ListMessages(context.Background(), "alice", "p1", time.Time{}, 0); err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if store.lastMessagesLimit != 50 {
		t.Fatalf("zero limit must default to 50, got %d", store.lastMessagesLimit)
	}
	if _, err := svc.ListMessages(context.Background(), "alice", "p1", time.Time{}, 500); err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if store.lastMessagesLimit != 100 {
		t.Fatalf("limit must be capped at 100, got %d", store.lastMessagesLimit)
	}
}

func TestTypingIsEphemeral(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	svc, pub, _, _ := newTestService(store)

	if err := svc.Typing(context.Background(), "alice", "p1", Origin{SessionID: "s1"}); err != nil {
		t.Fatalf("typing: %v", err)
	}
	if len(pub.envelopes) != 1 || pub.envelopes[0].Type != domain.ChatTyping {
		t.Fatalf("expected chat.typing broadcast, got %+v", pub.envelopes)
	}
	if len(store.evicted) != 0 {
		t.Fatal("typing must not touch the snapshot cache")
	}
	if len(store.messages) != 0 {
		t.Fatal("typing must not persist anything")
	}
}

func TestBoardSnapshotRequiresMembership(t *testing.T) {
	store := newFakeStore()
	seedBasicProject(store)
	store.seedCard(domain.Card{ID: "c1", ProjectID: "p1", ColumnID: "col-a", Title: "t", Version: 1})
	svc, _, _, _ := newTestService(store)

	snap, err := svc.BoardSnapshot(context.Background(), "alice", "p1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.BoardID != "b1" || len(snap.Columns) != 2 || len(snap.Cards) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if _, err := svc.BoardSnapshot(context.Background(), "mallory", "p1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("non-member snapshot must be masked as not found, got %v", err)
	}
}
