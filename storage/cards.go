package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"boardsync-api/domain"
)

// cardEntity is the table representation of a card. Cards are point-addressed
// by id (PartitionKey == RowKey == card id); project and column scoping goes
// through property filters.
type cardEntity struct {
	entityKeys
	ProjectID   string `json:"ProjectID"`
	ColumnID    string `json:"ColumnID"`
	Title       string `json:"Title"`
	Description string `json:"Description,omitempty"`
	Labels      string `json:"Labels,omitempty"`
	Assignees   string `json:"Assignees,omitempty"`
	Priority    string `json:"Priority,omitempty"`
	DueDate     string `json:"DueDate,omitempty"`
	Position    int    `json:"Position"`
	Version     int    `json:"Version"`
	CreatedAt   string `json:"CreatedAt"`
	UpdatedAt   string `json:"UpdatedAt"`
}

func encodeCard(c domain.Card) (cardEntity, error) {
	labels, err := json.Marshal(c.Labels)
	if err != nil {
		return cardEntity{}, err
	}
	assignees, err := json.Marshal(c.Assignees)
	if err != nil {
		return cardEntity{}, err
	}
	return cardEntity{
		entityKeys:  entityKeys{PartitionKey: c.ID, RowKey: c.ID},
		ProjectID:   c.ProjectID,
		ColumnID:    c.ColumnID,
		Title:       c.Title,
		Description: c.Description,
		Labels:      string(labels),
		Assignees:   string(assignees),
		Priority:    c.Priority,
		DueDate:     c.DueDate,
		Position:    c.Position,
		Version:     c.Version,
		CreatedAt:   c.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func decodeCard(data []byte) (domain.Card, azcore.ETag, error) {
	var ent cardEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Card{}, "", err
	}
	card := domain.Card{
		ID:          ent.RowKey,
		ProjectID:   ent.ProjectID,
		ColumnID:    ent.ColumnID,
		Title:       ent.Title,
		Description: ent.Description,
		Priority:    ent.Priority,
		DueDate:     ent.DueDate,
		Position:    ent.Position,
		Version:     ent.Version,
		Labels:      []string{},
		Assignees:   []string{},
	}
	if ent.Labels != "" {
		if err := json.Unmarshal([]byte(ent.Labels), &card.Labels); err != nil {
			return domain.Card{}, "", err
		}
	}
	if ent.Assignees != "" {
		if err := json.Unmarshal([]byte(ent.Assignees), &card.Assignees); err != nil {
			return domain.Card{}, "", err
		}
	}
	if ent.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, ent.CreatedAt)
		if err != nil {
			return domain.Card{}, "", err
		}
		card.CreatedAt = t
	}
	if ent.UpdatedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, ent.UpdatedAt)
		if err != nil {
			return domain.Card{}, "", err
		}
		card.UpdatedAt = t
	}
	return card, azcore.ETag(ent.ETag), nil
}

// GetCard retrieves a card and the ETag guarding its current revision.
func (s *Storage) GetCard(ctx context.Context, cardID string) (domain.Card, azcore.ETag, error) {
	resp, err := s.cardTable.GetEntity(ctx, cardID, cardID, nil)
	if err != nil {
		return domain.Card{}, "", mapReadError(err)
	}
	return decodeCard(resp.Value)
}

// InsertCard persists a new card. The card id must not already exist.
func (s *Storage) InsertCard(ctx context.Context, card domain.Card) error {
	ent, err := encodeCard(card)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.cardTable.AddEntity(ctx, payload, nil)
	return mapWriteError(err)
}

// UpdateCardIfMatch replaces the stored card only when its ETag still matches
// the revision the caller read. A concurrent writer surfaces as
// ErrConcurrencyConflict; the check and the write are a single conditional
// operation at the table service.
func (s *Storage) UpdateCardIfMatch(ctx context.Context, card domain.Card, etag azcore.ETag) error {
	ent, err := encodeCard(card)
	if err != nil {
		return err
	}
	ent.ETag = ""
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.cardTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &etag,
		UpdateMode: aztables.UpdateModeReplace,
	})
	return mapWriteError(err)
}

// DeleteCard removes a card unconditionally.
func (s *Storage) DeleteCard(ctx context.Context, cardID string) error {
	et := azcore.ETagAny
	_, err := s.cardTable.DeleteEntity(ctx, cardID, cardID, &aztables.DeleteEntityOptions{IfMatch: &et})
	return mapWriteError(err)
}

// ListCardsByProject returns every card belonging to a project.
func (s *Storage) ListCardsByProject(ctx context.Context, projectID string) ([]domain.Card, error) {
	filter := fmt.Sprintf("ProjectID eq '%s'", projectID)
	return s.listCards(ctx, filter)
}

// MaxCardPosition returns the highest position among the cards of a column
// and whether the column holds any cards at all.
func (s *Storage) MaxCardPosition(ctx context.Context, columnID string) (int, bool, error) {
	filter := fmt.Sprintf("ColumnID eq '%s'", columnID)
	cards, err := s.listCards(ctx, filter)
	if err != nil {
		return 0, false, err
	}
	if len(cards) == 0 {
		return 0, false, nil
	}
	max := cards[0].Position
	for _, c := range cards[1:] {
		if c.Position > max {
			max = c.Position
		}
	}
	return max, true, nil
}

func (s *Storage) listCards(ctx context.Context, filter string) ([]domain.Card, error) {
	pager := s.cardTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	cards := []domain.Card{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			card, _, err := decodeCard(e)
			if err != nil {
				return nil, err
			}
			cards = append(cards, card)
		}
	}
	return cards, nil
}
