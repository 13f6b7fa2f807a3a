package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"boardsync-api/domain"
)

type messageEntity struct {
	entityKeys
	MessageID   string `json:"MessageID"`
	UserID      string `json:"UserID"`
	Content     string `json:"Content"`
	DisplayName string `json:"DisplayName,omitempty"`
	CreatedAt   string `json:"CreatedAt"`
}

// messageRowKey inverts the timestamp so the table's ascending row-key order
// yields newest messages first. The message id breaks ties between messages
// created in the same nanosecond.
func messageRowKey(at time.Time, id string) string {
	return fmt.Sprintf("%019d-%s", math.MaxInt64-at.UTC().UnixNano(), id)
}

// InsertMessage persists a chat message.
func (s *Storage) InsertMessage(ctx context.Context, msg domain.Message) error {
	ent := messageEntity{
		entityKeys:  entityKeys{PartitionKey: msg.ProjectID, RowKey: messageRowKey(msg.CreatedAt, msg.ID)},
		MessageID:   msg.ID,
		UserID:      msg.UserID,
		Content:     msg.Content,
		DisplayName: msg.DisplayName,
		CreatedAt:   msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.messageTable.AddEntity(ctx, payload, nil)
	return mapWriteError(err)
}

// ListMessages returns up to limit messages of a project older than before
// (zero value means "from the newest"), in chronological order.
func (s *Storage) ListMessages(ctx context.Context, projectID string, before time.Time, limit int) ([]domain.Message, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", projectID)
	if !before.IsZero() {
		// Row keys are inverted timestamps, so "older than" means "greater than".
		filter += fmt.Sprintf(" and RowKey gt '%019d.'", math.MaxInt64-before.UTC().UnixNano())
	}
	top := int32(limit)
	pager := s.messageTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})
	msgs := []domain.Message{}
	for pager.More() && len(msgs) < limit {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			if len(msgs) == limit {
				break
			}
			var ent messageEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			msg := domain.Message{
				ID:          ent.MessageID,
				ProjectID:   ent.PartitionKey,
				UserID:      ent.UserID,
				Content:     ent.Content,
				DisplayName: ent.DisplayName,
			}
			if ent.CreatedAt != "" {
				if t, perr := time.Parse(time.RFC3339Nano, ent.CreatedAt); perr == nil {
					msg.CreatedAt = t
				}
			}
			msgs = append(msgs, msg)
		}
	}
	// Newest-first on the wire from the table; callers want chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
