package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"boardsync-api/domain"
)

type columnEntity struct {
	entityKeys
	BoardID string `json:"BoardID"`
	Name    string `json:"Name"`
	Order   int    `json:"Order"`
}

func encodeColumn(c domain.Column) columnEntity {
	return columnEntity{
		entityKeys: entityKeys{PartitionKey: c.ID, RowKey: c.ID},
		BoardID:    c.BoardID,
		Name:       c.Name,
		Order:      c.Order,
	}
}

func decodeColumn(data []byte) (domain.Column, azcore.ETag, error) {
	var ent columnEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Column{}, "", err
	}
	return domain.Column{
		ID:      ent.RowKey,
		BoardID: ent.BoardID,
		Name:    ent.Name,
		Order:   ent.Order,
	}, azcore.ETag(ent.ETag), nil
}

// GetColumn retrieves a column and its current ETag.
func (s *Storage) GetColumn(ctx context.Context, columnID string) (domain.Column, azcore.ETag, error) {
	resp, err := s.columnTable.GetEntity(ctx, columnID, columnID, nil)
	if err != nil {
		return domain.Column{}, "", mapReadError(err)
	}
	return decodeColumn(resp.Value)
}

// InsertColumn persists a new column.
func (s *Storage) InsertColumn(ctx context.Context, col domain.Column) error {
	payload, err := json.Marshal(encodeColumn(col))
	if err != nil {
		return err
	}
	_, err = s.columnTable.AddEntity(ctx, payload, nil)
	return mapWriteError(err)
}

// UpdateColumnIfMatch replaces the stored column only when its ETag matches.
func (s *Storage) UpdateColumnIfMatch(ctx context.Context, col domain.Column, etag azcore.ETag) error {
	ent := encodeColumn(col)
	ent.ETag = ""
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.columnTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &etag,
		UpdateMode: aztables.UpdateModeReplace,
	})
	return mapWriteError(err)
}

// DeleteColumn removes a column unconditionally.
func (s *Storage) DeleteColumn(ctx context.Context, columnID string) error {
	et := azcore.ETagAny
	_, err := s.columnTable.DeleteEntity(ctx, columnID, columnID, &aztables.DeleteEntityOptions{IfMatch: &et})
	return mapWriteError(err)
}

// ListColumnsByBoard returns every column of a board.
func (s *Storage) ListColumnsByBoard(ctx context.Context, boardID string) ([]domain.Column, error) {
	filter := fmt.Sprintf("BoardID eq '%s'", boardID)
	pager := s.columnTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	cols := []domain.Column{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			col, _, err := decodeColumn(e)
			if err != nil {
				return nil, err
			}
			cols = append(cols, col)
		}
	}
	return cols, nil
}

// MaxColumnOrder returns the highest order value on a board and whether the
// board has any columns.
func (s *Storage) MaxColumnOrder(ctx context.Context, boardID string) (int, bool, error) {
	cols, err := s.ListColumnsByBoard(ctx, boardID)
	if err != nil {
		return 0, false, err
	}
	if len(cols) == 0 {
		return 0, false, nil
	}
	max := cols[0].Order
	for _, c := range cols[1:] {
		if c.Order > max {
			max = c.Order
		}
	}
	return max, true, nil
}
