package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"boardsync-api/domain"
)

type projectEntity struct {
	entityKeys
	Name      string `json:"Name"`
	OwnerID   string `json:"OwnerID"`
	CreatedAt string `json:"CreatedAt"`
}

type memberEntity struct {
	entityKeys
	Role string `json:"Role"`
}

type boardEntity struct {
	entityKeys
	ProjectID string `json:"ProjectID"`
	CreatedAt string `json:"CreatedAt"`
}

// GetProject retrieves a project by id.
func (s *Storage) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	resp, err := s.projectTable.GetEntity(ctx, projectID, projectID, nil)
	if err != nil {
		return domain.Project{}, mapReadError(err)
	}
	var ent projectEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Project{}, err
	}
	p := domain.Project{ID: ent.RowKey, Name: ent.Name, OwnerID: ent.OwnerID}
	if ent.CreatedAt != "" {
		if t, perr := time.Parse(time.RFC3339Nano, ent.CreatedAt); perr == nil {
			p.CreatedAt = t
		}
	}
	return p, nil
}

// GetMember retrieves a membership row, ErrNotFound when the user is not a
// member of the project.
func (s *Storage) GetMember(ctx context.Context, projectID, userID string) (domain.Member, error) {
	resp, err := s.memberTable.GetEntity(ctx, projectID, userID, nil)
	if err != nil {
		return domain.Member{}, mapReadError(err)
	}
	var ent memberEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Member{}, err
	}
	return domain.Member{ProjectID: ent.PartitionKey, UserID: ent.RowKey, Role: ent.Role}, nil
}

func decodeBoard(data []byte) (domain.Board, error) {
	var ent boardEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Board{}, err
	}
	b := domain.Board{ID: ent.RowKey, ProjectID: ent.ProjectID}
	if ent.CreatedAt != "" {
		if t, perr := time.Parse(time.RFC3339Nano, ent.CreatedAt); perr == nil {
			b.CreatedAt = t
		}
	}
	return b, nil
}

// GetBoard retrieves the single board of a project.
func (s *Storage) GetBoard(ctx context.Context, projectID string) (domain.Board, error) {
	filter := fmt.Sprintf("ProjectID eq '%s'", projectID)
	pager := s.boardTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.Board{}, err
		}
		for _, e := range resp.Entities {
			return decodeBoard(e)
		}
	}
	return domain.Board{}, ErrNotFound
}

// GetBoardByID retrieves a board by its own id.
func (s *Storage) GetBoardByID(ctx context.Context, boardID string) (domain.Board, error) {
	resp, err := s.boardTable.GetEntity(ctx, boardID, boardID, nil)
	if err != nil {
		return domain.Board{}, mapReadError(err)
	}
	return decodeBoard(resp.Value)
}

// FetchBoardSnapshot assembles the full board read for a project.
func (s *Storage) FetchBoardSnapshot(ctx context.Context, projectID string) (domain.BoardSnapshot, error) {
	board, err := s.GetBoard(ctx, projectID)
	if err != nil {
		return domain.BoardSnapshot{}, err
	}
	cols, err := s.ListColumnsByBoard(ctx, board.ID)
	if err != nil {
		return domain.BoardSnapshot{}, err
	}
	cards, err := s.ListCardsByProject(ctx, projectID)
	if err != nil {
		return domain.BoardSnapshot{}, err
	}
	return domain.BoardSnapshot{BoardID: board.ID, Columns: cols, Cards: cards}, nil
}
