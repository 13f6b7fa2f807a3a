package board

import "context"

type positionStore interface {
	MaxCardPosition(ctx context.Context, columnID string) (int, bool, error)
	MaxColumnOrder(ctx context.Context, boardID string) (int, bool, error)
}

// nextCardPosition computes the insertion position for a new card in a
// column: one past the current maximum, or 0 for an empty column. The
// read-then-use sequence is a documented race under concurrent creates in
// the same column; positions only need relative order, not uniqueness.
func nextCardPosition(ctx context.Context, store positionStore, columnID string) (int, error) {
	max, any, err := store.MaxCardPosition(ctx, columnID)
	if err != nil {
		return 0, err
	}
	if !any {
		return 0, nil
	}
	return max + 1, nil
}

// nextColumnOrder computes the board-level order for a new column.
func nextColumnOrder(ctx context.Context, store positionStore, boardID string) (int, error) {
	max, any, err := store.MaxColumnOrder(ctx, boardID)
	if err != nil {
		return 0, err
	}
	if !any {
		return 0, nil
	}
	return max + 1, nil
}
