package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Reindex functions rebuild a scope's dense 0..N-1 positions after a
// duplicate-position commit. Rows are renumbered in their current visual
// order, with updated_at and id as deterministic tie-breakers so every
// replica repairs to the same sequence.

func (s *PostgresStore) ReindexColumns(ctx context.Context, boardID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE columns SET position = ranked.new_position
			FROM (
				SELECT id, ROW_NUMBER() OVER (ORDER BY position, updated_at, id) - 1 AS new_position
				FROM columns WHERE board_id=$1
			) AS ranked
			WHERE columns.id = ranked.id AND columns.position <> ranked.new_position
		`, boardID)
		if err != nil {
			return fmt.Errorf("reindex columns: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ReindexCards(ctx context.Context, columnID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return reindexColumnCards(ctx, tx, columnID)
	})
}

// ReindexBoardCards repairs every column on a board in one transaction. A
// cross-column move touches two scopes, and at repair time there is no way
// to know which of the two committed the duplicate.
func (s *PostgresStore) ReindexBoardCards(ctx context.Context, boardID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE cards SET position = ranked.new_position
			FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY column_id ORDER BY position, updated_at, id
				) - 1 AS new_position
				FROM cards WHERE board_id=$1
			) AS ranked
			WHERE cards.id = ranked.id AND cards.position <> ranked.new_position
		`, boardID)
		if err != nil {
			return fmt.Errorf("reindex board cards: %w", err)
		}
		return nil
	})
}

func reindexColumnCards(ctx context.Context, tx *sql.Tx, columnID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE cards SET position = ranked.new_position
		FROM (
			SELECT id, ROW_NUMBER() OVER (ORDER BY position, updated_at, id) - 1 AS new_position
			FROM cards WHERE column_id=$1
		) AS ranked
		WHERE cards.id = ranked.id AND cards.position <> ranked.new_position
	`, columnID)
	if err != nil {
		return fmt.Errorf("reindex cards: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReindexChecklistItems(ctx context.Context, cardID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE checklist_items SET position = ranked.new_position
			FROM (
				SELECT id, ROW_NUMBER() OVER (ORDER BY position, updated_at, id) - 1 AS new_position
				FROM checklist_items WHERE card_id=$1
			) AS ranked
			WHERE checklist_items.id = ranked.id AND checklist_items.position <> ranked.new_position
		`, cardID)
		if err != nil {
			return fmt.Errorf("reindex checklist items: %w", err)
		}
		return nil
	})
}
