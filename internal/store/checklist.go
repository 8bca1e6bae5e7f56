package store

import (
	"context"
	"database/sql"
	"fmt"
)

const checklistFields = `id, card_id, body, completed, position, updated_at`

func scanChecklistItem(row rowScanner) (ChecklistItem, error) {
	var item ChecklistItem
	err := row.Scan(&item.ID, &item.CardID, &item.Text, &item.Completed, &item.Order, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) ListChecklistItems(ctx context.Context, cardID string) ([]ChecklistItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+checklistFields+` FROM checklist_items WHERE card_id=$1 ORDER BY position
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list checklist items: %w", err)
	}
	defer rows.Close()

	items := []ChecklistItem{}
	for rows.Next() {
		item, err := scanChecklistItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checklist item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// refreshChecklistSummary recomputes the card's cached progress counters
// from the live item rows, in the same transaction as the item change.
func refreshChecklistSummary(ctx context.Context, tx *sql.Tx, cardID string) (ChecklistSummary, error) {
	var summary ChecklistSummary
	err := tx.QueryRowContext(ctx, `
		UPDATE cards SET
			checklist_total     = agg.total,
			checklist_completed = agg.completed,
			checklist_percent   = CASE WHEN agg.total = 0 THEN 0
			                      ELSE ROUND(agg.completed * 100.0 / agg.total)::int END,
			updated_at          = NOW()
		FROM (
			SELECT COUNT(*) AS total,
			       COUNT(*) FILTER (WHERE completed) AS completed
			FROM checklist_items WHERE card_id=$1
		) AS agg
		WHERE cards.id=$1
		RETURNING cards.checklist_total, cards.checklist_completed, cards.checklist_percent
	`, cardID).Scan(&summary.Total, &summary.Completed, &summary.Percent)
	if err != nil {
		return ChecklistSummary{}, fmt.Errorf("refresh checklist summary: %w", err)
	}
	return summary, nil
}

// CreateChecklistItem appends an item to a card's checklist and refreshes
// the card's progress counters.
func (s *PostgresStore) CreateChecklistItem(ctx context.Context, item ChecklistItem) (ChecklistItem, ChecklistSummary, error) {
	var summary ChecklistSummary
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		created, err := scanChecklistItem(tx.QueryRowContext(ctx, `
			INSERT INTO checklist_items (id, card_id, body, position)
			VALUES ($1, $2, $3,
				(SELECT COALESCE(MAX(position)+1, 0) FROM checklist_items WHERE card_id=$2))
			RETURNING `+checklistFields+`
		`, item.ID, item.CardID, item.Text))
		if err != nil {
			if isForeignKeyViolation(err) {
				return ErrScopeNotFound
			}
			return fmt.Errorf("insert checklist item: %w", err)
		}
		item = created
		summary, err = refreshChecklistSummary(ctx, tx, item.CardID)
		return err
	})
	if err != nil {
		return ChecklistItem{}, ChecklistSummary{}, err
	}
	return item, summary, nil
}

type ChecklistItemPatch struct {
	Text      *string
	Completed *bool
}

// UpdateChecklistItem edits an item's text or toggles its completion, then
// refreshes the card's progress counters.
func (s *PostgresStore) UpdateChecklistItem(ctx context.Context, itemID string, patch ChecklistItemPatch) (ChecklistItem, ChecklistSummary, error) {
	var item ChecklistItem
	var summary ChecklistSummary
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		item, err = scanChecklistItem(tx.QueryRowContext(ctx, `
			UPDATE checklist_items SET
				body       = COALESCE($2, body),
				completed  = COALESCE($3, completed),
				updated_at = NOW()
			WHERE id=$1
			RETURNING `+checklistFields+`
		`, itemID, patch.Text, patch.Completed))
		if err != nil {
			return notFoundOf(err, ErrNotFound)
		}
		summary, err = refreshChecklistSummary(ctx, tx, item.CardID)
		return err
	})
	if err != nil {
		return ChecklistItem{}, ChecklistSummary{}, err
	}
	return item, summary, nil
}

// MoveChecklistItem repositions an item within its card's checklist. A
// reorder leaves the counters unchanged, but the summary is recomputed and
// returned anyway so every checklist mutation carries the card's state.
func (s *PostgresStore) MoveChecklistItem(ctx context.Context, itemID string, target int) (ChecklistItem, ChecklistSummary, error) {
	var moved ChecklistItem
	var summary ChecklistSummary
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var cardID string
		var old int
		err := tx.QueryRowContext(ctx, `
			SELECT card_id, position FROM checklist_items WHERE id=$1 FOR UPDATE
		`, itemID).Scan(&cardID, &old)
		if err != nil {
			return notFoundOf(err, ErrNotFound)
		}

		var max int
		if err := tx.QueryRowContext(ctx, `
			SELECT MAX(position) FROM checklist_items WHERE card_id=$1
		`, cardID).Scan(&max); err != nil {
			return fmt.Errorf("max checklist position: %w", err)
		}
		if target > max {
			target = max
		}
		if target < 0 {
			target = 0
		}

		switch {
		case target > old:
			_, err = tx.ExecContext(ctx, `
				UPDATE checklist_items SET position=position-1, updated_at=NOW()
				WHERE card_id=$1 AND position > $2 AND position <= $3
			`, cardID, old, target)
		case target < old:
			_, err = tx.ExecContext(ctx, `
				UPDATE checklist_items SET position=position+1, updated_at=NOW()
				WHERE card_id=$1 AND position >= $3 AND position < $2
			`, cardID, old, target)
		}
		if err != nil {
			return fmt.Errorf("shift checklist items: %w", err)
		}

		moved, err = scanChecklistItem(tx.QueryRowContext(ctx, `
			UPDATE checklist_items SET position=$2, updated_at=NOW()
			WHERE id=$1
			RETURNING `+checklistFields+`
		`, itemID, target))
		if err != nil {
			return fmt.Errorf("set checklist position: %w", err)
		}
		summary, err = refreshChecklistSummary(ctx, tx, moved.CardID)
		return err
	})
	if err != nil {
		return ChecklistItem{}, ChecklistSummary{}, err
	}
	return moved, summary, nil
}

// DeleteChecklistItem removes an item, compacts its siblings and refreshes
// the card's progress counters.
func (s *PostgresStore) DeleteChecklistItem(ctx context.Context, itemID string) (ChecklistItem, ChecklistSummary, error) {
	var deleted ChecklistItem
	var summary ChecklistSummary
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		deleted, err = scanChecklistItem(tx.QueryRowContext(ctx, `
			DELETE FROM checklist_items WHERE id=$1
			RETURNING `+checklistFields+`
		`, itemID))
		if err != nil {
			return notFoundOf(err, ErrNotFound)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE checklist_items SET position=position-1, updated_at=NOW()
			WHERE card_id=$1 AND position > $2
		`, deleted.CardID, deleted.Order)
		if err != nil {
			return fmt.Errorf("compact checklist items: %w", err)
		}
		summary, err = refreshChecklistSummary(ctx, tx, deleted.CardID)
		return err
	})
	if err != nil {
		return ChecklistItem{}, ChecklistSummary{}, err
	}
	return deleted, summary, nil
}
