package store

import (
	"context"
	"database/sql"
	"fmt"
)

const cardFields = `id, board_id, column_id, title, description, image_ref,
	position, checklist_total, checklist_completed, checklist_percent, updated_at`

func scanCard(row rowScanner) (Card, error) {
	var card Card
	err := row.Scan(
		&card.ID, &card.BoardID, &card.ColumnID, &card.Title, &card.Description,
		&card.ImageRef, &card.Order,
		&card.Checklist.Total, &card.Checklist.Completed, &card.Checklist.Percent,
		&card.UpdatedAt,
	)
	return card, err
}

func (s *PostgresStore) GetCard(ctx context.Context, cardID string) (Card, error) {
	card, err := scanCard(s.db.QueryRowContext(ctx, `
		SELECT `+cardFields+` FROM cards WHERE id=$1
	`, cardID))
	if err != nil {
		return Card{}, notFoundOf(err, ErrNotFound)
	}
	return card, nil
}

// ListCards returns every card on a board, grouped by column and ordered by
// position within each column.
func (s *PostgresStore) ListCards(ctx context.Context, boardID string) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cardFields+` FROM cards
		WHERE board_id=$1
		ORDER BY column_id, position
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	cards := []Card{}
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

func (s *PostgresStore) ListColumnCards(ctx context.Context, columnID string) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cardFields+` FROM cards WHERE column_id=$1 ORDER BY position
	`, columnID)
	if err != nil {
		return nil, fmt.Errorf("list column cards: %w", err)
	}
	defer rows.Close()

	cards := []Card{}
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

// CreateCard appends a card at the end of its column.
func (s *PostgresStore) CreateCard(ctx context.Context, card Card) (Card, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var boardID string
		if err := tx.QueryRowContext(ctx, `
			SELECT board_id FROM columns WHERE id=$1
		`, card.ColumnID).Scan(&boardID); err != nil {
			return notFoundOf(err, ErrScopeNotFound)
		}

		created, err := scanCard(tx.QueryRowContext(ctx, `
			INSERT INTO cards (id, board_id, column_id, title, description, image_ref, position)
			VALUES ($1, $2, $3, $4, $5, $6,
				(SELECT COALESCE(MAX(position)+1, 0) FROM cards WHERE column_id=$3))
			RETURNING `+cardFields+`
		`, card.ID, boardID, card.ColumnID, card.Title, card.Description, card.ImageRef))
		if err != nil {
			return fmt.Errorf("insert card: %w", err)
		}
		card = created
		return nil
	})
	if err != nil {
		return Card{}, err
	}
	return card, nil
}

type CardPatch struct {
	Title       *string
	Description *string
	ImageRef    *string
}

// UpdateCard edits card content. Position and checklist counters are owned
// by the move and checklist paths and are never touched here.
func (s *PostgresStore) UpdateCard(ctx context.Context, cardID string, patch CardPatch) (Card, error) {
	card, err := scanCard(s.db.QueryRowContext(ctx, `
		UPDATE cards SET
			title       = COALESCE($2, title),
			description = COALESCE($3, description),
			image_ref   = COALESCE($4, image_ref),
			updated_at  = NOW()
		WHERE id=$1
		RETURNING `+cardFields+`
	`, cardID, patch.Title, patch.Description, patch.ImageRef))
	if err != nil {
		return Card{}, notFoundOf(err, ErrNotFound)
	}
	return card, nil
}

// MoveCard repositions a card. When destColumnID matches the card's current
// column (or is empty) this is a within-column reorder; otherwise the card
// leaves its source column, the source compacts, and the destination opens a
// slot at the clamped target position.
func (s *PostgresStore) MoveCard(ctx context.Context, cardID, destColumnID string, target int) (Card, error) {
	var moved Card
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var columnID string
		var old int
		err := tx.QueryRowContext(ctx, `
			SELECT column_id, position FROM cards WHERE id=$1 FOR UPDATE
		`, cardID).Scan(&columnID, &old)
		if err != nil {
			return notFoundOf(err, ErrNotFound)
		}

		if destColumnID == "" || destColumnID == columnID {
			moved, err = moveCardWithin(ctx, tx, cardID, columnID, old, target)
		} else {
			moved, err = moveCardAcross(ctx, tx, cardID, columnID, destColumnID, old, target)
		}
		return err
	})
	if err != nil {
		return Card{}, err
	}
	return moved, nil
}

func moveCardWithin(ctx context.Context, tx *sql.Tx, cardID, columnID string, old, target int) (Card, error) {
	var max int
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(position) FROM cards WHERE column_id=$1
	`, columnID).Scan(&max); err != nil {
		return Card{}, fmt.Errorf("max card position: %w", err)
	}
	if target > max {
		target = max
	}
	if target < 0 {
		target = 0
	}

	var err error
	switch {
	case target > old:
		_, err = tx.ExecContext(ctx, `
			UPDATE cards SET position=position-1, updated_at=NOW()
			WHERE column_id=$1 AND position > $2 AND position <= $3
		`, columnID, old, target)
	case target < old:
		_, err = tx.ExecContext(ctx, `
			UPDATE cards SET position=position+1, updated_at=NOW()
			WHERE column_id=$1 AND position >= $3 AND position < $2
		`, columnID, old, target)
	}
	if err != nil {
		return Card{}, fmt.Errorf("shift cards: %w", err)
	}

	moved, err := scanCard(tx.QueryRowContext(ctx, `
		UPDATE cards SET position=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+cardFields+`
	`, cardID, target))
	if err != nil {
		return Card{}, fmt.Errorf("set card position: %w", err)
	}
	return moved, nil
}

func moveCardAcross(ctx context.Context, tx *sql.Tx, cardID, srcColumnID, destColumnID string, old, target int) (Card, error) {
	// The destination must exist and belong to the same board; a card never
	// crosses board boundaries.
	var srcBoard, destBoard string
	if err := tx.QueryRowContext(ctx, `
		SELECT board_id FROM columns WHERE id=$1
	`, srcColumnID).Scan(&srcBoard); err != nil {
		return Card{}, notFoundOf(err, ErrScopeNotFound)
	}
	err := tx.QueryRowContext(ctx, `
		SELECT board_id FROM columns WHERE id=$1 FOR UPDATE
	`, destColumnID).Scan(&destBoard)
	if err != nil {
		return Card{}, notFoundOf(err, ErrScopeNotFound)
	}
	if destBoard != srcBoard {
		return Card{}, ErrScopeNotFound
	}

	// Close the gap the card leaves behind.
	if _, err := tx.ExecContext(ctx, `
		UPDATE cards SET position=position-1, updated_at=NOW()
		WHERE column_id=$1 AND position > $2
	`, srcColumnID, old); err != nil {
		return Card{}, fmt.Errorf("compact source column: %w", err)
	}

	// Clamp to the destination size before insertion: an append lands at
	// position == count, anything beyond that is pulled back to it.
	var destCount int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cards WHERE column_id=$1
	`, destColumnID).Scan(&destCount); err != nil {
		return Card{}, fmt.Errorf("count destination cards: %w", err)
	}
	if target > destCount {
		target = destCount
	}
	if target < 0 {
		target = 0
	}

	// Open a slot at the target.
	if _, err := tx.ExecContext(ctx, `
		UPDATE cards SET position=position+1, updated_at=NOW()
		WHERE column_id=$1 AND position >= $2
	`, destColumnID, target); err != nil {
		return Card{}, fmt.Errorf("open destination slot: %w", err)
	}

	moved, err := scanCard(tx.QueryRowContext(ctx, `
		UPDATE cards SET column_id=$2, position=$3, updated_at=NOW()
		WHERE id=$1
		RETURNING `+cardFields+`
	`, cardID, destColumnID, target))
	if err != nil {
		return Card{}, fmt.Errorf("reassign card: %w", err)
	}
	return moved, nil
}

// DeleteCard removes a card (checklist items cascade) and compacts the
// surviving siblings in its column.
func (s *PostgresStore) DeleteCard(ctx context.Context, cardID string) (Card, error) {
	var deleted Card
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		deleted, err = scanCard(tx.QueryRowContext(ctx, `
			DELETE FROM cards WHERE id=$1
			RETURNING `+cardFields+`
		`, cardID))
		if err != nil {
			return notFoundOf(err, ErrNotFound)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE cards SET position=position-1, updated_at=NOW()
			WHERE column_id=$1 AND position > $2
		`, deleted.ColumnID, deleted.Order)
		if err != nil {
			return fmt.Errorf("compact cards: %w", err)
		}
		return nil
	})
	if err != nil {
		return Card{}, err
	}
	return deleted, nil
}
