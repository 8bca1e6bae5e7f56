package store

import (
	"context"
	"database/sql"
	"fmt"
)

const columnFields = `id, board_id, title, position, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanColumn(row rowScanner) (Column, error) {
	var col Column
	err := row.Scan(&col.ID, &col.BoardID, &col.Title, &col.Order, &col.UpdatedAt)
	return col, err
}

func (s *PostgresStore) GetColumn(ctx context.Context, columnID string) (Column, error) {
	col, err := scanColumn(s.db.QueryRowContext(ctx, `
		SELECT `+columnFields+` FROM columns WHERE id=$1
	`, columnID))
	if err != nil {
		return Column{}, notFoundOf(err, ErrNotFound)
	}
	return col, nil
}

// ListColumns returns a board's columns in position order.
func (s *PostgresStore) ListColumns(ctx context.Context, boardID string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columnFields+` FROM columns WHERE board_id=$1 ORDER BY position
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	columns := []Column{}
	for rows.Next() {
		col, err := scanColumn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

// CreateColumn appends a column at the end of the board. The position is
// computed inside the insert so two concurrent appends serialize on the
// unique constraint rather than racing on a read-then-write.
func (s *PostgresStore) CreateColumn(ctx context.Context, col Column) (Column, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		created, err := scanColumn(tx.QueryRowContext(ctx, `
			INSERT INTO columns (id, board_id, title, position)
			VALUES ($1, $2, $3,
				(SELECT COALESCE(MAX(position)+1, 0) FROM columns WHERE board_id=$2))
			RETURNING `+columnFields+`
		`, col.ID, col.BoardID, col.Title))
		if err != nil {
			if isForeignKeyViolation(err) {
				return ErrScopeNotFound
			}
			return fmt.Errorf("insert column: %w", err)
		}
		col = created
		return nil
	})
	if err != nil {
		return Column{}, err
	}
	return col, nil
}

func (s *PostgresStore) UpdateColumnTitle(ctx context.Context, columnID, title string) (Column, error) {
	col, err := scanColumn(s.db.QueryRowContext(ctx, `
		UPDATE columns SET title=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+columnFields+`
	`, columnID, title))
	if err != nil {
		return Column{}, notFoundOf(err, ErrNotFound)
	}
	return col, nil
}

// MoveColumn repositions a column among its siblings. The target position is
// clamped to the scope bounds, then every sibling in the half-open range
// between the old and new slot shifts by one toward the vacated slot.
func (s *PostgresStore) MoveColumn(ctx context.Context, columnID string, target int) (Column, error) {
	var moved Column
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var boardID string
		var old int
		err := tx.QueryRowContext(ctx, `
			SELECT board_id, position FROM columns WHERE id=$1 FOR UPDATE
		`, columnID).Scan(&boardID, &old)
		if err != nil {
			return notFoundOf(err, ErrNotFound)
		}

		var max int
		if err := tx.QueryRowContext(ctx, `
			SELECT MAX(position) FROM columns WHERE board_id=$1
		`, boardID).Scan(&max); err != nil {
			return fmt.Errorf("max column position: %w", err)
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
				UPDATE columns SET position=position-1, updated_at=NOW()
				WHERE board_id=$1 AND position > $2 AND position <= $3
			`, boardID, old, target)
		case target < old:
			_, err = tx.ExecContext(ctx, `
				UPDATE columns SET position=position+1, updated_at=NOW()
				WHERE board_id=$1 AND position >= $3 AND position < $2
			`, boardID, old, target)
		}
		if err != nil {
			return fmt.Errorf("shift columns: %w", err)
		}

		moved, err = scanColumn(tx.QueryRowContext(ctx, `
			UPDATE columns SET position=$2, updated_at=NOW()
			WHERE id=$1
			RETURNING `+columnFields+`
		`, columnID, target))
		if err != nil {
			return fmt.Errorf("set column position: %w", err)
		}
		return nil
	})
	if err != nil {
		return Column{}, err
	}
	return moved, nil
}

// DeleteColumn removes a column, its cards cascade away, and the surviving
// siblings compact down so positions stay dense.
func (s *PostgresStore) DeleteColumn(ctx context.Context, columnID string) (Column, error) {
	var deleted Column
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		deleted, err = scanColumn(tx.QueryRowContext(ctx, `
			DELETE FROM columns WHERE id=$1
			RETURNING `+columnFields+`
		`, columnID))
		if err != nil {
			return notFoundOf(err, ErrNotFound)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE columns SET position=position-1, updated_at=NOW()
			WHERE board_id=$1 AND position > $2
		`, deleted.BoardID, deleted.Order)
		if err != nil {
			return fmt.Errorf("compact columns: %w", err)
		}
		return nil
	})
	if err != nil {
		return Column{}, err
	}
	return deleted, nil
}
