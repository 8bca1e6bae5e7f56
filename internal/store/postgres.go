package store

import (
	"context"
	"database/sql"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// inTx runs fn inside a serializable transaction. Reorder operations depend
// on this isolation level: concurrent writers to the same scope surface as
// serialization failures (40001) instead of silently interleaving.
func (s *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateBoard(ctx context.Context, board Board) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO boards (id, title)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, board.ID, board.Title)
	if err != nil {
		return fmt.Errorf("insert board: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	var board Board
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at FROM boards WHERE id=$1
	`, boardID).Scan(&board.ID, &board.Title, &board.CreatedAt)
	if err != nil {
		return Board{}, notFoundOf(err, ErrNotFound)
	}
	return board, nil
}

// GrantAccess is the write surface of the external membership service; the
// engine itself only ever reads board_access.
func (s *PostgresStore) GrantAccess(ctx context.Context, userID, boardID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO board_access (user_id, board_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, board_id) DO UPDATE SET role=EXCLUDED.role
	`, userID, boardID, role)
	if err != nil {
		return fmt.Errorf("grant access: %w", err)
	}
	return nil
}

// ResolveRole returns the requester's role on a board, or ErrNoAccess when
// no membership row exists.
func (s *PostgresStore) ResolveRole(ctx context.Context, userID, boardID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM board_access WHERE user_id=$1 AND board_id=$2
	`, userID, boardID).Scan(&role)
	if err != nil {
		return "", notFoundOf(err, ErrNoAccess)
	}
	return role, nil
}

// Parent-scope lookups used when an operation is addressed by a child id.

func (s *PostgresStore) BoardIDForColumn(ctx context.Context, columnID string) (string, error) {
	var boardID string
	err := s.db.QueryRowContext(ctx, `SELECT board_id FROM columns WHERE id=$1`, columnID).Scan(&boardID)
	if err != nil {
		return "", notFoundOf(err, ErrNotFound)
	}
	return boardID, nil
}

func (s *PostgresStore) BoardIDForCard(ctx context.Context, cardID string) (string, error) {
	var boardID string
	err := s.db.QueryRowContext(ctx, `SELECT board_id FROM cards WHERE id=$1`, cardID).Scan(&boardID)
	if err != nil {
		return "", notFoundOf(err, ErrNotFound)
	}
	return boardID, nil
}

// ResolveChecklistItem locates the card and board an item belongs to.
func (s *PostgresStore) ResolveChecklistItem(ctx context.Context, itemID string) (cardID, boardID string, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT ci.card_id, c.board_id
		FROM checklist_items ci
		JOIN cards c ON c.id = ci.card_id
		WHERE ci.id=$1
	`, itemID).Scan(&cardID, &boardID)
	if err != nil {
		return "", "", notFoundOf(err, ErrNotFound)
	}
	return cardID, boardID, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
