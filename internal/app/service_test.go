package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"corkboard/api/internal/config"
	"corkboard/api/internal/realtime"
	"corkboard/api/internal/store"
)

type fakeStore struct {
	resolveRoleFn          func(context.Context, string, string) (string, error)
	getBoardFn             func(context.Context, string) (store.Board, error)
	boardIDForColumnFn     func(context.Context, string) (string, error)
	resolveChecklistItemFn func(context.Context, string) (string, string, error)
	listColumnsFn          func(context.Context, string) ([]store.Column, error)
	createColumnFn         func(context.Context, store.Column) (store.Column, error)
	updateColumnTitleFn    func(context.Context, string, string) (store.Column, error)
	moveColumnFn           func(context.Context, string, int) (store.Column, error)
	deleteColumnFn         func(context.Context, string) (store.Column, error)
	reindexColumnsFn       func(context.Context, string) error
	listCardsFn            func(context.Context, string) ([]store.Card, error)
	getCardFn              func(context.Context, string) (store.Card, error)
	createCardFn           func(context.Context, store.Card) (store.Card, error)
	updateCardFn           func(context.Context, string, store.CardPatch) (store.Card, error)
	moveCardFn             func(context.Context, string, string, int) (store.Card, error)
	deleteCardFn           func(context.Context, string) (store.Card, error)
	reindexBoardCardsFn    func(context.Context, string) error
	listChecklistFn        func(context.Context, string) ([]store.ChecklistItem, error)
	createChecklistFn      func(context.Context, store.ChecklistItem) (store.ChecklistItem, store.ChecklistSummary, error)
	updateChecklistFn      func(context.Context, string, store.ChecklistItemPatch) (store.ChecklistItem, store.ChecklistSummary, error)
	moveChecklistFn        func(context.Context, string, int) (store.ChecklistItem, store.ChecklistSummary, error)
	deleteChecklistFn      func(context.Context, string) (store.ChecklistItem, store.ChecklistSummary, error)
	reindexChecklistFn     func(context.Context, string) error
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) GetBoard(ctx context.Context, boardID string) (store.Board, error) {
	if f.getBoardFn != nil {
		return f.getBoardFn(ctx, boardID)
	}
	return store.Board{ID: boardID, Title: "Board"}, nil
}

func (f *fakeStore) ResolveRole(ctx context.Context, userID, boardID string) (string, error) {
	if f.resolveRoleFn != nil {
		return f.resolveRoleFn(ctx, userID, boardID)
	}
	return "owner", nil
}

func (f *fakeStore) BoardIDForColumn(ctx context.Context, columnID string) (string, error) {
	if f.boardIDForColumnFn != nil {
		return f.boardIDForColumnFn(ctx, columnID)
	}
	return "board_1", nil
}

func (f *fakeStore) ResolveChecklistItem(ctx context.Context, itemID string) (string, string, error) {
	if f.resolveChecklistItemFn != nil {
		return f.resolveChecklistItemFn(ctx, itemID)
	}
	return "card_1", "board_1", nil
}

func (f *fakeStore) ListColumns(ctx context.Context, boardID string) ([]store.Column, error) {
	if f.listColumnsFn != nil {
		return f.listColumnsFn(ctx, boardID)
	}
	return nil, nil
}

func (f *fakeStore) CreateColumn(ctx context.Context, col store.Column) (store.Column, error) {
	if f.createColumnFn != nil {
		return f.createColumnFn(ctx, col)
	}
	return col, nil
}

func (f *fakeStore) UpdateColumnTitle(ctx context.Context, columnID, title string) (store.Column, error) {
	if f.updateColumnTitleFn != nil {
		return f.updateColumnTitleFn(ctx, columnID, title)
	}
	return store.Column{ID: columnID, BoardID: "board_1", Title: title}, nil
}

func (f *fakeStore) MoveColumn(ctx context.Context, columnID string, target int) (store.Column, error) {
	if f.moveColumnFn != nil {
		return f.moveColumnFn(ctx, columnID, target)
	}
	return store.Column{ID: columnID, BoardID: "board_1", Order: target}, nil
}

func (f *fakeStore) DeleteColumn(ctx context.Context, columnID string) (store.Column, error) {
	if f.deleteColumnFn != nil {
		return f.deleteColumnFn(ctx, columnID)
	}
	return store.Column{ID: columnID, BoardID: "board_1"}, nil
}

func (f *fakeStore) ReindexColumns(ctx context.Context, boardID string) error {
	if f.reindexColumnsFn != nil {
		return f.reindexColumnsFn(ctx, boardID)
	}
	return nil
}

func (f *fakeStore) ListCards(ctx context.Context, boardID string) ([]store.Card, error) {
	if f.listCardsFn != nil {
		return f.listCardsFn(ctx, boardID)
	}
	return nil, nil
}

func (f *fakeStore) GetCard(ctx context.Context, cardID string) (store.Card, error) {
	if f.getCardFn != nil {
		return f.getCardFn(ctx, cardID)
	}
	return store.Card{ID: cardID, BoardID: "board_1", ColumnID: "col_1"}, nil
}

func (f *fakeStore) CreateCard(ctx context.Context, card store.Card) (store.Card, error) {
	if f.createCardFn != nil {
		return f.createCardFn(ctx, card)
	}
	card.BoardID = "board_1"
	return card, nil
}

func (f *fakeStore) UpdateCard(ctx context.Context, cardID string, patch store.CardPatch) (store.Card, error) {
	if f.updateCardFn != nil {
		return f.updateCardFn(ctx, cardID, patch)
	}
	return store.Card{ID: cardID, BoardID: "board_1"}, nil
}

func (f *fakeStore) MoveCard(ctx context.Context, cardID, destColumnID string, target int) (store.Card, error) {
	if f.moveCardFn != nil {
		return f.moveCardFn(ctx, cardID, destColumnID, target)
	}
	col := destColumnID
	if col == "" {
		col = "col_1"
	}
	return store.Card{ID: cardID, BoardID: "board_1", ColumnID: col, Order: target}, nil
}

func (f *fakeStore) DeleteCard(ctx context.Context, cardID string) (store.Card, error) {
	if f.deleteCardFn != nil {
		return f.deleteCardFn(ctx, cardID)
	}
	return store.Card{ID: cardID, BoardID: "board_1", ColumnID: "col_1"}, nil
}

func (f *fakeStore) ReindexBoardCards(ctx context.Context, boardID string) error {
	if f.reindexBoardCardsFn != nil {
		return f.reindexBoardCardsFn(ctx, boardID)
	}
	return nil
}

func (f *fakeStore) ListChecklistItems(ctx context.Context, cardID string) ([]store.ChecklistItem, error) {
	if f.listChecklistFn != nil {
		return f.listChecklistFn(ctx, cardID)
	}
	return nil, nil
}

func (f *fakeStore) CreateChecklistItem(ctx context.Context, item store.ChecklistItem) (store.ChecklistItem, store.ChecklistSummary, error) {
	if f.createChecklistFn != nil {
		return f.createChecklistFn(ctx, item)
	}
	return item, store.ChecklistSummary{Total: 1}, nil
}

func (f *fakeStore) UpdateChecklistItem(ctx context.Context, itemID string, patch store.ChecklistItemPatch) (store.ChecklistItem, store.ChecklistSummary, error) {
	if f.updateChecklistFn != nil {
		return f.updateChecklistFn(ctx, itemID, patch)
	}
	return store.ChecklistItem{ID: itemID, CardID: "card_1"}, store.ChecklistSummary{}, nil
}

func (f *fakeStore) MoveChecklistItem(ctx context.Context, itemID string, target int) (store.ChecklistItem, store.ChecklistSummary, error) {
	if f.moveChecklistFn != nil {
		return f.moveChecklistFn(ctx, itemID, target)
	}
	return store.ChecklistItem{ID: itemID, CardID: "card_1", Order: target}, store.ChecklistSummary{}, nil
}

func (f *fakeStore) DeleteChecklistItem(ctx context.Context, itemID string) (store.ChecklistItem, store.ChecklistSummary, error) {
	if f.deleteChecklistFn != nil {
		return f.deleteChecklistFn(ctx, itemID)
	}
	return store.ChecklistItem{ID: itemID, CardID: "card_1"}, store.ChecklistSummary{}, nil
}

func (f *fakeStore) ReindexChecklistItems(ctx context.Context, cardID string) error {
	if f.reindexChecklistFn != nil {
		return f.reindexChecklistFn(ctx, cardID)
	}
	return nil
}

type fakeHub struct {
	mu     sync.Mutex
	events []realtime.Event
	excl   []string
}

func (h *fakeHub) Broadcast(ev realtime.Event, excludeConnID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	h.excl = append(h.excl, excludeConnID)
}

func (h *fakeHub) last(t *testing.T) (realtime.Event, string) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) == 0 {
		t.Fatal("no event broadcast")
	}
	return h.events[len(h.events)-1], h.excl[len(h.excl)-1]
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:     "test-secret",
		TxTimeout:     5 * time.Second,
		RetryAttempts: 3,
		RetryMinWait:  time.Millisecond,
		RetryMaxWait:  2 * time.Millisecond,
	}
}

func newTestService(fs *fakeStore, hub *fakeHub) *Service {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(testConfig(), fs, hub, log)
}

func editorSession() Session {
	return Session{UserID: "user_1", UserName: "Pat", ConnID: "conn_abc"}
}

func domainStatus(t *testing.T, err error) (int, string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Status, domainErr.Code
}

func TestMoveCardBroadcastsWithScopesAndExclusion(t *testing.T) {
	fs := &fakeStore{
		getCardFn: func(_ context.Context, cardID string) (store.Card, error) {
			return store.Card{ID: cardID, BoardID: "board_1", ColumnID: "col_a", Order: 2}, nil
		},
	}
	hub := &fakeHub{}
	svc := newTestService(fs, hub)

	moved, err := svc.MoveCard(context.Background(), editorSession(), "card_1", "col_b", 1)
	if err != nil {
		t.Fatalf("MoveCard: %v", err)
	}
	if moved.ColumnID != "col_b" || moved.Order != 1 {
		t.Fatalf("unexpected result: %+v", moved)
	}

	ev, excluded := hub.last(t)
	if ev.Kind != realtime.KindCard || ev.Change != realtime.ChangeMoved {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.SourceID != "col_a" || ev.DestID != "col_b" {
		t.Fatalf("expected source col_a dest col_b, got %q %q", ev.SourceID, ev.DestID)
	}
	if ev.ActorID != "user_1" {
		t.Fatalf("expected actor user_1, got %q", ev.ActorID)
	}
	if excluded != "conn_abc" {
		t.Fatalf("expected exclusion of conn_abc, got %q", excluded)
	}
}

func TestMoveCardRetriesSerializationFailures(t *testing.T) {
	attempts := 0
	fs := &fakeStore{
		moveCardFn: func(_ context.Context, cardID, dest string, target int) (store.Card, error) {
			attempts++
			if attempts < 3 {
				return store.Card{}, &pgconn.PgError{Code: "40001"}
			}
			return store.Card{ID: cardID, BoardID: "board_1", ColumnID: "col_1", Order: target}, nil
		},
	}
	svc := newTestService(fs, &fakeHub{})

	if _, err := svc.MoveCard(context.Background(), editorSession(), "card_1", "", 4); err != nil {
		t.Fatalf("MoveCard: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestMoveCardExhaustionIsConflict(t *testing.T) {
	fs := &fakeStore{
		moveCardFn: func(context.Context, string, string, int) (store.Card, error) {
			return store.Card{}, &pgconn.PgError{Code: "40001"}
		},
	}
	svc := newTestService(fs, &fakeHub{})

	_, err := svc.MoveCard(context.Background(), editorSession(), "card_1", "", 0)
	status, code := domainStatus(t, err)
	if status != http.StatusConflict || code != "CONFLICT" {
		t.Fatalf("expected 409 CONFLICT, got %d %s", status, code)
	}
}

func TestMoveCardDuplicateTriggersRepairThenReplay(t *testing.T) {
	attempts := 0
	var reindexed []string
	fs := &fakeStore{
		moveCardFn: func(_ context.Context, cardID, dest string, target int) (store.Card, error) {
			attempts++
			if attempts == 1 {
				return store.Card{}, &pgconn.PgError{Code: "23505"}
			}
			return store.Card{ID: cardID, BoardID: "board_1", ColumnID: "col_1", Order: target}, nil
		},
		reindexBoardCardsFn: func(_ context.Context, boardID string) error {
			reindexed = append(reindexed, boardID)
			return nil
		},
	}
	svc := newTestService(fs, &fakeHub{})

	if _, err := svc.MoveCard(context.Background(), editorSession(), "card_1", "", 2); err != nil {
		t.Fatalf("MoveCard: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected replay after repair, got %d attempts", attempts)
	}
	if len(reindexed) != 1 || reindexed[0] != "board_1" {
		t.Fatalf("expected one board reindex, got %v", reindexed)
	}
}

func TestViewerCannotEdit(t *testing.T) {
	fs := &fakeStore{
		resolveRoleFn: func(context.Context, string, string) (string, error) {
			return "viewer", nil
		},
	}
	svc := newTestService(fs, &fakeHub{})

	_, err := svc.CreateColumn(context.Background(), editorSession(), "board_1", "Backlog")
	status, code := domainStatus(t, err)
	if status != http.StatusForbidden || code != "FORBIDDEN" {
		t.Fatalf("expected 403 FORBIDDEN, got %d %s", status, code)
	}

	if _, err := svc.ListColumns(context.Background(), editorSession(), "board_1"); err != nil {
		t.Fatalf("viewer should still read: %v", err)
	}
}

func TestEditorCannotRestructure(t *testing.T) {
	fs := &fakeStore{
		resolveRoleFn: func(context.Context, string, string) (string, error) {
			return "editor", nil
		},
	}
	svc := newTestService(fs, &fakeHub{})

	// Structural changes are the owner's; editors move and edit.
	_, err := svc.CreateColumn(context.Background(), editorSession(), "board_1", "Backlog")
	status, _ := domainStatus(t, err)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for editor create, got %d", status)
	}
	if err := svc.DeleteCard(context.Background(), editorSession(), "card_1"); err == nil {
		t.Fatal("expected 403 for editor delete")
	}
	if _, err := svc.MoveCard(context.Background(), editorSession(), "card_1", "", 1); err != nil {
		t.Fatalf("editor should move cards: %v", err)
	}
}

func TestNoMembershipIsForbidden(t *testing.T) {
	fs := &fakeStore{
		resolveRoleFn: func(context.Context, string, string) (string, error) {
			return "", store.ErrNoAccess
		},
	}
	svc := newTestService(fs, &fakeHub{})

	_, err := svc.ListCards(context.Background(), editorSession(), "board_1")
	status, _ := domainStatus(t, err)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", status)
	}
}

func TestCreateColumnValidatesTitle(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeHub{})

	for _, title := range []string{"", "   "} {
		_, err := svc.CreateColumn(context.Background(), editorSession(), "board_1", title)
		status, code := domainStatus(t, err)
		if status != http.StatusUnprocessableEntity || code != "VALIDATION_ERROR" {
			t.Fatalf("expected 422 VALIDATION_ERROR for %q, got %d %s", title, status, code)
		}
	}
}

func TestMoveCardVanishedTargetIsNotFound(t *testing.T) {
	fs := &fakeStore{
		moveCardFn: func(context.Context, string, string, int) (store.Card, error) {
			return store.Card{}, store.ErrScopeNotFound
		},
	}
	svc := newTestService(fs, &fakeHub{})

	_, err := svc.MoveCard(context.Background(), editorSession(), "card_1", "col_gone", 0)
	status, code := domainStatus(t, err)
	if status != http.StatusNotFound || code != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d %s", status, code)
	}
}

func TestDeletedCardIsNotFound(t *testing.T) {
	fs := &fakeStore{
		getCardFn: func(context.Context, string) (store.Card, error) {
			return store.Card{}, store.ErrNotFound
		},
	}
	svc := newTestService(fs, &fakeHub{})

	_, err := svc.MoveCard(context.Background(), editorSession(), "card_gone", "", 0)
	status, _ := domainStatus(t, err)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestChecklistUpdateBroadcastsSummary(t *testing.T) {
	completed := true
	fs := &fakeStore{
		updateChecklistFn: func(_ context.Context, itemID string, patch store.ChecklistItemPatch) (store.ChecklistItem, store.ChecklistSummary, error) {
			if patch.Completed == nil || !*patch.Completed {
				t.Fatal("expected completed=true patch")
			}
			return store.ChecklistItem{ID: itemID, CardID: "card_1", Completed: true},
				store.ChecklistSummary{Total: 4, Completed: 3, Percent: 75}, nil
		},
	}
	hub := &fakeHub{}
	svc := newTestService(fs, hub)

	result, err := svc.UpdateChecklistItem(context.Background(), editorSession(), "item_1", UpdateChecklistItemInput{Completed: &completed})
	if err != nil {
		t.Fatalf("UpdateChecklistItem: %v", err)
	}
	if result.Summary.Percent != 75 {
		t.Fatalf("unexpected summary: %+v", result.Summary)
	}

	ev, _ := hub.last(t)
	if ev.Kind != realtime.KindChecklistItem || ev.Summary == nil || ev.Summary.Percent != 75 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestMoveChecklistItemCarriesSummary(t *testing.T) {
	fs := &fakeStore{
		moveChecklistFn: func(_ context.Context, itemID string, target int) (store.ChecklistItem, store.ChecklistSummary, error) {
			return store.ChecklistItem{ID: itemID, CardID: "card_1", Order: target},
				store.ChecklistSummary{Total: 3, Completed: 2, Percent: 67}, nil
		},
	}
	hub := &fakeHub{}
	svc := newTestService(fs, hub)

	result, err := svc.MoveChecklistItem(context.Background(), editorSession(), "item_1", 1)
	if err != nil {
		t.Fatalf("MoveChecklistItem: %v", err)
	}
	if result.Item.Order != 1 || result.Summary.Percent != 67 {
		t.Fatalf("unexpected result: %+v", result)
	}

	ev, _ := hub.last(t)
	if ev.Change != realtime.ChangeMoved || ev.Summary == nil || ev.Summary.Percent != 67 {
		t.Fatalf("moved event should carry the summary: %+v", ev)
	}
}

func TestUpdateCardDoesNotBroadcastOnFailure(t *testing.T) {
	fs := &fakeStore{
		updateCardFn: func(context.Context, string, store.CardPatch) (store.Card, error) {
			return store.Card{}, store.ErrNotFound
		},
	}
	hub := &fakeHub{}
	svc := newTestService(fs, hub)

	if _, err := svc.UpdateCard(context.Background(), editorSession(), "card_1", UpdateCardInput{}); err == nil {
		t.Fatal("expected error")
	}
	if len(hub.events) != 0 {
		t.Fatalf("expected no broadcast, got %d", len(hub.events))
	}
}
