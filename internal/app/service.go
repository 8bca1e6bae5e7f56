package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"corkboard/api/internal/auth"
	"corkboard/api/internal/config"
	"corkboard/api/internal/rbac"
	"corkboard/api/internal/realtime"
	"corkboard/api/internal/recovery"
	"corkboard/api/internal/store"
	"corkboard/api/internal/util"
)

const maxTitleLength = 512

// dataStore is the persistence surface the service needs. The production
// implementation is store.PostgresStore; tests substitute a fake.
type dataStore interface {
	Ping(ctx context.Context) error

	GetBoard(ctx context.Context, boardID string) (store.Board, error)
	ResolveRole(ctx context.Context, userID, boardID string) (string, error)

	BoardIDForColumn(ctx context.Context, columnID string) (string, error)
	ResolveChecklistItem(ctx context.Context, itemID string) (cardID, boardID string, err error)

	ListColumns(ctx context.Context, boardID string) ([]store.Column, error)
	CreateColumn(ctx context.Context, col store.Column) (store.Column, error)
	UpdateColumnTitle(ctx context.Context, columnID, title string) (store.Column, error)
	MoveColumn(ctx context.Context, columnID string, target int) (store.Column, error)
	DeleteColumn(ctx context.Context, columnID string) (store.Column, error)
	ReindexColumns(ctx context.Context, boardID string) error

	ListCards(ctx context.Context, boardID string) ([]store.Card, error)
	GetCard(ctx context.Context, cardID string) (store.Card, error)
	CreateCard(ctx context.Context, card store.Card) (store.Card, error)
	UpdateCard(ctx context.Context, cardID string, patch store.CardPatch) (store.Card, error)
	MoveCard(ctx context.Context, cardID, destColumnID string, target int) (store.Card, error)
	DeleteCard(ctx context.Context, cardID string) (store.Card, error)
	ReindexBoardCards(ctx context.Context, boardID string) error

	ListChecklistItems(ctx context.Context, cardID string) ([]store.ChecklistItem, error)
	CreateChecklistItem(ctx context.Context, item store.ChecklistItem) (store.ChecklistItem, store.ChecklistSummary, error)
	UpdateChecklistItem(ctx context.Context, itemID string, patch store.ChecklistItemPatch) (store.ChecklistItem, store.ChecklistSummary, error)
	MoveChecklistItem(ctx context.Context, itemID string, target int) (store.ChecklistItem, store.ChecklistSummary, error)
	DeleteChecklistItem(ctx context.Context, itemID string) (store.ChecklistItem, store.ChecklistSummary, error)
	ReindexChecklistItems(ctx context.Context, cardID string) error
}

// broadcaster decouples the service from the realtime hub.
type broadcaster interface {
	Broadcast(ev realtime.Event, excludeConnID string)
}

type Session struct {
	UserID   string
	UserName string
	// ConnID is the caller's realtime connection, used to suppress the
	// echo of their own mutations. Empty for clients without a live feed.
	ConnID string
}

type Service struct {
	cfg    config.Config
	store  dataStore
	hub    broadcaster
	log    *logrus.Logger
	policy recovery.Policy
}

func New(cfg config.Config, dataStore dataStore, hub broadcaster, log *logrus.Logger) *Service {
	return &Service{
		cfg:   cfg,
		store: dataStore,
		hub:   hub,
		log:   log,
		policy: recovery.Policy{
			MaxAttempts: cfg.RetryAttempts,
			MinBackoff:  cfg.RetryMinWait,
			MaxBackoff:  cfg.RetryMaxWait,
			Transient:   store.IsSerializationFailure,
			Corrupt:     store.IsUniqueViolation,
		},
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SessionFromToken authenticates a request's bearer token.
func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.UserID, UserName: claims.Name}, nil
}

// requireRole checks the session's board membership against the action.
// Missing membership reads as 403, not 404: a board's existence is not
// revealed to outsiders.
func (s *Service) requireRole(ctx context.Context, session Session, boardID string, action rbac.Action) error {
	role, err := s.store.ResolveRole(ctx, session.UserID, boardID)
	if err != nil {
		if errors.Is(err, store.ErrNoAccess) {
			return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		return err
	}
	if !rbac.Can(rbac.Normalize(role), action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

// reorder runs op under the conflict-recovery policy, with repair as the
// duplicate-position fallback, and maps the terminal errors onto the API
// taxonomy.
func (s *Service) reorder(ctx context.Context, op, repair func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()
	err := s.policy.Do(ctx, op, repair)
	if errors.Is(err, recovery.ErrConflict) {
		s.log.Warn("reorder gave up after retry and repair")
	}
	return mapStoreError(err)
}

func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, recovery.ErrConflict):
		return domainError(http.StatusConflict, "CONFLICT", "Concurrent changes kept interfering, try again", nil)
	case errors.Is(err, store.ErrScopeNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", "Target column no longer exists", nil)
	case errors.Is(err, store.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return err
}

func (s *Service) emit(ev realtime.Event, session Session) {
	ev.ActorID = session.UserID
	ev.Timestamp = time.Now().UTC()
	s.hub.Broadcast(ev, session.ConnID)
}

func validateText(field, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", field+" is required", nil)
	}
	if len(value) > maxTitleLength {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", field+" is too long", nil)
	}
	return nil
}

// BoardSnapshot is the full authoritative state of one board, served to
// clients on first load and on resync after a missed event.
type BoardSnapshot struct {
	Board   store.Board    `json:"board"`
	Columns []store.Column `json:"columns"`
	Cards   []store.Card   `json:"cards"`
}

func (s *Service) GetBoardSnapshot(ctx context.Context, session Session, boardID string) (BoardSnapshot, error) {
	if err := s.requireRole(ctx, session, boardID, rbac.ActionView); err != nil {
		return BoardSnapshot{}, err
	}
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return BoardSnapshot{}, mapStoreError(err)
	}
	columns, err := s.store.ListColumns(ctx, boardID)
	if err != nil {
		return BoardSnapshot{}, err
	}
	cards, err := s.store.ListCards(ctx, boardID)
	if err != nil {
		return BoardSnapshot{}, err
	}
	return BoardSnapshot{Board: board, Columns: columns, Cards: cards}, nil
}

// Columns

func (s *Service) ListColumns(ctx context.Context, session Session, boardID string) ([]store.Column, error) {
	if err := s.requireRole(ctx, session, boardID, rbac.ActionView); err != nil {
		return nil, err
	}
	return s.store.ListColumns(ctx, boardID)
}

func (s *Service) CreateColumn(ctx context.Context, session Session, boardID, title string) (store.Column, error) {
	if err := validateText("title", title); err != nil {
		return store.Column{}, err
	}
	if err := s.requireRole(ctx, session, boardID, rbac.ActionManage); err != nil {
		return store.Column{}, err
	}

	var created store.Column
	err := s.reorder(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.store.CreateColumn(ctx, store.Column{
			ID:      util.NewID("col"),
			BoardID: boardID,
			Title:   strings.TrimSpace(title),
		})
		return err
	}, func(ctx context.Context) error {
		return s.store.ReindexColumns(ctx, boardID)
	})
	if err != nil {
		return store.Column{}, err
	}

	s.emit(realtime.Event{
		BoardID: boardID,
		Kind:    realtime.KindColumn,
		Change:  realtime.ChangeCreated,
		Column:  &created,
	}, session)
	return created, nil
}

func (s *Service) RenameColumn(ctx context.Context, session Session, columnID, title string) (store.Column, error) {
	if err := validateText("title", title); err != nil {
		return store.Column{}, err
	}
	boardID, err := s.store.BoardIDForColumn(ctx, columnID)
	if err != nil {
		return store.Column{}, mapStoreError(err)
	}
	if err := s.requireRole(ctx, session, boardID, rbac.ActionEdit); err != nil {
		return store.Column{}, err
	}

	updated, err := s.store.UpdateColumnTitle(ctx, columnID, strings.TrimSpace(title))
	if err != nil {
		return store.Column{}, mapStoreError(err)
	}

	s.emit(realtime.Event{
		BoardID: boardID,
		Kind:    realtime.KindColumn,
		Change:  realtime.ChangeUpdated,
		Column:  &updated,
	}, session)
	return updated, nil
}

func (s *Service) MoveColumn(ctx context.Context, session Session, columnID string, target int) (store.Column, error) {
	boardID, err := s.store.BoardIDForColumn(ctx, columnID)
	if err != nil {
		return store.Column{}, mapStoreError(err)
	}
	if err := s.requireRole(ctx, session, boardID, rbac.ActionEdit); err != nil {
		return store.Column{}, err
	}

	var moved store.Column
	err = s.reorder(ctx, func(ctx context.Context) error {
		var err error
		moved, err = s.store.MoveColumn(ctx, columnID, target)
		return err
	}, func(ctx context.Context) error {
		return s.store.ReindexColumns(ctx, boardID)
	})
	if err != nil {
		return store.Column{}, err
	}

	s.emit(realtime.Event{
		BoardID: boardID,
		Kind:    realtime.KindColumn,
		Change:  realtime.ChangeMoved,
		Column:  &moved,
	}, session)
	return moved, nil
}

func (s *Service) DeleteColumn(ctx context.Context, session Session, columnID string) error {
	boardID, err := s.store.BoardIDForColumn(ctx, columnID)
	if err != nil {
		return mapStoreError(err)
	}
	if err := s.requireRole(ctx, session, boardID, rbac.ActionManage); err != nil {
		return err
	}

	var deleted store.Column
	err = s.reorder(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = s.store.DeleteColumn(ctx, columnID)
		return err
	}, func(ctx context.Context) error {
		return s.store.ReindexColumns(ctx, boardID)
	})
	if err != nil {
		return err
	}

	s.emit(realtime.Event{
		BoardID: boardID,
		Kind:    realtime.KindColumn,
		Change:  realtime.ChangeDeleted,
		Column:  &deleted,
	}, session)
	return nil
}

// Cards

func (s *Service) ListCards(ctx context.Context, session Session, boardID string) ([]store.Card, error) {
	if err := s.requireRole(ctx, session, boardID, rbac.ActionView); err != nil {
		return nil, err
	}
	return s.store.ListCards(ctx, boardID)
}

func (s *Service) GetCard(ctx context.Context, session Session, cardID string) (store.Card, error) {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return store.Card{}, mapStoreError(err)
	}
	if err := s.requireRole(ctx, session, card.BoardID, rbac.ActionView); err != nil {
		return store.Card{}, err
	}
	return card, nil
}

type CreateCardInput struct {
	ColumnID    string
	Title       string
	Description string
	ImageRef    string
}

func (s *Service) CreateCard(ctx context.Context, session Session, boardID string, input CreateCardInput) (store.Card, error) {
	if err := validateText("title", input.Title); err != nil {
		return store.Card{}, err
	}
	if strings.TrimSpace(input.ColumnID) == "" {
		return store.Card{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "columnId is required", nil)
	}
	if err := s.requireRole(ctx, session, boardID, rbac.ActionManage); err != nil {
		return store.Card{}, err
	}
	if colBoard, err := s.store.BoardIDForColumn(ctx, input.ColumnID); err != nil {
		return store.Card{}, mapStoreError(err)
	} else if colBoard != boardID {
		return store.Card{}, domainError(http.StatusNotFound, "NOT_FOUND", "Column is not on this board", nil)
	}

	var created store.Card
	err := s.reorder(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.store.CreateCard(ctx, store.Card{
			ID:          util.NewID("card"),
			ColumnID:    input.ColumnID,
			Title:       strings.TrimSpace(input.Title),
			Description: input.Description,
			ImageRef:    input.ImageRef,
		})
		return err
	}, func(ctx context.Context) error {
		return s.store.ReindexBoardCards(ctx, boardID)
	})
	if err != nil {
		return store.Card{}, err
	}

	s.emit(realtime.Event{
		BoardID: boardID,
		Kind:    realtime.KindCard,
		Change:  realtime.ChangeCreated,
		Card:    &created,
	}, session)
	return created, nil
}

type UpdateCardInput struct {
	Title       *string
	Description *string
	ImageRef    *string
}

func (s *Service) UpdateCard(ctx context.Context, session Session, cardID string, input UpdateCardInput) (store.Card, error) {
	if input.Title != nil {
		if err := validateText("title", *input.Title); err != nil {
			return store.Card{}, err
		}
	}
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return store.Card{}, mapStoreError(err)
	}
	if err := s.requireRole(ctx, session, card.BoardID, rbac.ActionEdit); err != nil {
		return store.Card{}, err
	}

	updated, err := s.store.UpdateCard(ctx, cardID, store.CardPatch{
		Title:       input.Title,
		Description: input.Description,
		ImageRef:    input.ImageRef,
	})
	if err != nil {
		return store.Card{}, mapStoreError(err)
	}

	s.emit(realtime.Event{
		BoardID: card.BoardID,
		Kind:    realtime.KindCard,
		Change:  realtime.ChangeUpdated,
		Card:    &updated,
	}, session)
	return updated, nil
}

// MoveCard relocates a card within its column or across columns of the
// same board. destColumnID may be empty for a within-column reorder.
func (s *Service) MoveCard(ctx context.Context, session Session, cardID, destColumnID string, target int) (store.Card, error) {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return store.Card{}, mapStoreError(err)
	}
	if err := s.requireRole(ctx, session, card.BoardID, rbac.ActionEdit); err != nil {
		return store.Card{}, err
	}

	var moved store.Card
	err = s.reorder(ctx, func(ctx context.Context) error {
		var err error
		moved, err = s.store.MoveCard(ctx, cardID, destColumnID, target)
		return err
	}, func(ctx context.Context) error {
		return s.store.ReindexBoardCards(ctx, card.BoardID)
	})
	if err != nil {
		return store.Card{}, err
	}

	s.emit(realtime.Event{
		BoardID:  card.BoardID,
		Kind:     realtime.KindCard,
		Change:   realtime.ChangeMoved,
		Card:     &moved,
		SourceID: card.ColumnID,
		DestID:   moved.ColumnID,
	}, session)
	return moved, nil
}

func (s *Service) DeleteCard(ctx context.Context, session Session, cardID string) error {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return mapStoreError(err)
	}
	if err := s.requireRole(ctx, session, card.BoardID, rbac.ActionManage); err != nil {
		return err
	}

	var deleted store.Card
	err = s.reorder(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = s.store.DeleteCard(ctx, cardID)
		return err
	}, func(ctx context.Context) error {
		return s.store.ReindexBoardCards(ctx, card.BoardID)
	})
	if err != nil {
		return err
	}

	s.emit(realtime.Event{
		BoardID: card.BoardID,
		Kind:    realtime.KindCard,
		Change:  realtime.ChangeDeleted,
		Card:    &deleted,
	}, session)
	return nil
}

// Checklist items

func (s *Service) ListChecklistItems(ctx context.Context, session Session, cardID string) ([]store.ChecklistItem, error) {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if err := s.requireRole(ctx, session, card.BoardID, rbac.ActionView); err != nil {
		return nil, err
	}
	return s.store.ListChecklistItems(ctx, cardID)
}

// ChecklistResult pairs an item change with the owning card's refreshed
// progress counters.
type ChecklistResult struct {
	Item    store.ChecklistItem    `json:"item"`
	Summary store.ChecklistSummary `json:"checklistSummary"`
}

func (s *Service) CreateChecklistItem(ctx context.Context, session Session, cardID, text string) (ChecklistResult, error) {
	if err := validateText("text", text); err != nil {
		return ChecklistResult{}, err
	}
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return ChecklistResult{}, mapStoreError(err)
	}
	if err := s.requireRole(ctx, session, card.BoardID, rbac.ActionEdit); err != nil {
		return ChecklistResult{}, err
	}

	var result ChecklistResult
	err = s.reorder(ctx, func(ctx context.Context) error {
		var err error
		result.Item, result.Summary, err = s.store.CreateChecklistItem(ctx, store.ChecklistItem{
			ID:     util.NewID("item"),
			CardID: cardID,
			Text:   strings.TrimSpace(text),
		})
		return err
	}, func(ctx context.Context) error {
		return s.store.ReindexChecklistItems(ctx, cardID)
	})
	if err != nil {
		return ChecklistResult{}, err
	}

	s.emit(realtime.Event{
		BoardID: card.BoardID,
		Kind:    realtime.KindChecklistItem,
		Change:  realtime.ChangeCreated,
		Item:    &result.Item,
		Summary: &result.Summary,
	}, session)
	return result, nil
}

type UpdateChecklistItemInput struct {
	Text      *string
	Completed *bool
}

func (s *Service) UpdateChecklistItem(ctx context.Context, session Session, itemID string, input UpdateChecklistItemInput) (ChecklistResult, error) {
	if input.Text != nil {
		if err := validateText("text", *input.Text); err != nil {
			return ChecklistResult{}, err
		}
	}
	_, boardID, err := s.store.ResolveChecklistItem(ctx, itemID)
	if err != nil {
		return ChecklistResult{}, mapStoreError(err)
	}
	if err := s.requireRole(ctx, session, boardID, rbac.ActionEdit); err != nil {
		return ChecklistResult{}, err
	}

	var result ChecklistResult
	result.Item, result.Summary, err = s.store.UpdateChecklistItem(ctx, itemID, store.ChecklistItemPatch{
		Text:      input.Text,
		Completed: input.Completed,
	})
	if err != nil {
		return ChecklistResult{}, mapStoreError(err)
	}

	s.emit(realtime.Event{
		BoardID: boardID,
		Kind:    realtime.KindChecklistItem,
		Change:  realtime.ChangeUpdated,
		Item:    &result.Item,
		Summary: &result.Summary,
	}, session)
	return result, nil
}

func (s *Service) MoveChecklistItem(ctx context.Context, session Session, itemID string, target int) (ChecklistResult, error) {
	cardID, boardID, err := s.store.ResolveChecklistItem(ctx, itemID)
	if err != nil {
		return ChecklistResult{}, mapStoreError(err)
	}
	if err := s.requireRole(ctx, session, boardID, rbac.ActionEdit); err != nil {
		return ChecklistResult{}, err
	}

	var result ChecklistResult
	err = s.reorder(ctx, func(ctx context.Context) error {
		var err error
		result.Item, result.Summary, err = s.store.MoveChecklistItem(ctx, itemID, target)
		return err
	}, func(ctx context.Context) error {
		return s.store.ReindexChecklistItems(ctx, cardID)
	})
	if err != nil {
		return ChecklistResult{}, err
	}

	s.emit(realtime.Event{
		BoardID: boardID,
		Kind:    realtime.KindChecklistItem,
		Change:  realtime.ChangeMoved,
		Item:    &result.Item,
		Summary: &result.Summary,
	}, session)
	return result, nil
}

func (s *Service) DeleteChecklistItem(ctx context.Context, session Session, itemID string) (store.ChecklistSummary, error) {
	cardID, boardID, err := s.store.ResolveChecklistItem(ctx, itemID)
	if err != nil {
		return store.ChecklistSummary{}, mapStoreError(err)
	}
	if err := s.requireRole(ctx, session, boardID, rbac.ActionEdit); err != nil {
		return store.ChecklistSummary{}, err
	}

	var deleted store.ChecklistItem
	var summary store.ChecklistSummary
	err = s.reorder(ctx, func(ctx context.Context) error {
		var err error
		deleted, summary, err = s.store.DeleteChecklistItem(ctx, itemID)
		return err
	}, func(ctx context.Context) error {
		return s.store.ReindexChecklistItems(ctx, cardID)
	})
	if err != nil {
		return store.ChecklistSummary{}, err
	}

	s.emit(realtime.Event{
		BoardID: boardID,
		Kind:    realtime.KindChecklistItem,
		Change:  realtime.ChangeDeleted,
		Item:    &deleted,
		Summary: &summary,
	}, session)
	return summary, nil
}
