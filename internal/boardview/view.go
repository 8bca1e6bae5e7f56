package boardview

import (
	"context"
	"sync"

	"corkboard/api/internal/realtime"
	"corkboard/api/internal/store"
)

// Fetcher loads the authoritative board state, typically over the HTTP API.
// It is the escape hatch when incremental merging falls behind.
type Fetcher interface {
	FetchBoard(ctx context.Context, boardID string) (Board, error)
}

// View is one actor's live replica of a board. Local edits go through Begin
// so they can be rolled back if the server rejects them; events from other
// actors are merged through ApplyRemote.
type View struct {
	actorID string
	fetcher Fetcher

	mu sync.Mutex
	// generation bumps on every Resync; pending mutations from an older
	// generation must not roll the fresh state back.
	generation int
	board      Board
}

func NewView(actorID string, fetcher Fetcher, initial Board) *View {
	return &View{actorID: actorID, fetcher: fetcher, board: initial}
}

// Snapshot returns an independent copy of the current state.
func (v *View) Snapshot() Board {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.board.clone()
}

// Begin applies mutate optimistically and returns the pending mutation. If
// mutate fails the board is left untouched and no mutation is created.
func (v *View) Begin(mutate func(*Board) error) (*Mutation, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	snapshot := v.board.clone()
	if err := mutate(&v.board); err != nil {
		v.board = snapshot
		return nil, err
	}
	return &Mutation{view: v, snapshot: snapshot, generation: v.generation, state: StatePending}, nil
}

// Resync replaces the replica with freshly fetched authoritative state.
// Any still-pending mutations become stale: their snapshots predate the
// fetch, so rolling them back afterwards is a no-op.
func (v *View) Resync(ctx context.Context) error {
	board, err := v.fetcher.FetchBoard(ctx, v.boardID())
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.board = board
	v.generation++
	return nil
}

func (v *View) boardID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.board.ID
}

// ApplyRemote merges an event from another actor into the replica. Events
// from the view's own actor are the echo of optimistic edits already
// applied, and are skipped. Positions in events are absolute, so replaying
// a delivered event is harmless.
//
// A false return means the event referenced state this replica does not
// have (for example a card in a column created while disconnected); the
// caller should Resync.
func (v *View) ApplyRemote(ev realtime.Event) bool {
	if ev.ActorID == v.actorID {
		return true
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	switch ev.Kind {
	case realtime.KindColumn:
		return v.mergeColumn(ev)
	case realtime.KindCard:
		return v.mergeCard(ev)
	case realtime.KindChecklistItem:
		return v.mergeChecklistItem(ev)
	}
	return false
}

func (v *View) mergeColumn(ev realtime.Event) bool {
	if ev.Column == nil {
		return false
	}
	if ev.Change == realtime.ChangeDeleted {
		_ = v.board.DeleteColumn(ev.Column.ID)
		return true
	}

	// Created, updated and moved all converge on the same merge: take the
	// event's field values and place the column at its absolute position.
	var cards []CardState
	if existing := v.board.column(ev.Column.ID); existing != nil {
		cards = existing.Cards
		_ = v.board.DeleteColumn(ev.Column.ID)
	}
	at := clamp(ev.Column.Order, len(v.board.Columns))
	col := ColumnState{Column: *ev.Column, Cards: cards}
	v.board.Columns = append(v.board.Columns[:at], append([]ColumnState{col}, v.board.Columns[at:]...)...)
	v.board.renumberColumns()
	return true
}

func (v *View) mergeCard(ev realtime.Event) bool {
	if ev.Card == nil {
		return false
	}
	if ev.Change == realtime.ChangeDeleted {
		_ = v.board.DeleteCard(ev.Card.ID)
		return true
	}

	dest := v.board.column(ev.Card.ColumnID)
	if dest == nil {
		return false
	}

	var checklist []store.ChecklistItem
	if src, existing := v.board.card(ev.Card.ID); existing != nil {
		checklist = existing.Checklist
		src.removeCard(ev.Card.ID)
	}
	dest.insertCard(CardState{Card: *ev.Card, Checklist: checklist}, ev.Card.Order)
	return true
}

func (v *View) mergeChecklistItem(ev realtime.Event) bool {
	if ev.Item == nil {
		return false
	}
	_, card := v.board.card(ev.Item.CardID)
	if card == nil {
		return false
	}

	if ev.Change != realtime.ChangeDeleted {
		v.mergeItemInto(card, *ev.Item)
	} else {
		card.removeChecklistItem(ev.Item.ID)
	}
	if ev.Summary != nil {
		card.Card.Checklist = *ev.Summary
	}
	return true
}

func (v *View) mergeItemInto(card *CardState, item store.ChecklistItem) {
	card.removeChecklistItem(item.ID)
	at := clamp(item.Order, len(card.Checklist))
	card.Checklist = append(card.Checklist[:at], append([]store.ChecklistItem{item}, card.Checklist[at:]...)...)
	card.renumberChecklist()
}

func (c *CardState) removeChecklistItem(itemID string) {
	for i := range c.Checklist {
		if c.Checklist[i].ID == itemID {
			c.Checklist = append(c.Checklist[:i], c.Checklist[i+1:]...)
			c.renumberChecklist()
			return
		}
	}
}
