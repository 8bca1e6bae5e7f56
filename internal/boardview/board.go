// Package boardview maintains a client's in-memory replica of one board:
// optimistic local mutations with rollback, and idempotent merging of the
// events other actors commit.
package boardview

import (
	"errors"

	"corkboard/api/internal/store"
)

var (
	ErrColumnNotFound = errors.New("column not in view")
	ErrCardNotFound   = errors.New("card not in view")
	ErrItemNotFound   = errors.New("checklist item not in view")
)

// Board is the replicated state: columns in board order, each carrying its
// cards in column order, each card carrying its checklist in item order.
type Board struct {
	ID      string
	Title   string
	Columns []ColumnState
}

type ColumnState struct {
	store.Column
	Cards []CardState
}

type CardState struct {
	store.Card
	Checklist []store.ChecklistItem
}

func (b Board) clone() Board {
	out := b
	out.Columns = make([]ColumnState, len(b.Columns))
	for i, col := range b.Columns {
		out.Columns[i] = col
		out.Columns[i].Cards = make([]CardState, len(col.Cards))
		for j, card := range col.Cards {
			out.Columns[i].Cards[j] = card
			out.Columns[i].Cards[j].Checklist = append([]store.ChecklistItem(nil), card.Checklist...)
		}
	}
	return out
}

func (b *Board) column(columnID string) *ColumnState {
	for i := range b.Columns {
		if b.Columns[i].ID == columnID {
			return &b.Columns[i]
		}
	}
	return nil
}

// card returns the card and the column currently holding it.
func (b *Board) card(cardID string) (*ColumnState, *CardState) {
	for i := range b.Columns {
		for j := range b.Columns[i].Cards {
			if b.Columns[i].Cards[j].ID == cardID {
				return &b.Columns[i], &b.Columns[i].Cards[j]
			}
		}
	}
	return nil, nil
}

func clamp(target, max int) int {
	if target > max {
		target = max
	}
	if target < 0 {
		target = 0
	}
	return target
}

func (b *Board) renumberColumns() {
	for i := range b.Columns {
		b.Columns[i].Order = i
	}
}

func (c *ColumnState) renumberCards() {
	for i := range c.Cards {
		c.Cards[i].Order = i
	}
}

func (c *CardState) renumberChecklist() {
	for i := range c.Checklist {
		c.Checklist[i].Order = i
	}
}

// MoveColumn mirrors the server's within-board reorder: clamp, splice,
// renumber.
func (b *Board) MoveColumn(columnID string, target int) error {
	from := -1
	for i := range b.Columns {
		if b.Columns[i].ID == columnID {
			from = i
			break
		}
	}
	if from == -1 {
		return ErrColumnNotFound
	}
	target = clamp(target, len(b.Columns)-1)

	col := b.Columns[from]
	b.Columns = append(b.Columns[:from], b.Columns[from+1:]...)
	b.Columns = append(b.Columns[:target], append([]ColumnState{col}, b.Columns[target:]...)...)
	b.renumberColumns()
	return nil
}

// MoveCard mirrors the server's card move. An empty destColumnID, or the
// card's own column, means a within-column reorder; otherwise the card is
// spliced out of its source and into the destination, with the target
// clamped to the destination's pre-insertion size.
func (b *Board) MoveCard(cardID, destColumnID string, target int) error {
	src, card := b.card(cardID)
	if card == nil {
		return ErrCardNotFound
	}
	if destColumnID == "" || destColumnID == src.ID {
		return src.moveCardWithin(card.ID, target)
	}

	dest := b.column(destColumnID)
	if dest == nil {
		return ErrColumnNotFound
	}

	moved := *card
	src.removeCard(cardID)
	target = clamp(target, len(dest.Cards))
	moved.ColumnID = dest.ID
	dest.insertCard(moved, target)
	return nil
}

func (c *ColumnState) moveCardWithin(cardID string, target int) error {
	from := -1
	for i := range c.Cards {
		if c.Cards[i].ID == cardID {
			from = i
			break
		}
	}
	if from == -1 {
		return ErrCardNotFound
	}
	target = clamp(target, len(c.Cards)-1)

	card := c.Cards[from]
	c.Cards = append(c.Cards[:from], c.Cards[from+1:]...)
	c.Cards = append(c.Cards[:target], append([]CardState{card}, c.Cards[target:]...)...)
	c.renumberCards()
	return nil
}

func (c *ColumnState) removeCard(cardID string) {
	for i := range c.Cards {
		if c.Cards[i].ID == cardID {
			c.Cards = append(c.Cards[:i], c.Cards[i+1:]...)
			c.renumberCards()
			return
		}
	}
}

func (c *ColumnState) insertCard(card CardState, at int) {
	at = clamp(at, len(c.Cards))
	c.Cards = append(c.Cards[:at], append([]CardState{card}, c.Cards[at:]...)...)
	c.renumberCards()
}

// MoveChecklistItem reorders an item within its card's checklist.
func (b *Board) MoveChecklistItem(itemID string, target int) error {
	card := b.cardOfItem(itemID)
	if card == nil {
		return ErrItemNotFound
	}
	from := -1
	for i := range card.Checklist {
		if card.Checklist[i].ID == itemID {
			from = i
			break
		}
	}
	target = clamp(target, len(card.Checklist)-1)

	item := card.Checklist[from]
	card.Checklist = append(card.Checklist[:from], card.Checklist[from+1:]...)
	card.Checklist = append(card.Checklist[:target], append([]store.ChecklistItem{item}, card.Checklist[target:]...)...)
	card.renumberChecklist()
	return nil
}

func (b *Board) cardOfItem(itemID string) *CardState {
	for i := range b.Columns {
		for j := range b.Columns[i].Cards {
			for _, item := range b.Columns[i].Cards[j].Checklist {
				if item.ID == itemID {
					return &b.Columns[i].Cards[j]
				}
			}
		}
	}
	return nil
}

// DeleteCard removes a card and compacts its column, mirroring the server's
// delete path.
func (b *Board) DeleteCard(cardID string) error {
	src, card := b.card(cardID)
	if card == nil {
		return ErrCardNotFound
	}
	src.removeCard(cardID)
	return nil
}

// DeleteColumn removes a column (and its cards) and compacts the board.
func (b *Board) DeleteColumn(columnID string) error {
	for i := range b.Columns {
		if b.Columns[i].ID == columnID {
			b.Columns = append(b.Columns[:i], b.Columns[i+1:]...)
			b.renumberColumns()
			return nil
		}
	}
	return ErrColumnNotFound
}
