package store

import "time"

type Board struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChecklistSummary is the denormalized progress cache carried on a card.
// It is written exclusively by the checklist operations, never by the
// card edit path.
type ChecklistSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Percent   int `json:"percent"`
}

type Column struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"boardId"`
	Title     string    `json:"title"`
	Order     int       `json:"order"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Card struct {
	ID          string           `json:"id"`
	BoardID     string           `json:"boardId"`
	ColumnID    string           `json:"columnId"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	ImageRef    string           `json:"imageRef,omitempty"`
	Order       int              `json:"order"`
	Checklist   ChecklistSummary `json:"checklistSummary"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

type ChecklistItem struct {
	ID        string    `json:"id"`
	CardID    string    `json:"cardId"`
	Text      string    `json:"text"`
	Completed bool      `json:"completed"`
	Order     int       `json:"order"`
	UpdatedAt time.Time `json:"updatedAt"`
}
