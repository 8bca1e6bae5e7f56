// Package realtime fans reorder events out to the clients watching a board.
// Delivery is at-most-once: a slow subscriber misses events and is expected
// to resynchronize from a full board fetch.
package realtime

import (
	"time"

	"corkboard/api/internal/store"
)

type Kind string

const (
	KindColumn        Kind = "column"
	KindCard          Kind = "card"
	KindChecklistItem Kind = "checklist-item"
)

type Change string

const (
	ChangeCreated Change = "created"
	ChangeUpdated Change = "updated"
	ChangeMoved   Change = "moved"
	ChangeDeleted Change = "deleted"
)

// Event describes one committed mutation on a board. Exactly one of Column,
// Card or Item is set, matching Kind. Moves carry the final server-assigned
// position on the entity itself; a cross-column card move additionally
// names both scopes so clients can update the source column too.
type Event struct {
	BoardID   string                  `json:"boardId"`
	Kind      Kind                    `json:"kind"`
	Change    Change                  `json:"change"`
	ActorID   string                  `json:"actorId"`
	Column    *store.Column           `json:"column,omitempty"`
	Card      *store.Card             `json:"card,omitempty"`
	Item      *store.ChecklistItem    `json:"item,omitempty"`
	Summary   *store.ChecklistSummary `json:"checklistSummary,omitempty"`
	SourceID  string                  `json:"sourceScopeId,omitempty"`
	DestID    string                  `json:"destScopeId,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// envelope is the cross-instance wire form. Origin lets the publishing
// instance skip its own message when it comes back around; Exclude carries
// the self-echo suppression across instances.
type envelope struct {
	Origin  string `json:"origin"`
	Exclude string `json:"exclude,omitempty"`
	Event   Event  `json:"event"`
}
