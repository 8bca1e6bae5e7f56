package boardview

// State is the lifecycle of an optimistic mutation.
type State int

const (
	StatePending State = iota
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	}
	return "unknown"
}

// Mutation is one optimistic edit awaiting the server's verdict. It starts
// Pending and moves exactly once, to Committed or RolledBack; the terminal
// transitions are idempotent and mutually exclusive.
type Mutation struct {
	view       *View
	snapshot   Board
	generation int
	state      State
}

func (m *Mutation) State() State {
	m.view.mu.Lock()
	defer m.view.mu.Unlock()
	return m.state
}

// Commit acknowledges the server accepted the edit. The optimistic state
// stays; authoritative positions arrive via the caller merging the server's
// response or the echoed event.
func (m *Mutation) Commit() {
	m.view.mu.Lock()
	defer m.view.mu.Unlock()
	if m.state == StatePending {
		m.state = StateCommitted
	}
}

// Rollback restores the pre-mutation snapshot. After a Resync the snapshot
// is stale; the mutation still transitions to RolledBack but the fetched
// state wins.
func (m *Mutation) Rollback() {
	m.view.mu.Lock()
	defer m.view.mu.Unlock()
	if m.state != StatePending {
		return
	}
	m.state = StateRolledBack
	if m.generation == m.view.generation {
		m.view.board = m.snapshot
	}
}
