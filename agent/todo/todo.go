// Package todo implements the agent task list: a small versioned list of
// items with at most one item in progress at a time.
package todo

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// Status is the lifecycle state of a todo item.
	Status string

	// Item is one entry in the task list.
	Item struct {
		// ID identifies the item across updates.
		ID string `json:"id"`
		// Content is the imperative description ("Run the tests").
		Content string `json:"content"`
		// ActiveForm is the present-continuous form shown while the item is in
		// progress ("Running the tests").
		ActiveForm string `json:"activeForm,omitempty"`
		// Status is the item state.
		Status Status `json:"status"`
	}

	// Snapshot is the persisted form of the list.
	Snapshot struct {
		// Todos is the item list in display order.
		Todos []Item `json:"todos"`
		// Version increments on every successful update.
		Version int `json:"version"`
		// UpdatedAt records the last update time.
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// List is a concurrency-safe todo list enforcing the single-in-progress
	// invariant.
	List struct {
		mu        sync.Mutex
		items     []Item
		version   int
		updatedAt time.Time
	}
)

// Statuses.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is a recognized status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	default:
		return false
	}
}

// NewList constructs an empty list.
func NewList() *List { return &List{} }

// Set replaces the list contents. It rejects updates with more than one
// in-progress item or an unrecognized status, leaving the list unchanged.
// Items without an id are assigned one.
func (l *List) Set(items []Item) error {
	inProgress := 0
	for i, it := range items {
		if !it.Status.Valid() {
			return fmt.Errorf("todo: item %d has invalid status %q", i, it.Status)
		}
		if it.Status == StatusInProgress {
			inProgress++
		}
	}
	if inProgress > 1 {
		return fmt.Errorf("todo: %d items in progress, at most one allowed", inProgress)
	}
	cp := make([]Item, len(items))
	copy(cp, items)
	for i := range cp {
		if cp[i].ID == "" {
			cp[i].ID = uuid.NewString()
		}
	}
	l.mu.Lock()
	l.items = cp
	l.version++
	l.updatedAt = time.Now().UTC()
	l.mu.Unlock()
	return nil
}

// Items returns a copy of the current items.
func (l *List) Items() []Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Item(nil), l.items...)
}

// Version returns the current list version, zero for a never-updated list.
func (l *List) Version() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

// Snapshot returns the persistable form of the list.
func (l *List) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Todos:     append([]Item(nil), l.items...),
		Version:   l.version,
		UpdatedAt: l.updatedAt,
	}
}

// Restore replaces the list contents from a persisted snapshot without
// bumping the version. Invalid snapshots are normalized: extra in-progress
// items beyond the first are demoted to pending.
func (l *List) Restore(s Snapshot) {
	items := make([]Item, len(s.Todos))
	copy(items, s.Todos)
	seenInProgress := false
	for i := range items {
		if !items[i].Status.Valid() {
			items[i].Status = StatusPending
		}
		if items[i].Status == StatusInProgress {
			if seenInProgress {
				items[i].Status = StatusPending
			}
			seenInProgress = true
		}
	}
	l.mu.Lock()
	l.items = items
	l.version = s.Version
	l.updatedAt = s.UpdatedAt
	l.mu.Unlock()
}

// Render returns a markdown checklist view of the list, suitable for
// inclusion in reminder messages. Returns "" for an empty list.
func (l *List) Render() string {
	items := l.Items()
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	for _, it := range items {
		switch it.Status {
		case StatusCompleted:
			fmt.Fprintf(&b, "- [x] %s\n", it.Content)
		case StatusInProgress:
			label := it.ActiveForm
			if label == "" {
				label = it.Content
			}
			fmt.Fprintf(&b, "- [~] %s\n", label)
		default:
			fmt.Fprintf(&b, "- [ ] %s\n", it.Content)
		}
	}
	return b.String()
}
