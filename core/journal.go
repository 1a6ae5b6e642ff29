package core

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// =============================================================================
// Journal Data Models
// =============================================================================

type JournalStatus string

const (
	JournalSucceeded JournalStatus = "SUCCEEDED"
	JournalFailed    JournalStatus = "FAILED"
	JournalSkipped   JournalStatus = "SKIPPED"
	JournalCanceled  JournalStatus = "CANCELED"
)

// JournalStatusOf maps a terminal outcome to its journal status.
func JournalStatusOf(state NodeState, out Outcome) JournalStatus {
	switch {
	case state == StateSkipped:
		return JournalSkipped
	case out.Canceled:
		return JournalCanceled
	case state == StateSucceeded:
		return JournalSucceeded
	default:
		return JournalFailed
	}
}

// JournalEntry is the persisted record of one finished node.
type JournalEntry struct {
	ID         string
	Name       string
	Affinity   string
	Lane       string
	Status     JournalStatus
	Recovered  bool
	Error      string
	Result     []byte
	StartedAt  time.Time
	FinishedAt time.Time
	RecordedAt time.Time
}

type JournalFilter struct {
	Status JournalStatus // Empty means all
	Name   string        // Empty means all
	Limit  int           // 0 means no limit
	Offset int
}

// =============================================================================
// Journal Interface
// =============================================================================

// Journal persists node executions. Implementations can use in-memory storage,
// databases, or other backends.
type Journal interface {
	// Record saves an entry, replacing any entry with the same ID.
	Record(ctx context.Context, entry *JournalEntry) error

	// Get retrieves an entry by ID.
	Get(ctx context.Context, id string) (*JournalEntry, error)

	// List returns entries matching the filter, most recently finished first.
	List(ctx context.Context, filter JournalFilter) ([]*JournalEntry, error)

	// Delete removes an entry.
	Delete(ctx context.Context, id string) error
}

// ErrJournalEntryNotFound is returned by Get for unknown IDs.
var ErrJournalEntryNotFound = errors.New("journal entry not found")

// =============================================================================
// MemoryJournal Implementation
// =============================================================================

// MemoryJournal is an in-memory Journal backed by sync.Map.
type MemoryJournal struct {
	data sync.Map // map[string]*JournalEntry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func cloneJournalEntry(e *JournalEntry) *JournalEntry {
	out := *e
	out.Result = append([]byte(nil), e.Result...)
	return &out
}

func (j *MemoryJournal) Record(ctx context.Context, entry *JournalEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("journal entry ID cannot be empty")
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now()
	}
	j.data.Store(entry.ID, cloneJournalEntry(entry))
	return nil
}

func (j *MemoryJournal) Get(ctx context.Context, id string) (*JournalEntry, error) {
	raw, ok := j.data.Load(id)
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", id, ErrJournalEntryNotFound)
	}
	return cloneJournalEntry(raw.(*JournalEntry)), nil
}

func (j *MemoryJournal) List(ctx context.Context, filter JournalFilter) ([]*JournalEntry, error) {
	var entries []*JournalEntry
	j.data.Range(func(_, value any) bool {
		e := value.(*JournalEntry)
		if filter.Status != "" && e.Status != filter.Status {
			return true
		}
		if filter.Name != "" && e.Name != filter.Name {
			return true
		}
		entries = append(entries, cloneJournalEntry(e))
		return true
	})

	slices.SortFunc(entries, func(a, b *JournalEntry) int {
		if c := b.FinishedAt.Compare(a.FinishedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(entries) {
			return nil, nil
		}
		entries = entries[filter.Offset:]
	}
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func (j *MemoryJournal) Delete(ctx context.Context, id string) error {
	j.data.Delete(id)
	return nil
}

// Count returns the number of entries in the journal.
func (j *MemoryJournal) Count() int {
	count := 0
	j.data.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
