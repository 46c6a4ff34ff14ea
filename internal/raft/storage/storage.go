package storage

import (
	"errors"
	"fmt"
)

// ErrIndexOutOfRange is returned when an index falls outside the log.
var ErrIndexOutOfRange = errors.New("storage: log index out of range")

// Entry is a single entry in the Raft log. Its position in the log is its index.
type Entry struct {
	Term    uint64 `json:"term"`
	Payload []byte `json:"payload"`
}

// LogStore holds the Raft log. Indexes are 0-based and lengths count entries.
type LogStore interface {
	Len() uint64
	LastTerm() uint64
	TermAt(index uint64) (uint64, error)
	ReadRange(lo, hi uint64) ([]Entry, error)
	Append(entries ...Entry)
	TruncateFrom(index uint64) error
}

// MemLogStore is an in-memory LogStore. It is owned by a single goroutine and
// does no locking of its own.
type MemLogStore struct {
	entries []Entry
}

func NewMemLogStore() *MemLogStore {
	return &MemLogStore{}
}

func (s *MemLogStore) Len() uint64 {
	return uint64(len(s.entries))
}

// LastTerm returns the term of the last entry, or 0 for an empty log.
func (s *MemLogStore) LastTerm() uint64 {
	if len(s.entries) == 0 {
		return 0
	}
	return s.entries[len(s.entries)-1].Term
}

func (s *MemLogStore) TermAt(index uint64) (uint64, error) {
	if index >= uint64(len(s.entries)) {
		return 0, fmt.Errorf("term at %d, log length %d: %w", index, len(s.entries), ErrIndexOutOfRange)
	}
	return s.entries[index].Term, nil
}

// ReadRange returns a copy of the entries in [lo, hi).
func (s *MemLogStore) ReadRange(lo, hi uint64) ([]Entry, error) {
	if lo > hi || hi > uint64(len(s.entries)) {
		return nil, fmt.Errorf("range [%d, %d), log length %d: %w", lo, hi, len(s.entries), ErrIndexOutOfRange)
	}
	result := make([]Entry, hi-lo)
	copy(result, s.entries[lo:hi])
	return result, nil
}

func (s *MemLogStore) Append(entries ...Entry) {
	s.entries = append(s.entries, entries...)
}

// TruncateFrom drops the entry at index and everything after it.
func (s *MemLogStore) TruncateFrom(index uint64) error {
	if index > uint64(len(s.entries)) {
		return fmt.Errorf("truncate from %d, log length %d: %w", index, len(s.entries), ErrIndexOutOfRange)
	}
	clear(s.entries[index:])
	s.entries = s.entries[:index]
	return nil
}
