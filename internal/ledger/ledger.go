// Package ledger records the messages a node has delivered, in delivery
// order. It is the application's copy of the broadcast stream; Raft itself
// never reads it back.
package ledger

import (
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var logger = logging.Logger("ledger")

var (
	// ErrOutOfOrder is returned when a record does not directly follow the last one.
	ErrOutOfOrder = errors.New("ledger: record out of order")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ledger: closed")
)

// Record is one delivered message.
type Record struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
	// ID is empty when the payload was not a broadcast message.
	ID        string    `json:"id,omitempty"`
	Data      []byte    `json:"data"`
	Duplicate bool      `json:"duplicate,omitempty"`
	Delivered time.Time `json:"delivered"`
}

// Ledger is an append-only, index-ordered record store.
type Ledger interface {
	// Append adds r. On a non-empty ledger r.Index must be LastIndex()+1.
	Append(r Record) error
	// Range returns up to limit records starting at index from. A limit of
	// zero or less means no limit.
	Range(from uint64, limit int) ([]Record, error)
	// LastIndex returns the index of the newest record, false when empty.
	LastIndex() (uint64, bool)
	Close() error
}

func checkOrder(last uint64, nonEmpty bool, r Record) error {
	if nonEmpty && r.Index != last+1 {
		logger.Warnw("rejecting out of order record", "index", r.Index, "last", last)
		return ErrOutOfOrder
	}
	return nil
}
