package ledger

import (
	"sync"

	"github.com/google/btree"
)

type item struct {
	rec Record
}

func (a item) Less(b btree.Item) bool {
	return a.rec.Index < b.(item).rec.Index
}

// MemLedger keeps records in an in-memory B-tree.
type MemLedger struct {
	mu     sync.RWMutex
	tree   *btree.BTree
	closed bool
}

func NewMemLedger() *MemLedger {
	return &MemLedger{tree: btree.New(32)}
}

func (l *MemLedger) Append(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.checkOrderLocked(r); err != nil {
		return err
	}
	l.tree.ReplaceOrInsert(item{rec: r})
	return nil
}

func (l *MemLedger) Range(from uint64, limit int) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	var out []Record
	l.tree.AscendGreaterOrEqual(item{rec: Record{Index: from}}, func(i btree.Item) bool {
		out = append(out, i.(item).rec)
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (l *MemLedger) LastIndex() (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndexLocked()
}

func (l *MemLedger) lastIndexLocked() (uint64, bool) {
	max := l.tree.Max()
	if max == nil {
		return 0, false
	}
	return max.(item).rec.Index, true
}

func (l *MemLedger) checkOrderLocked(r Record) error {
	last, ok := l.lastIndexLocked()
	return checkOrder(last, ok, r)
}

func (l *MemLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
