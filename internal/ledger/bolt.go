package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var deliveriesBucket = []byte("deliveries")

// BoltLedger stores records in a bolt file, one key per index.
type BoltLedger struct {
	db *bolt.DB
}

// OpenBolt opens or creates the ledger file at path.
func OpenBolt(path string) (*BoltLedger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(deliveriesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	logger.Infow("ledger opened", "path", path)
	return &BoltLedger{db: db}, nil
}

func indexKey(index uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, index)
	return k
}

func (l *BoltLedger) Append(r Record) error {
	val, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(deliveriesBucket)
		last, ok := lastIndex(b)
		if err := checkOrder(last, ok, r); err != nil {
			return err
		}
		return b.Put(indexKey(r.Index), val)
	})
}

func (l *BoltLedger) Range(from uint64, limit int) ([]Record, error) {
	var out []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(deliveriesBucket).Cursor()
		for k, v := c.Seek(indexKey(from)); k != nil; k, v = c.Next() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode record %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (l *BoltLedger) LastIndex() (uint64, bool) {
	var (
		last uint64
		ok   bool
	)
	err := l.db.View(func(tx *bolt.Tx) error {
		last, ok = lastIndex(tx.Bucket(deliveriesBucket))
		return nil
	})
	if err != nil {
		logger.Errorw("read last index", "err", err)
		return 0, false
	}
	return last, ok
}

func lastIndex(b *bolt.Bucket) (uint64, bool) {
	k, _ := b.Cursor().Last()
	if k == nil {
		return 0, false
	}
	return binary.BigEndian.Uint64(k), true
}

func (l *BoltLedger) Close() error {
	return l.db.Close()
}
