package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"avaneesh/cfdp-go/pkg/pdu"
)

var (
	sequenceBucket = []byte("sequence")
	historyBucket  = []byte("history")
)

// Bolt is a Store on top of a BoltDB file. Sequence numbers survive restarts.
type Bolt struct {
	db  *bbolt.DB
	max int
}

// OpenBolt opens or creates the store at path keeping at most max history records (0 = unbounded)
func OpenBolt(path string, max int) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{sequenceBucket, historyBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db, max: max}, nil
}

// NextSequence implements Store
func (b *Bolt) NextSequence() (seq pdu.SequenceNumber, err error) {
	err = b.db.Update(func(tx *bbolt.Tx) error {
		next, err := tx.Bucket(sequenceBucket).NextSequence()
		if err != nil {
			return err
		}
		seq = pdu.SequenceNumber(next)
		return nil
	})
	return seq, err
}

// Append implements Store
func (b *Bolt) Append(rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(historyBucket)
		key, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		if err := bucket.Put(binaryKey(key), value); err != nil {
			return err
		}
		if b.max <= 0 {
			return nil
		}
		// Trim oldest records beyond the limit
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for i := 0; i < len(keys)-b.max; i++ {
			if err := bucket.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// History implements Store
func (b *Bolt) History(limit int) ([]Record, error) {
	out := make([]Record, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(historyBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("history record %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Close implements Store
func (b *Bolt) Close() error {
	if b == nil {
		return nil
	}
	return b.db.Close()
}

func binaryKey(v uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, v)
	return k
}
