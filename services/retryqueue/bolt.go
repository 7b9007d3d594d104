package retryqueue

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"catalog-proxy-go/logcolors"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const bucketName = "retry-queue"

// BoltQueue keeps the queue in a local bbolt file, for single-instance
// deployments without Redis. Keys are the big-endian visibility time in
// milliseconds followed by the item id, so a cursor walks items in due order.
type BoltQueue struct {
	db *bolt.DB
}

func NewBoltQueue(dbPath string) (*BoltQueue, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create retry queue directory: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open retry queue database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create retry queue bucket: %w", err)
	}

	q := &BoltQueue{db: db}
	if n, err := q.Len(context.Background()); err == nil {
		log.Infof("%s Bolt queue opened at %s (%d pending)", logcolors.LogRetryQueue, dbPath, n)
	}
	return q, nil
}

func itemKey(visibleAt time.Time, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(visibleAt.UnixMilli()))
	return append(key, id...)
}

func (q *BoltQueue) Enqueue(_ context.Context, item Item) error {
	data, err := item.marshal()
	if err != nil {
		return fmt.Errorf("marshal retry item: %w", err)
	}

	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("%w: bucket not found", ErrQueueUnavailable)
		}
		return b.Put(itemKey(item.VisibleAt, item.ID), data)
	})
}

// ClaimDue reads and deletes due items in one write transaction.
func (q *BoltQueue) ClaimDue(_ context.Context, now time.Time, max int) ([]Item, error) {
	if max <= 0 {
		return nil, nil
	}
	limit := make([]byte, 8)
	binary.BigEndian.PutUint64(limit, uint64(now.UnixMilli()))

	var items []Item
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("%w: bucket not found", ErrQueueUnavailable)
		}

		var claimed [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(claimed) < max; k, v = c.Next() {
			if bytes.Compare(k[:8], limit) > 0 {
				break
			}
			claimed = append(claimed, append([]byte(nil), k...))

			item, err := unmarshalItem(v)
			if err != nil {
				log.Warnf("%s Dropping unreadable item %x: %v", logcolors.LogRetryQueue, k, err)
				continue
			}
			items = append(items, item)
		}

		for _, k := range claimed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (q *BoltQueue) Len(_ context.Context) (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("%w: bucket not found", ErrQueueUnavailable)
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

func (q *BoltQueue) Close() error {
	if q.db != nil {
		return q.db.Close()
	}
	return nil
}
