package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketOutbox = []byte("outbox")

	// ErrEmpty is returned when the buffer holds no messages.
	ErrEmpty = errors.New("buffer is empty")
)

// Buffer is a durable FIFO queue for telemetry accepted while the hub
// session is down. Messages are drained in insertion order on
// reconnect; when the buffer is full the oldest message is dropped.
type Buffer struct {
	db    *bolt.DB
	limit int
}

// Open opens or creates the buffer database.
func Open(path string, limit int) (*Buffer, error) {
	if limit <= 0 {
		limit = 1000
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open buffer db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOutbox)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create outbox bucket: %w", err)
	}
	return &Buffer{db: db, limit: limit}, nil
}

// Enqueue appends a message. When the buffer is at capacity the oldest
// message is evicted first.
func (b *Buffer) Enqueue(payload []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketOutbox)
		if bkt == nil {
			return fmt.Errorf("bucket %q not found", bucketOutbox)
		}

		for bkt.Stats().KeyN >= b.limit {
			c := bkt.Cursor()
			k, _ := c.First()
			if k == nil {
				break
			}
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}

		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bkt.Put(key, payload)
	})
}

// Peek returns the oldest message without removing it. The returned
// key must be passed to Ack once the message is delivered.
func (b *Buffer) Peek() (key, payload []byte, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketOutbox)
		if bkt == nil {
			return fmt.Errorf("bucket %q not found", bucketOutbox)
		}
		k, v := bkt.Cursor().First()
		if k == nil {
			return ErrEmpty
		}
		key = append([]byte(nil), k...)
		payload = append([]byte(nil), v...)
		return nil
	})
	return key, payload, err
}

// Ack removes a delivered message.
func (b *Buffer) Ack(key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketOutbox)
		if bkt == nil {
			return fmt.Errorf("bucket %q not found", bucketOutbox)
		}
		return bkt.Delete(key)
	})
}

// Len returns the number of queued messages.
func (b *Buffer) Len() (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketOutbox)
		if bkt == nil {
			return nil
		}
		n = bkt.Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the underlying database.
func (b *Buffer) Close() error {
	return b.db.Close()
}
