package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// QueueRepository stores submissions waiting for replay.
type QueueRepository interface {
	// Add persists a new submission. It fails with ErrDuplicateID if the id
	// is already present.
	Add(ctx context.Context, sub QueuedSubmission) error
	// List returns pending submissions in insertion order.
	List(ctx context.Context) ([]QueuedSubmission, error)
	// Remove deletes a pending submission after a successful replay.
	Remove(ctx context.Context, id string) error
	// Bury moves a pending submission to the dead letter list.
	Bury(ctx context.Context, id string) error
	// ListDead returns buried submissions.
	ListDead(ctx context.Context) ([]QueuedSubmission, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// newSubmissionID returns a time-ordered id, so ids sort in creation order.
func newSubmissionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func isoTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// levelQueue keeps submissions in the shared leveldb handle. UUIDv7 ids make
// key order equal to insertion order.
type levelQueue struct {
	db *leveldb.DB
}

func newLevelQueue(db *leveldb.DB) *levelQueue {
	return &levelQueue{db: db}
}

func (q *levelQueue) Add(_ context.Context, sub QueuedSubmission) error {
	if sub.ID == "" {
		return errors.New("queue: empty id")
	}
	key := []byte(prefixQueue + sub.ID)
	b, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	tr, err := q.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("queue: open transaction: %w", err)
	}
	exists, err := tr.Has(key, nil)
	if err != nil {
		tr.Discard()
		return err
	}
	if exists {
		tr.Discard()
		return ErrDuplicateID
	}
	if err := tr.Put(key, b, nil); err != nil {
		tr.Discard()
		return err
	}
	return tr.Commit()
}

func (q *levelQueue) List(_ context.Context) ([]QueuedSubmission, error) {
	return q.scan(prefixQueue)
}

func (q *levelQueue) ListDead(_ context.Context) ([]QueuedSubmission, error) {
	return q.scan(prefixDead)
}

func (q *levelQueue) scan(prefix string) ([]QueuedSubmission, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	var out []QueuedSubmission
	for it.Next() {
		var sub QueuedSubmission
		if err := json.Unmarshal(it.Value(), &sub); err != nil {
			return nil, fmt.Errorf("queue: decode %s: %w", it.Key(), err)
		}
		out = append(out, sub)
	}
	return out, it.Error()
}

func (q *levelQueue) Remove(_ context.Context, id string) error {
	key := []byte(prefixQueue + id)
	ok, err := q.db.Has(key, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return q.db.Delete(key, nil)
}

func (q *levelQueue) Bury(_ context.Context, id string) error {
	key := []byte(prefixQueue + id)
	b, err := q.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(key)
	batch.Put([]byte(prefixDead+id), b)
	return q.db.Write(batch, nil)
}

func (q *levelQueue) Len(_ context.Context) (int, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(prefixQueue)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// Close is a no-op: the leveldb handle belongs to the Service.
func (q *levelQueue) Close() error { return nil }
