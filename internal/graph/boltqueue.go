package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var bucketTickQueue = []byte("tick_queue")

type boltQueueEntry struct {
	Queue        string    `json:"queue"`
	Job          TickJob   `json:"job"`
	SingletonKey string    `json:"singletonKey,omitempty"`
	ExpireAt     time.Time `json:"expireAt"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
}

// BoltQueue is a bbolt-backed TickQueue, the default single-daemon
// deployment's durable FIFO-ish job store (§4.F.2). Grounded on the same
// bucket-per-concern bbolt layout as BoltStore, generalized from graph
// persistence to a singleton-keyed job queue.
type BoltQueue struct {
	db           *bbolt.DB
	pollInterval time.Duration
}

func NewBoltQueue(dir string) (*BoltQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tick queue dir: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dir, "tickqueue.db"), 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open tick queue: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTickQueue)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init tick queue bucket: %w", err)
	}
	return &BoltQueue{db: db, pollInterval: 200 * time.Millisecond}, nil
}

func (q *BoltQueue) Close() error { return q.db.Close() }

// Send enforces the at-most-one-pending-per-singleton-key rule by
// scanning the queue's current entries before inserting.
func (q *BoltQueue) Send(ctx context.Context, queue string, job TickJob, opts SendOptions) error {
	now := time.Now().UTC()
	expireSeconds := opts.ExpireInSeconds
	if expireSeconds <= 0 {
		expireSeconds = 60
	}
	expire := now.Add(time.Duration(expireSeconds) * time.Second)

	return q.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTickQueue)
		if opts.SingletonKey != "" {
			pending := false
			_ = bucket.ForEach(func(_, v []byte) error {
				var e boltQueueEntry
				if json.Unmarshal(v, &e) == nil && e.Queue == queue && e.SingletonKey == opts.SingletonKey {
					pending = true
				}
				return nil
			})
			if pending {
				return nil
			}
		}
		entry := boltQueueEntry{Queue: queue, Job: job, SingletonKey: opts.SingletonKey, ExpireAt: expire, EnqueuedAt: now}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), data)
	})
}

// Work polls the queue on a fixed interval, claiming a batch of entries
// per poll (deleting them up front so two pollers never double-claim),
// then invoking handler for each. A handler error re-sends the job under
// its original singleton key rather than losing it.
func (q *BoltQueue) Work(ctx context.Context, queue string, batchSize int, handler Handler) error {
	if batchSize <= 0 {
		batchSize = 1
	}
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.drainOnce(ctx, queue, batchSize, handler)
		}
	}
}

func (q *BoltQueue) drainOnce(ctx context.Context, queue string, batchSize int, handler Handler) {
	type claimed struct {
		entry boltQueueEntry
	}
	var batch []claimed
	now := time.Now().UTC()

	err := q.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTickQueue)
		cursor := bucket.Cursor()
		var toDelete [][]byte
		for k, v := cursor.First(); k != nil && len(batch) < batchSize; k, v = cursor.Next() {
			var e boltQueueEntry
			if json.Unmarshal(v, &e) != nil {
				toDelete = append(toDelete, append([]byte(nil), k...))
				continue
			}
			if e.Queue != queue {
				continue
			}
			if !e.ExpireAt.IsZero() && now.After(e.ExpireAt) {
				toDelete = append(toDelete, append([]byte(nil), k...))
				continue
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
			batch = append(batch, claimed{entry: e})
		}
		for _, k := range toDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("tick queue drain failed", "queue", queue, "error", err)
		return
	}

	for _, c := range batch {
		if err := handler(ctx, c.entry.Job); err != nil {
			slog.Warn("tick handler failed, re-enqueuing", "queue", queue, "graph", c.entry.Job.GraphID, "error", err)
			remaining := time.Until(c.entry.ExpireAt)
			if remaining <= 0 {
				remaining = 60 * time.Second
			}
			if serr := q.Send(ctx, queue, c.entry.Job, SendOptions{SingletonKey: c.entry.SingletonKey, ExpireInSeconds: int(remaining.Seconds()) + 1}); serr != nil {
				slog.Error("tick queue re-enqueue failed", "queue", queue, "graph", c.entry.Job.GraphID, "error", serr)
			}
		}
	}
}
