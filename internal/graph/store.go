package graph

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/agx/internal/model"
)

var (
	bucketGraphs = []byte("graphs")
	bucketEvents = []byte("graph_events")
)

// Store is the graph persistence contract (§4.F.1): durable storage for
// execution graphs plus their append-only event logs, with optimistic
// concurrency on writes so a recovery-driven retry never clobbers a
// concurrent tick.
type Store interface {
	CreateGraph(ctx context.Context, g *model.Graph) error
	GetGraph(ctx context.Context, id string) (*model.Graph, error)
	ListInProgressGraphs(ctx context.Context) ([]*model.Graph, error)
	// ReplaceGraph persists next in place of id's current record, failing
	// with *GraphVersionConflictError when the stored graphVersion isn't
	// ifMatchGraphVersion. On success the returned graph carries
	// graphVersion = ifMatchGraphVersion+1, createdAt preserved from the
	// prior record, and updatedAt set to now.
	ReplaceGraph(ctx context.Context, id string, next *model.Graph, ifMatchGraphVersion int64) (*model.Graph, error)
	AppendEvent(ctx context.Context, id string, event model.Event) error
	GetEvents(ctx context.Context, id string) ([]model.Event, error)
}

// BoltStore is the graph store contract backed by bbolt, grounded on the
// orchestrator teacher's WorkflowStore: one bucket per concern, bbolt's
// own durability standing in for an external database, generalized here
// from workflow definitions to execution graphs and their event logs.
type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create graph store dir: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dir, "graphs.db"), 0o600, &bbolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("open graph store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketGraphs); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init graph store buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) CreateGraph(ctx context.Context, g *model.Graph) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketGraphs)
		if bucket.Get([]byte(g.ID)) != nil {
			return fmt.Errorf("graph %s already exists", g.ID)
		}
		g.GraphVersion = 1
		data, err := json.Marshal(g)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(g.ID), data)
	})
}

func (s *BoltStore) GetGraph(ctx context.Context, id string) (*model.Graph, error) {
	var g *model.Graph
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketGraphs).Get([]byte(id))
		if data == nil {
			return nil
		}
		g = &model.Graph{}
		return json.Unmarshal(data, g)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *BoltStore) ListInProgressGraphs(ctx context.Context) ([]*model.Graph, error) {
	var out []*model.Graph
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGraphs).ForEach(func(_, v []byte) error {
			var g model.Graph
			if err := json.Unmarshal(v, &g); err != nil {
				return nil
			}
			if g.InProgress() {
				out = append(out, &g)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) ReplaceGraph(ctx context.Context, id string, next *model.Graph, ifMatchGraphVersion int64) (*model.Graph, error) {
	var stored model.Graph
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketGraphs)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("graph %s not found", id)
		}
		var current model.Graph
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.GraphVersion != ifMatchGraphVersion {
			return &GraphVersionConflictError{GraphID: id, ExpectedVersion: ifMatchGraphVersion, ActualVersion: current.GraphVersion}
		}
		stored = *next
		stored.ID = id
		stored.CreatedAt = current.CreatedAt
		stored.GraphVersion = current.GraphVersion + 1
		stored.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), out)
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *BoltStore) AppendEvent(ctx context.Context, id string, event model.Event) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		graphBucket, err := tx.Bucket(bucketEvents).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}
		seq, err := graphBucket.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return graphBucket.Put(seqKey(seq), data)
	})
}

func (s *BoltStore) GetEvents(ctx context.Context, id string) ([]model.Event, error) {
	var out []model.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		graphBucket := tx.Bucket(bucketEvents).Bucket([]byte(id))
		if graphBucket == nil {
			return nil
		}
		return graphBucket.ForEach(func(_, v []byte) error {
			var ev model.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return nil
			}
			out = append(out, ev)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
