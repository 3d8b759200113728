// Package store implements the Artifact Store (§4.A): a content-addressed
// filesystem layout for projects, tasks, runs, and events, with per-task
// locking and run recovery. It is the orchestrator's single logical
// filesystem root, grounded on the teacher's bbolt-backed WorkflowStore
// (persistence.go) for the run-index cache layered on top of the
// plain-file layout the spec mandates as the source of truth.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

// Store is the filesystem-backed artifact store rooted at a single
// directory. The bbolt index caches finalized run metas for
// CachedRunMetas without becoming the source of truth: every fact it holds
// is reconstructible by walking the filesystem. FindIncompleteRuns and
// BuildRunIndexEntry walk the filesystem and do not consult it.
type Store struct {
	root  string
	index *bbolt.DB
}

var bucketRunIndex = []byte("run_index")

// New opens (creating if absent) the artifact store rooted at rootDir,
// along with its bbolt run-index cache at <rootDir>/.index.db.
func New(rootDir string) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(rootDir, ".index.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open run index: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRunIndex)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create run index bucket: %w", err)
	}
	return &Store{root: rootDir, index: db}, nil
}

// Close releases the store's index handle.
func (s *Store) Close() error {
	return s.index.Close()
}

func (s *Store) taskDir(projectSlug, taskSlug string) string {
	return filepath.Join(s.projectDir(projectSlug), taskSlug)
}

// TaskRef identifies one task directory under the store root.
type TaskRef struct {
	ProjectSlug string
	TaskSlug    string
}

// ListTaskRefs walks the store root for every project/task directory that
// has a task state.json, so a daemon-startup sweep (e.g. incomplete-run
// recovery, §3.3) can visit every task without a separate index.
func (s *Store) ListTaskRefs() ([]TaskRef, error) {
	projectEntries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var refs []TaskRef
	for _, pe := range projectEntries {
		if !pe.IsDir() {
			continue
		}
		projectSlug := pe.Name()
		taskEntries, err := os.ReadDir(s.projectDir(projectSlug))
		if err != nil {
			continue
		}
		for _, te := range taskEntries {
			if !te.IsDir() {
				continue
			}
			taskSlug := te.Name()
			if !fileExists(s.taskStatePath(projectSlug, taskSlug)) {
				continue
			}
			refs = append(refs, TaskRef{ProjectSlug: projectSlug, TaskSlug: taskSlug})
		}
	}
	return refs, nil
}
