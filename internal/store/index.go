package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
	"github.com/swarmguard/agx/internal/model"
)

// BuildRunIndexEntry walks a sub-run's files and produces the §4.D.4 run
// index entry: an artifact manifest with a local:// URI per file and a
// sha256 digest, omitted for files over shaMaxBytes.
func (s *Store) BuildRunIndexEntry(run *model.Run, shaMaxBytes int64) (model.RunIndexEntry, error) {
	dir := s.stageDirFor(run)
	host, _ := os.Hostname()

	entry := model.RunIndexEntry{
		RunID:     run.Meta.RunID,
		Stage:     run.Meta.Stage,
		Engine:    run.Meta.Engine,
		Model:     run.Meta.Model,
		Status:    run.Meta.Status,
		CreatedAt: run.Meta.CreatedAt,
	}

	add := func(kind, path string) error {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		manifestEntry := model.ArtifactManifestEntry{
			Kind:  kind,
			Key:   fmt.Sprintf("local://%s%s", host, abs),
			Bytes: info.Size(),
		}
		if info.Size() <= shaMaxBytes {
			sum, err := sha256File(path)
			if err != nil {
				return err
			}
			manifestEntry.SHA256 = sum
		}
		entry.ArtifactManifest = append(entry.ArtifactManifest, manifestEntry)
		return nil
	}

	if err := add("prompt", stagePromptPath(dir)); err != nil {
		return entry, err
	}
	if err := add("output", stageOutputPath(dir)); err != nil {
		return entry, err
	}
	if err := add("events", stageEventsPath(dir)); err != nil {
		return entry, err
	}

	artifactsDir := filepath.Join(dir, "artifacts")
	_ = filepath.Walk(artifactsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		return add("artifact", path)
	})

	return entry, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func runIndexCacheKey(run *model.Run) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s/%s", run.ProjectSlug, run.TaskSlug, run.ContainerID, run.Meta.Stage))
}

// recordRunIndexCache mirrors the finalized run's meta into bbolt so run
// listing/metrics can avoid a filesystem walk. Best-effort: failures are
// swallowed since the filesystem remains the source of truth.
func (s *Store) recordRunIndexCache(run *model.Run) {
	data, err := json.Marshal(run.Meta)
	if err != nil {
		return
	}
	_ = s.index.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRunIndex)
		return b.Put(runIndexCacheKey(run), data)
	})
}

// CachedRunMetas returns every finalized run meta recorded in the bbolt
// cache for a task, in key order (container id, then stage), not write
// order; bbolt keeps keys sorted, so recency requires sorting by CreatedAt.
func (s *Store) CachedRunMetas(projectSlug, taskSlug string) ([]model.RunMeta, error) {
	prefix := []byte(fmt.Sprintf("%s/%s/", projectSlug, taskSlug))
	var metas []model.RunMeta
	err := s.index.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRunIndex).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var m model.RunMeta
			if json.Unmarshal(v, &m) == nil {
				metas = append(metas, m)
			}
		}
		return nil
	})
	return metas, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
