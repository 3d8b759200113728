package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/swarmguard/agx/internal/slugify"
)

// ProjectState is the persisted state.json for a project directory.
// CloudID/CloudName are identity fields: WriteProjectState always
// overwrites them with the caller's values (never merges) so identity
// drift between the local mirror and the remote project is detectable
// rather than silently absorbed. Extra carries forward-compat fields and
// merges key-by-key.
type ProjectState struct {
	Slug      string                 `json:"slug"`
	CloudID   string                 `json:"cloud_id"`
	CloudName string                 `json:"cloud_name,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

func (s *Store) projectDir(projectSlug string) string {
	return filepath.Join(s.root, projectSlug)
}

func (s *Store) projectStatePath(projectSlug string) string {
	return filepath.Join(s.projectDir(projectSlug), "state.json")
}

// ReadProjectState loads a project's state.json. A missing file returns a
// zero-value state with the slug set and no error.
func (s *Store) ReadProjectState(projectSlug string) (ProjectState, error) {
	path := s.projectStatePath(projectSlug)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ProjectState{Slug: projectSlug}, nil
	}
	if err != nil {
		return ProjectState{}, err
	}
	var st ProjectState
	if err := json.Unmarshal(data, &st); err != nil {
		return ProjectState{}, err
	}
	return st, nil
}

// WriteProjectState merges partial into the existing state: CloudID and
// CloudName are always taken from partial (identity fields are never
// merge-preserved), Extra keys present in partial overwrite, absent keys
// are preserved from the existing state.
func (s *Store) WriteProjectState(projectSlug string, partial ProjectState) (ProjectState, error) {
	existing, err := s.ReadProjectState(projectSlug)
	if err != nil {
		return ProjectState{}, err
	}

	merged := existing
	merged.Slug = projectSlug
	merged.CloudID = partial.CloudID
	merged.CloudName = partial.CloudName
	merged.UpdatedAt = time.Now().UTC()
	if len(partial.Extra) > 0 {
		if merged.Extra == nil {
			merged.Extra = map[string]interface{}{}
		}
		for k, v := range partial.Extra {
			merged.Extra[k] = v
		}
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return ProjectState{}, err
	}
	if err := atomicWriteFile(s.projectStatePath(projectSlug), data, 0o644); err != nil {
		return ProjectState{}, err
	}
	return merged, nil
}

// ResolveProjectSlug maps a cloud project's title/id to a restart-stable
// directory slug. The base title slug is reused across restarts as long
// as it either has no state.json yet or state.json's cloud_id matches;
// a different cloud id landing on the same base slug is a genuine
// collision and gets the hash-derived suffix (§3.2).
func (s *Store) ResolveProjectSlug(title, cloudID string) (string, error) {
	base := slugify.Slugify(title, 0)
	existing, err := s.ReadProjectState(base)
	if err != nil {
		return "", err
	}
	if existing.CloudID == "" || existing.CloudID == cloudID {
		return base, nil
	}
	return slugify.ProjectSlug(title, cloudID, true, 0), nil
}
