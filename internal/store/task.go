package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/swarmguard/agx/internal/model"
)

// TaskState is the persisted state.json for a task directory: the local
// mirror of the remote Task plus orchestrator-owned bookkeeping.
type TaskState struct {
	TaskSlug    string                 `json:"task_slug"`
	CloudTaskID string                 `json:"cloud_task_id"`
	UserRequest string                 `json:"user_request,omitempty"`
	Goal        string                 `json:"goal,omitempty"`
	Stage       model.Stage            `json:"stage,omitempty"`
	Status      model.Status           `json:"status,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// CreateTaskParams are the inputs to CreateTask.
type CreateTaskParams struct {
	UserRequest string
	Goal        string
	TaskSlug    string
}

func (s *Store) taskStatePath(projectSlug, taskSlug string) string {
	return filepath.Join(s.taskDir(projectSlug, taskSlug), "state.json")
}

// CreateTask materializes a task directory and writes its initial
// state.json. Safe to call again for the same slug (idempotent upsert of
// user_request/goal, lifecycle fields untouched).
func (s *Store) CreateTask(projectSlug string, p CreateTaskParams) (TaskState, error) {
	dir := s.taskDir(projectSlug, p.TaskSlug)
	if err := os.MkdirAll(filepath.Join(dir, "runs"), 0o755); err != nil {
		return TaskState{}, fmt.Errorf("create task dir: %w", err)
	}

	existing, err := s.ReadTaskState(projectSlug, p.TaskSlug)
	if err != nil {
		return TaskState{}, err
	}

	st := existing
	st.TaskSlug = p.TaskSlug
	if p.UserRequest != "" {
		st.UserRequest = p.UserRequest
	}
	if p.Goal != "" {
		st.Goal = p.Goal
	}
	if st.Stage == "" {
		st.Stage = model.StageIdeation
	}
	if st.Status == "" {
		st.Status = model.StatusQueued
	}
	st.UpdatedAt = time.Now().UTC()

	if err := s.writeTaskState(projectSlug, p.TaskSlug, st); err != nil {
		return TaskState{}, err
	}
	return st, nil
}

// ReadTaskState loads a task's state.json. A missing file returns a
// zero-value state with TaskSlug set and no error.
func (s *Store) ReadTaskState(projectSlug, taskSlug string) (TaskState, error) {
	data, err := os.ReadFile(s.taskStatePath(projectSlug, taskSlug))
	if os.IsNotExist(err) {
		return TaskState{TaskSlug: taskSlug}, nil
	}
	if err != nil {
		return TaskState{}, err
	}
	var st TaskState
	if err := json.Unmarshal(data, &st); err != nil {
		return TaskState{}, err
	}
	return st, nil
}

// UpdateTaskState merges partial over the existing state: non-zero scalar
// fields overwrite, Extra keys present in partial overwrite, everything
// else is preserved.
func (s *Store) UpdateTaskState(projectSlug, taskSlug string, partial TaskState) (TaskState, error) {
	existing, err := s.ReadTaskState(projectSlug, taskSlug)
	if err != nil {
		return TaskState{}, err
	}

	merged := existing
	merged.TaskSlug = taskSlug
	if partial.CloudTaskID != "" {
		merged.CloudTaskID = partial.CloudTaskID
	}
	if partial.UserRequest != "" {
		merged.UserRequest = partial.UserRequest
	}
	if partial.Goal != "" {
		merged.Goal = partial.Goal
	}
	if partial.Stage != "" {
		merged.Stage = partial.Stage
	}
	if partial.Status != "" {
		merged.Status = partial.Status
	}
	if len(partial.Extra) > 0 {
		if merged.Extra == nil {
			merged.Extra = map[string]interface{}{}
		}
		for k, v := range partial.Extra {
			merged.Extra[k] = v
		}
	}
	merged.UpdatedAt = time.Now().UTC()

	if err := s.writeTaskState(projectSlug, taskSlug, merged); err != nil {
		return TaskState{}, err
	}
	return merged, nil
}

func (s *Store) writeTaskState(projectSlug, taskSlug string, st TaskState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(s.taskStatePath(projectSlug, taskSlug), data, 0o644)
}

// WriteWorkingSet writes the rendered working_set.md for a task.
func (s *Store) WriteWorkingSet(projectSlug, taskSlug, content string) error {
	path := filepath.Join(s.taskDir(projectSlug, taskSlug), "working_set.md")
	return atomicWriteFile(path, []byte(content), 0o644)
}
