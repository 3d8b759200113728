package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/swarmguard/agx/internal/model"
)

// CreateRunParams are the inputs to CreateRun.
type CreateRunParams struct {
	ProjectSlug string
	TaskSlug    string
	Stage       model.RunStage
	RunID       string // reused to link an execute+verify pair into one container
	Engine      string
	Model       string
}

func (s *Store) containerDir(projectSlug, taskSlug, containerID string) string {
	return filepath.Join(s.taskDir(projectSlug, taskSlug), "runs", containerID)
}

func (s *Store) stageDir(projectSlug, taskSlug, containerID string, stage model.RunStage) string {
	return filepath.Join(s.containerDir(projectSlug, taskSlug, containerID), string(stage))
}

func stageMetaPath(stageDir string) string   { return filepath.Join(stageDir, "meta.json") }
func stagePromptPath(stageDir string) string { return filepath.Join(stageDir, "prompt.md") }
func stageOutputPath(stageDir string) string { return filepath.Join(stageDir, "output.md") }
func stageDecisionPath(stageDir string) string { return filepath.Join(stageDir, "decision.json") }
func stageEventsPath(stageDir string) string { return filepath.Join(stageDir, "events.ndjson") }

// CreateRun materializes a sub-run's directory skeleton under a run
// container (creating the container on first use) and writes an initial
// meta.json. If RunID is empty a fresh id is generated.
func (s *Store) CreateRun(p CreateRunParams) (*model.Run, error) {
	containerID := p.RunID
	if containerID == "" {
		containerID = uuid.NewString()
	}

	stageDir := s.stageDir(p.ProjectSlug, p.TaskSlug, containerID, p.Stage)
	if err := os.MkdirAll(filepath.Join(stageDir, "artifacts"), 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	planDir := filepath.Join(s.containerDir(p.ProjectSlug, p.TaskSlug, containerID), "plan")
	if err := os.MkdirAll(planDir, 0o755); err != nil {
		return nil, fmt.Errorf("create plan dir: %w", err)
	}

	meta := model.RunMeta{
		RunID:     containerID,
		Stage:     p.Stage,
		Engine:    p.Engine,
		Model:     p.Model,
		CreatedAt: time.Now().UTC(),
		Status:    model.RunStatusRunning,
	}
	if err := writeRunMeta(stageDir, meta); err != nil {
		return nil, err
	}

	// events.ndjson is append-only; create it empty so appendEvent can
	// always open-for-append without checking existence first.
	if !fileExists(stageEventsPath(stageDir)) {
		f, err := os.OpenFile(stageEventsPath(stageDir), os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		f.Close()
	}

	return &model.Run{
		ProjectSlug: p.ProjectSlug,
		TaskSlug:    p.TaskSlug,
		ContainerID: containerID,
		Meta:        meta,
	}, nil
}

func writeRunMeta(stageDir string, meta model.RunMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(stageMetaPath(stageDir), data, 0o644)
}

func (s *Store) stageDirFor(run *model.Run) string {
	return s.stageDir(run.ProjectSlug, run.TaskSlug, run.ContainerID, run.Meta.Stage)
}

// WritePlan writes plan/plan.md at the run container level (shared by
// every sub-run under that container), per §4.D.3.
func (s *Store) WritePlan(run *model.Run, text string) error {
	path := filepath.Join(s.containerDir(run.ProjectSlug, run.TaskSlug, run.ContainerID), "plan", "plan.md")
	return atomicWriteFile(path, []byte(text), 0o644)
}

// LogArtifactError appends an ISO-timestamped line to
// <runContainer>/daemon/artifact_errors.log. Per §4.D.3, an artifact write
// failure is logged here and never aborts the iteration loop.
func (s *Store) LogArtifactError(run *model.Run, msg string) {
	dir := filepath.Join(s.containerDir(run.ProjectSlug, run.TaskSlug, run.ContainerID), "daemon")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), msg)
	f, err := os.OpenFile(filepath.Join(dir, "artifact_errors.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line)
}

// WritePrompt writes prompt.md for the run and appends an event recording it.
func (s *Store) WritePrompt(run *model.Run, text string, event model.Event) error {
	dir := s.stageDirFor(run)
	if err := atomicWriteFile(stagePromptPath(dir), []byte(text), 0o644); err != nil {
		return err
	}
	return s.AppendEvent(stageEventsPath(dir), event)
}

// WriteOutput writes output.md for the run.
func (s *Store) WriteOutput(run *model.Run, text string) error {
	dir := s.stageDirFor(run)
	return atomicWriteFile(stageOutputPath(dir), []byte(text), 0o644)
}

// WriteArtifact writes bytes at relPath under the run's artifacts/ dir.
func (s *Store) WriteArtifact(run *model.Run, relPath string, data []byte) error {
	dir := s.stageDirFor(run)
	path := filepath.Join(dir, "artifacts", relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// WriteDecision writes decision.json for the run.
func (s *Store) WriteDecision(run *model.Run, decision model.Decision) error {
	dir := s.stageDirFor(run)
	data, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(stageDecisionPath(dir), data, 0o644)
}

// AppendEvent appends a line-delimited JSON event, newline-terminated.
func (s *Store) AppendEvent(eventsPath string, event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(eventsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// AppendRunEvent is a convenience wrapper locating the run's own events.ndjson.
func (s *Store) AppendRunEvent(run *model.Run, event model.Event) error {
	return s.AppendEvent(stageEventsPath(s.stageDirFor(run)), event)
}

// FinalizeRun updates meta.json to a terminal status, emits a terminal
// event, and marks the handle finalized. A second call is a no-op.
func (s *Store) FinalizeRun(run *model.Run, status model.RunStatus, reason string) error {
	if run.Meta.Finalized {
		return nil
	}
	dir := s.stageDirFor(run)
	run.Meta.Status = status
	run.Meta.Reason = reason
	run.Meta.Finalized = true
	if err := writeRunMeta(dir, run.Meta); err != nil {
		return err
	}

	f, err := os.OpenFile(stageEventsPath(dir), os.O_APPEND|os.O_WRONLY, 0o644)
	if err == nil {
		ev := model.NewEvent("run_finalized", time.Now().UTC()).Set("status", string(status)).Set("reason", reason)
		data, _ := json.Marshal(ev)
		f.Write(append(data, '\n'))
		f.Sync()
		f.Close()
	}

	s.recordRunIndexCache(run)
	return nil
}

// FailRun is shorthand for FinalizeRun(run, failed, error) plus an error event.
func (s *Store) FailRun(run *model.Run, errMsg string, code string) error {
	dir := s.stageDirFor(run)
	ev := model.NewEvent("error", time.Now().UTC()).Set("error", errMsg).Set("code", code)
	_ = s.AppendEvent(stageEventsPath(dir), ev)
	return s.FinalizeRun(run, model.RunStatusFailed, errMsg)
}

// FindIncompleteRuns lists sub-runs under a task whose meta.json lacks a
// terminal (finalized) status.
func (s *Store) FindIncompleteRuns(projectSlug, taskSlug string) ([]*model.Run, error) {
	runsDir := filepath.Join(s.taskDir(projectSlug, taskSlug), "runs")
	entries, err := os.ReadDir(runsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var incomplete []*model.Run
	for _, containerEntry := range entries {
		if !containerEntry.IsDir() {
			continue
		}
		containerID := containerEntry.Name()
		stageEntries, err := os.ReadDir(filepath.Join(runsDir, containerID))
		if err != nil {
			continue
		}
		for _, stageEntry := range stageEntries {
			if !stageEntry.IsDir() || stageEntry.Name() == "plan" {
				continue
			}
			stageDir := filepath.Join(runsDir, containerID, stageEntry.Name())
			metaPath := stageMetaPath(stageDir)
			data, err := os.ReadFile(metaPath)
			if err != nil {
				continue
			}
			var meta model.RunMeta
			if json.Unmarshal(data, &meta) != nil {
				continue
			}
			if meta.Finalized {
				continue
			}
			incomplete = append(incomplete, &model.Run{
				ProjectSlug: projectSlug,
				TaskSlug:    taskSlug,
				ContainerID: containerID,
				Meta:        meta,
			})
		}
	}
	return incomplete, nil
}

// CreateRecoveryRun writes a new resume run referencing the abandoned one
// and finalizes the abandoned run as failed with reason "daemon_restart".
func (s *Store) CreateRecoveryRun(projectSlug, taskSlug string, incomplete *model.Run) (*model.Run, error) {
	if err := s.FinalizeRun(incomplete, model.RunStatusFailed, "daemon_restart"); err != nil {
		return nil, err
	}
	resume, err := s.CreateRun(CreateRunParams{
		ProjectSlug: projectSlug,
		TaskSlug:    taskSlug,
		Stage:       model.RunStageResume,
		Engine:      incomplete.Meta.Engine,
		Model:       incomplete.Meta.Model,
	})
	if err != nil {
		return nil, err
	}
	ev := model.NewEvent("recovery_created", time.Now().UTC()).
		Set("abandoned_run_id", incomplete.Meta.RunID).
		Set("abandoned_stage", string(incomplete.Meta.Stage))
	_ = s.AppendRunEvent(resume, ev)
	return resume, nil
}
