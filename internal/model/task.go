// Package model defines the orchestrator's data shapes: the remote task
// mirror, local run/graph records, and the decision payload the verifier
// produces. None of these types own business logic beyond normalization
// helpers; they are the vocabulary the rest of internal/ shares.
package model

import "time"

// Stage is a task's position in its lifecycle.
type Stage string

const (
	StageIdeation     Stage = "ideation"
	StagePlanning     Stage = "planning"
	StageExecution    Stage = "execution"
	StageVerification Stage = "verification"
	StageDone         Stage = "done"
)

// Status is the task's remote lifecycle status.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ProjectRef identifies the cloud project a task belongs to.
type ProjectRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Task is the authoritative remote record. The orchestrator holds only
// per-run copies of it; ownership lives in the task service.
type Task struct {
	ID        string     `json:"id"`
	Slug      string     `json:"slug"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Stage     Stage      `json:"stage"`
	Status    Status     `json:"status"`
	Provider  string     `json:"provider,omitempty"`
	Model     string     `json:"model,omitempty"`
	Swarm     bool       `json:"swarm"`
	Project   ProjectRef `json:"project"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Comment is a task-service comment entry.
type Comment struct {
	ID          string    `json:"id"`
	AuthorType  string    `json:"author_type"`
	CreatedAt   time.Time `json:"created_at"`
	Content     string    `json:"content"`
}

// LogEntry is a task-service log line.
type LogEntry struct {
	CreatedAt time.Time `json:"created_at"`
	LogType   string    `json:"log_type"`
	Content   string    `json:"content"`
}
