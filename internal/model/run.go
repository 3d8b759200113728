package model

import (
	"encoding/json"
	"time"
)

// RunStage is the sub-run's role within a run container.
type RunStage string

const (
	RunStagePlan    RunStage = "plan"
	RunStageExecute RunStage = "execute"
	RunStageVerify  RunStage = "verify"
	RunStageResume  RunStage = "resume"
)

// RunStatus is a run's lifecycle state.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusDone     RunStatus = "done"
	RunStatusContinue RunStatus = "continue"
	RunStatusFailed   RunStatus = "failed"
	RunStatusBlocked  RunStatus = "blocked"
)

// RunMeta is the persisted meta.json shape for one sub-run.
type RunMeta struct {
	RunID     string    `json:"run_id"`
	Stage     RunStage  `json:"stage"`
	Engine    string    `json:"engine"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Status    RunStatus `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Finalized bool      `json:"finalized"`
}

// Run is the in-memory handle returned by the artifact store's createRun.
// ProjectSlug/TaskSlug/ContainerID locate the run on disk; Meta is the
// mutable lifecycle record that gets rewritten on finalize.
type Run struct {
	ProjectSlug string
	TaskSlug    string
	ContainerID string
	Meta        RunMeta
}

// ArtifactManifestEntry describes one file recorded in a run index entry.
type ArtifactManifestEntry struct {
	Kind   string `json:"kind"` // artifact | prompt | output | events
	Key    string `json:"key"`  // local://<host><abs-path>
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256,omitempty"`
}

// RunIndexEntry is the §4.D.4 shape posted alongside task completion.
type RunIndexEntry struct {
	RunID             string                  `json:"run_id"`
	Stage             RunStage                `json:"stage"`
	Engine            string                  `json:"engine"`
	Model             string                  `json:"model,omitempty"`
	Status            RunStatus               `json:"status"`
	CreatedAt         time.Time               `json:"created_at"`
	ArtifactManifest  []ArtifactManifestEntry `json:"artifact_manifest"`
}

// Event is one line of a run's events.ndjson or a graph's event log. It
// flattens into a single JSON object: eventType/timestamp plus whatever
// type-specific fields were set via Set, mirroring the append-only
// line-delimited records spec'd for both run and graph event logs.
type Event struct {
	EventType string
	Timestamp time.Time
	Fields    map[string]interface{}
}

// NewEvent starts an event with the two fields every record carries.
func NewEvent(eventType string, ts time.Time) Event {
	return Event{EventType: eventType, Timestamp: ts, Fields: map[string]interface{}{}}
}

// Set attaches a type-specific field and returns the event for chaining.
func (e Event) Set(key string, value interface{}) Event {
	e.Fields[key] = value
	return e
}

// MarshalJSON flattens EventType/Timestamp and Fields into one object.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["eventType"] = e.EventType
	out["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// UnmarshalJSON reconstructs an Event from a flattened JSON object.
func (e *Event) UnmarshalJSON(data []byte) error {
	raw := map[string]interface{}{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["eventType"].(string); ok {
		e.EventType = v
		delete(raw, "eventType")
	}
	if v, ok := raw["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.Timestamp = ts
		}
		delete(raw, "timestamp")
	}
	e.Fields = raw
	return nil
}
