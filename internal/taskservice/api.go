package taskservice

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/swarmguard/agx/internal/model"
)

// PollQueue polls GET /api/queue for the next claimed task, or nil if the
// queue is empty.
func (c *Client) PollQueue(ctx context.Context) (*model.Task, error) {
	var out struct {
		Task *model.Task `json:"task"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/queue", nil, &out); err != nil {
		return nil, err
	}
	return out.Task, nil
}

// ListTasks fetches GET /api/tasks and refreshes the resolveTaskId cache.
func (c *Client) ListTasks(ctx context.Context) ([]model.Task, error) {
	var out struct {
		Tasks []model.Task `json:"tasks"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/tasks", nil, &out); err != nil {
		return nil, err
	}
	c.cacheMu.Lock()
	c.cachedTasks = out.Tasks
	c.cacheMu.Unlock()
	return out.Tasks, nil
}

// GetTaskBySlug fetches GET /api/tasks?slug=<slug>, returning nil if absent.
func (c *Client) GetTaskBySlug(ctx context.Context, slug string) (*model.Task, error) {
	var out struct {
		Task *model.Task `json:"task"`
	}
	path := fmt.Sprintf("/api/tasks?slug=%s", slug)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Task, nil
}

// GetTask fetches GET /api/tasks/:id.
func (c *Client) GetTask(ctx context.Context, id string) (model.Task, error) {
	var out struct {
		Task model.Task `json:"task"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/tasks/"+id, nil, &out); err != nil {
		return model.Task{}, err
	}
	return out.Task, nil
}

// GetComments fetches GET /api/tasks/:id/comments.
func (c *Client) GetComments(ctx context.Context, id string) ([]model.Comment, error) {
	var out struct {
		Comments []model.Comment `json:"comments"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/tasks/"+id+"/comments", nil, &out); err != nil {
		return nil, err
	}
	return out.Comments, nil
}

// GetLogs fetches GET /api/tasks/:id/logs, optionally bounded to the last N.
func (c *Client) GetLogs(ctx context.Context, id string, tail int) ([]model.LogEntry, error) {
	path := "/api/tasks/" + id + "/logs"
	if tail > 0 {
		path = fmt.Sprintf("%s?tail=%d", path, tail)
	}
	var out struct {
		Logs []model.LogEntry `json:"logs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// PostLog posts POST /api/tasks/:id/logs.
func (c *Client) PostLog(ctx context.Context, id, content, logType string) error {
	body := map[string]string{"content": content, "log_type": logType}
	return c.doJSON(ctx, http.MethodPost, "/api/tasks/"+id+"/logs", body, nil)
}

// PostComment posts POST /api/tasks/:id/comments.
func (c *Client) PostComment(ctx context.Context, id, content string) error {
	body := map[string]string{"content": content}
	return c.doJSON(ctx, http.MethodPost, "/api/tasks/"+id+"/comments", body, nil)
}

// TaskPatch is the partial state accepted by PATCH /api/tasks/:id.
type TaskPatch struct {
	Status      *model.Status `json:"status,omitempty"`
	Stage       *model.Stage  `json:"stage,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// PatchTask issues PATCH /api/tasks/:id.
func (c *Client) PatchTask(ctx context.Context, id string, patch TaskPatch) error {
	return c.doJSON(ctx, http.MethodPatch, "/api/tasks/"+id, patch, nil)
}

// CompletionRequest is the §4.B completion payload.
type CompletionRequest struct {
	TaskID       string               `json:"taskId"`
	Log          string               `json:"log"`
	Decision     model.DecisionKind   `json:"decision"`
	FinalResult  string               `json:"final_result"`
	Explanation  string               `json:"explanation"`
	ArtifactPath string               `json:"artifact_path,omitempty"`
	ArtifactHost string               `json:"artifact_host,omitempty"`
	ArtifactKey  string               `json:"artifact_key,omitempty"`
	RunEntry     *model.RunIndexEntry `json:"run_entry,omitempty"`
}

// CompletionResponse is POST /api/queue/complete's response.
type CompletionResponse struct {
	Task     model.Task `json:"task"`
	NewStage string     `json:"newStage"`
}

// Complete posts POST /api/queue/complete.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	var out CompletionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/queue/complete", req, &out); err != nil {
		return CompletionResponse{}, err
	}
	return out, nil
}
