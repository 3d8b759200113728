package graph

import "context"

// TickJob is the payload carried by a tick queue job (§4.F.2/§4.F.3): one
// graph to re-evaluate.
type TickJob struct {
	GraphID string `json:"graphId"`
}

// SendOptions controls a send's dedup key and expiry (§4.F.2). A
// SingletonKey caps the queue at one pending job per key; ExpireInSeconds
// bounds how long a job can sit undelivered before it's dropped.
type SendOptions struct {
	SingletonKey    string
	ExpireInSeconds int
}

// Handler processes one delivered job. An error leaves the job for
// redelivery, so handlers must be idempotent with respect to the graph's
// version (§4.F.2) — replaying a tick against an already-advanced graph
// is a correctness requirement, not an edge case.
type Handler func(ctx context.Context, job TickJob) error

// TickQueue is the durable tick-delivery contract both the bbolt-backed
// and NATS JetStream-backed implementations satisfy (§4.F.2).
type TickQueue interface {
	Send(ctx context.Context, queue string, job TickJob, opts SendOptions) error
	// Work polls queue for jobs in batches of batchSize, invoking handler
	// per job, until ctx is done.
	Work(ctx context.Context, queue string, batchSize int, handler Handler) error
	Close() error
}
