package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsQueue is a JetStream-backed TickQueue for multi-daemon deployments
// where a single bbolt file can't be shared across processes. Dedup uses
// JetStream's message-ID window, keyed on the caller's singleton key, in
// place of BoltQueue's scan-before-insert.
type NatsQueue struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

func NewNatsQueue(url string) (*NatsQueue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}
	return &NatsQueue{nc: nc, js: js}, nil
}

func (q *NatsQueue) Close() error {
	q.nc.Close()
	return nil
}

func streamName(queue string) string  { return "AGX_TICK_" + queue }
func subjectName(queue string) string { return "agx.tick." + queue }

func (q *NatsQueue) ensureStream(queue string, dupWindow time.Duration) error {
	name := streamName(queue)
	if _, err := q.js.StreamInfo(name); err == nil {
		return nil
	}
	_, err := q.js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   []string{subjectName(queue)},
		Duplicates: dupWindow,
		Retention:  nats.WorkQueuePolicy,
	})
	return err
}

func (q *NatsQueue) Send(ctx context.Context, queue string, job TickJob, opts SendOptions) error {
	expireSeconds := opts.ExpireInSeconds
	if expireSeconds <= 0 {
		expireSeconds = 60
	}
	if err := q.ensureStream(queue, time.Duration(expireSeconds)*time.Second); err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(subjectName(queue))
	msg.Data = data
	if opts.SingletonKey != "" {
		msg.Header.Set(nats.MsgIdHdr, opts.SingletonKey)
	}
	_, err = q.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

// Work pulls batches from a durable consumer and invokes handler per
// message, acking on success and nak'ing on failure so JetStream
// redelivers it (§4.F.3 step 7's at-least-once requirement).
func (q *NatsQueue) Work(ctx context.Context, queue string, batchSize int, handler Handler) error {
	if batchSize <= 0 {
		batchSize = 1
	}
	name := streamName(queue)
	if err := q.ensureStream(queue, time.Minute); err != nil {
		return err
	}
	sub, err := q.js.PullSubscribe(subjectName(queue), "agx-tick-driver", nats.BindStream(name))
	if err != nil {
		return fmt.Errorf("pull subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		msgs, err := sub.Fetch(batchSize, nats.MaxWait(2*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			return fmt.Errorf("fetch: %w", err)
		}
		for _, msg := range msgs {
			var job TickJob
			if jerr := json.Unmarshal(msg.Data, &job); jerr != nil {
				_ = msg.Ack()
				continue
			}
			if herr := handler(ctx, job); herr != nil {
				_ = msg.Nak()
				continue
			}
			_ = msg.Ack()
		}
	}
}
