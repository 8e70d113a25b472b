// Package pubsub provides a Google Cloud Pub/Sub backed task queue for
// scale-out deployments where workers run in separate processes.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	gcppubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/ecotrace/ecotrace/internal/carbon"
)

// Config identifies the topic/subscription pair backing one partition.
type Config struct {
	ProjectID    string
	Topic        string
	Subscription string
}

// Queue implements carbon.Queue on a Pub/Sub topic. Redelivery after an
// ack deadline lapse gives at-least-once semantics; the pipeline stages
// are idempotent with respect to the artifact cache, so replays are safe.
type Queue struct {
	client *gcppubsub.Client
	topic  *gcppubsub.Topic
	sub    *gcppubsub.Subscription
	logger *zap.Logger

	tasks chan carbon.Task

	startOnce sync.Once
	cancelRun context.CancelFunc
}

// New connects to Pub/Sub and verifies the topic and subscription exist.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" || cfg.Subscription == "" {
		return nil, fmt.Errorf("pubsub queue requires project, topic, and subscription")
	}
	client, err := gcppubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(cfg.Topic)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check topic %q: %w", cfg.Topic, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist", cfg.Topic)
	}

	sub := client.Subscription(cfg.Subscription)
	ok, err = sub.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check subscription %q: %w", cfg.Subscription, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub subscription %q does not exist", cfg.Subscription)
	}

	return &Queue{
		client: client,
		topic:  topic,
		sub:    sub,
		logger: logger,
		tasks:  make(chan carbon.Task),
	}, nil
}

// Enqueue publishes the task and waits for broker acknowledgment, so a
// successful return means the task is durably queued.
func (q *Queue) Enqueue(ctx context.Context, task carbon.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	result := q.topic.Publish(ctx, &gcppubsub.Message{Data: payload})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// Dequeue returns the next task delivered by the subscription. The
// receive loop starts lazily on first call.
func (q *Queue) Dequeue(ctx context.Context) (carbon.Task, error) {
	q.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.Background())
		q.cancelRun = cancel
		go q.receive(runCtx)
	})

	select {
	case <-ctx.Done():
		return carbon.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task := <-q.tasks:
		return task, nil
	}
}

func (q *Queue) receive(ctx context.Context) {
	err := q.sub.Receive(ctx, func(ctx context.Context, msg *gcppubsub.Message) {
		var task carbon.Task
		if err := json.Unmarshal(msg.Data, &task); err != nil {
			q.logger.Warn("dropping malformed task message", zap.Error(err))
			msg.Ack()
			return
		}
		select {
		case q.tasks <- task:
			msg.Ack()
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		q.logger.Error("pubsub receive loop exited", zap.Error(err))
	}
}

// Close stops the receive loop and releases the client.
func (q *Queue) Close() error {
	if q.cancelRun != nil {
		q.cancelRun()
	}
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
