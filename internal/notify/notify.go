// Package notify fans workflow notifications out to a queue. Delivery to
// people (mail, chat) happens in the worker, outside the request path.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"

	"journalflow/internal/config"
)

// TaskType is the asynq task type carrying a Notification.
const TaskType = "journalflow:notify"

// Notification kinds.
const (
	KindTransition   = "manuscript.transition"
	KindGalleyReady  = "production.galley_ready"
	KindProofAnswer  = "production.author_responded"
	KindCycleApprove = "production.cycle_approved"
	KindReviewInvite = "reviewer.invited"
	KindPaymentDone  = "invoice.paid"
)

type Notification struct {
	Kind         string         `json:"kind"`
	JournalID    string         `json:"journal_id"`
	ManuscriptID string         `json:"manuscript_id"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	At           string         `json:"at"`
}

// Dispatcher hands a notification off for delivery. Implementations must not
// block on the final recipient.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Dispatch(context.Context, Notification) error { return nil }

// Recorder keeps notifications in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Dispatch(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// NewTask encodes n as an asynq task.
func NewTask(n Notification) (*asynq.Task, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return asynq.NewTask(TaskType, data), nil
}

// Asynq enqueues notifications on Redis.
type Asynq struct {
	client   *asynq.Client
	queue    string
	maxRetry int
}

func RedisOpt(cfg config.NotifyConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB}
}

func NewAsynq(cfg config.NotifyConfig) *Asynq {
	queue := cfg.Queue
	if queue == "" {
		queue = "notifications"
	}
	retry := cfg.MaxRetry
	if retry <= 0 {
		retry = 5
	}
	return &Asynq{client: asynq.NewClient(RedisOpt(cfg)), queue: queue, maxRetry: retry}
}

func (a *Asynq) Dispatch(ctx context.Context, n Notification) error {
	task, err := NewTask(n)
	if err != nil {
		return err
	}
	if _, err := a.client.EnqueueContext(ctx, task, asynq.Queue(a.queue), asynq.MaxRetry(a.maxRetry)); err != nil {
		return fmt.Errorf("enqueue %s: %w", n.Kind, err)
	}
	return nil
}

func (a *Asynq) Close() error {
	return a.client.Close()
}

// Open returns the dispatcher named by cfg.Driver.
func Open(cfg config.NotifyConfig) (Dispatcher, error) {
	switch cfg.Driver {
	case "", "none":
		return Nop{}, nil
	case "asynq":
		return NewAsynq(cfg), nil
	}
	return nil, fmt.Errorf("notify driver %s not supported", cfg.Driver)
}
