package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"journalflow/internal/config"
)

// Sink delivers a decoded notification to its recipients.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the log. It is the default sink until a
// mail transport is configured.
type LogSink struct{}

func (LogSink) Deliver(_ context.Context, n Notification) error {
	log.Info().
		Str("kind", n.Kind).
		Str("manuscript", n.ManuscriptID).
		Str("actor", n.ActorID).
		Strs("recipients", n.Recipients).
		Msg("notification delivered")
	return nil
}

// HandleTask decodes a notification task and passes it to sink. Malformed
// payloads are not retried.
func HandleTask(sink Sink) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var n Notification
		if err := json.Unmarshal(t.Payload(), &n); err != nil {
			log.Warn().Err(err).Str("type", t.Type()).Msg("dropping malformed notification")
			return fmt.Errorf("decode notification: %v: %w", err, asynq.SkipRetry)
		}
		return sink.Deliver(ctx, n)
	}
}

// Worker consumes notification tasks.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

func NewWorker(cfg config.NotifyConfig, concurrency int, sink Sink) *Worker {
	queue := cfg.Queue
	if queue == "" {
		queue = "notifications"
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskType, HandleTask(sink))
	srv := asynq.NewServer(RedisOpt(cfg), asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error().Err(err).Str("type", task.Type()).Msg("notification task failed")
		}),
	})
	return &Worker{server: srv, mux: mux}
}

// Run blocks until the worker stops.
func (w *Worker) Run() error {
	return w.server.Run(w.mux)
}

func (w *Worker) Shutdown() {
	w.server.Shutdown()
}
