// Package worker manages the embedded Asynq task worker.
//
// The worker runs as goroutines inside the gateway process, connecting to
// Redis for scheduled housekeeping. It is optional: without Redis the
// gateway only sweeps at startup.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/websoft9/deskgate/internal/autosync"
)

const (
	// Task type constants
	TaskSweepSync = "sync:sweep"

	// DefaultSweepSchedule is the cron expression of the periodic sweep.
	DefaultSweepSchedule = "@every 1h"
)

// SweepPayload names the directory to sweep and the age past which a
// leftover copy is removed.
type SweepPayload struct {
	Dir    string        `json:"dir"`
	MaxAge time.Duration `json:"maxAge"`
}

// NewSweepTask builds a sweep task.
func NewSweepTask(dir string, maxAge time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(SweepPayload{Dir: dir, MaxAge: maxAge})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSweepSync, payload, asynq.MaxRetry(1), asynq.Unique(30*time.Minute)), nil
}

// Worker manages the Asynq server, scheduler and a shared client.
type Worker struct {
	server    *asynq.Server
	client    *asynq.Client
	scheduler *asynq.Scheduler
	log       zerolog.Logger
}

// New creates a Worker for the Redis instance at redisAddr.
// Call Start() to begin processing and Shutdown() to stop.
func New(redisAddr string, log zerolog.Logger) *Worker {
	opt := asynq.RedisClientOpt{Addr: redisAddr}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 2,
		Queues: map[string]int{
			"default": 3,
			"low":     1,
		},
	})

	return &Worker{
		server:    srv,
		client:    asynq.NewClient(opt),
		scheduler: asynq.NewScheduler(opt, &asynq.SchedulerOpts{}),
		log:       log.With().Str("component", "worker").Logger(),
	}
}

// Mux returns the handler set the worker serves.
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskSweepSync, w.handleSweep)
	return mux
}

// Start begins processing tasks and registers the periodic sweep of dir.
// This should be called only once during the application lifecycle.
func (w *Worker) Start(dir string, maxAge time.Duration) error {
	task, err := NewSweepTask(dir, maxAge)
	if err != nil {
		return err
	}
	if _, err := w.scheduler.Register(DefaultSweepSchedule, task, asynq.Queue("low")); err != nil {
		return fmt.Errorf("worker: register sweep: %w", err)
	}
	if err := w.server.Start(w.Mux()); err != nil {
		return fmt.Errorf("worker: start server: %w", err)
	}
	if err := w.scheduler.Start(); err != nil {
		w.server.Shutdown()
		return fmt.Errorf("worker: start scheduler: %w", err)
	}
	w.log.Info().Str("schedule", DefaultSweepSchedule).Msg("sync sweep scheduled")
	return nil
}

// Client returns the shared Asynq client for enqueuing tasks.
func (w *Worker) Client() *asynq.Client {
	return w.client
}

// Shutdown gracefully stops the worker and closes the client connection.
func (w *Worker) Shutdown() {
	w.scheduler.Shutdown()
	w.server.Shutdown()
	_ = w.client.Close()
}

func (w *Worker) handleSweep(ctx context.Context, t *asynq.Task) error {
	var p SweepPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("sweep payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.Dir == "" || p.MaxAge <= 0 {
		return fmt.Errorf("sweep payload: dir and maxAge are required: %w", asynq.SkipRetry)
	}
	n, err := autosync.SweepStale(p.Dir, p.MaxAge, time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		w.log.Info().Int("removed", n).Str("dir", p.Dir).Msg("stale sync copies removed")
	}
	return nil
}
