package understanding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/companion/internal/storage"
)

// JobTypeRecompute is the job type for profile recomputation.
const JobTypeRecompute = "recompute_profile"

// ShouldTrigger reports whether a user's new message count warrants a
// recomputation: the first message and every multiple of every.
func ShouldTrigger(count, every int) bool {
	if every <= 0 {
		every = 5
	}
	return count == 1 || (count > 0 && count%every == 0)
}

// Queue hands recomputation requests to the background worker. Trigger never
// blocks; when the buffer is full the request is dropped and logged.
type Queue struct {
	ch chan string
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{ch: make(chan string, size)}
}

// Trigger requests a recomputation for userID.
func (q *Queue) Trigger(userID string) {
	select {
	case q.ch <- userID:
	default:
		slog.Warn("recompute queue full, dropping trigger", "user_id", userID)
	}
}

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Recomputer rebuilds one user's profile.
type Recomputer interface {
	Recompute(ctx context.Context, userID string) (storage.UnderstandingProfile, error)
}

// Worker persists queued triggers as jobs and executes them.
type Worker struct {
	store    JobStore
	analyzer Recomputer
	queue    *Queue
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 2s.
func NewWorker(store JobStore, analyzer Recomputer, queue *Queue, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		store:    store,
		analyzer: analyzer,
		queue:    queue,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run consumes triggers and polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case userID := <-w.queue.ch:
			if err := w.Enqueue(ctx, userID); err != nil {
				w.logger.Warn("enqueueing recompute job failed", "user_id", userID, "error", err)
				continue
			}
			w.drain(ctx)
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain runs jobs until none are ready.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
			return
		}
		if !done {
			return
		}
	}
}

type recomputePayload struct {
	UserID string `json:"user_id"`
}

// Enqueue persists a recompute job for userID.
func (w *Worker) Enqueue(ctx context.Context, userID string) error {
	payload, err := json.Marshal(recomputePayload{UserID: userID})
	if err != nil {
		return err
	}
	return w.store.EnqueueJob(ctx, storage.Job{
		ID:          uuid.NewString(),
		Type:        JobTypeRecompute,
		PayloadJSON: string(payload),
		MaxAttempts: 3,
	})
}

// RunOnce claims and processes a single recompute job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobTypeRecompute})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload recomputePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.UserID == "" {
		return fmt.Errorf("payload has no user_id")
	}

	p, err := w.analyzer.Recompute(ctx, payload.UserID)
	if err != nil {
		return fmt.Errorf("recomputing profile for %s: %w", payload.UserID, err)
	}
	w.logger.Debug("profile recomputed", "user_id", payload.UserID, "job_id", job.ID, "score", p.Score)
	return nil
}
