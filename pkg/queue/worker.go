package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/vespid/vespid/pkg/config"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that claims and processes jobs.
type Worker struct {
	id       string
	podID    string
	queue    *Queue
	handler  Handler
	config   *config.QueueConfig
	wake     <-chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  int64
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a queue worker. wake may be nil; the worker then relies
// on its fallback poll alone.
func NewWorker(id, podID string, q *Queue, cfg *config.QueueConfig, handler Handler, wake <-chan struct{}) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		queue:        q,
		handler:      handler,
		config:       cfg,
		wake:         wake,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// job. It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop: drain the queue, then wait for a wakeup or
// the fallback poll tick.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "queue", w.queue.Name())
	log.Info("Queue worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Queue worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, queue worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobs) {
					w.waitForWork()
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// waitForWork blocks until a wakeup notification, the fallback poll tick, or
// shutdown.
func (w *Worker) waitForWork() {
	timer := time.NewTimer(w.pollInterval())
	defer timer.Stop()

	if w.wake == nil {
		select {
		case <-w.stopCh:
		case <-timer.C:
		}
		return
	}
	select {
	case <-w.stopCh:
	case <-w.wake:
	case <-timer.C:
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims one job and runs the handler on it. Handler errors
// are recorded on the job, not returned: the queue's retry policy owns them.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	job, err := w.queue.Claim(ctx, w.id)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.ID, "queue", w.queue.Name(), "worker_id", w.id, "attempt", job.Attempts)
	log.Debug("Job claimed")

	w.setStatus(WorkerStatusWorking, job.ID)
	defer w.setStatus(WorkerStatusIdle, 0)

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	handlerErr := w.handler(jobCtx, job)
	cancel()

	// Terminal updates use a background context: the job ctx may already be
	// cancelled or the process may be shutting down.
	if handlerErr != nil {
		next, err := w.queue.Fail(context.Background(), job, handlerErr)
		if err != nil {
			log.Error("Failed to record job failure", "error", err)
			return err
		}
		recordJobFailed(w.queue.Name())
		if next == JobStatusDead {
			recordJobDead(w.queue.Name())
			log.Error("Job exhausted its attempts", "error", handlerErr)
		} else {
			log.Warn("Job failed, rescheduled", "error", handlerErr)
		}
	} else {
		if err := w.queue.Complete(context.Background(), job.ID); err != nil {
			log.Error("Failed to complete job", "error", err)
			return err
		}
		recordJobProcessed(w.queue.Name())
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()
	return nil
}

// pollInterval returns the fallback poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
