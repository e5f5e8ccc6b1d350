package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vespid/vespid/pkg/config"
	"github.com/vespid/vespid/pkg/models"
	"github.com/vespid/vespid/pkg/store"
)

// Reaper recovers runs and jobs the queues lost track of. Four cases:
//
//   - Blocked runs whose remote timeout passed: the gateway's pending timer
//     should have synthesized a failure, but the gateway process may have
//     died. The reaper enqueues the same synthetic remote.apply; the CAS on
//     blockedRequestId makes the duplicate harmless.
//   - Queued runs whose next_attempt_at has passed with no live stepping
//     job: a crash between the transition and its follow-up enqueue. Dedup
//     on the run's job id makes re-enqueuing idempotent.
//   - Jobs stuck in running past the stale-claim threshold: the worker that
//     claimed them died before Complete or Fail. The jobs return to queued;
//     the stale row would otherwise also dedup-swallow every fresh enqueue
//     under its job id.
//   - Running runs with no live stepping job: a result applied while the
//     original stepping job was still finishing collapses against it on the
//     dedup index, leaving the run in running with nothing to step it. A
//     fresh stepping job resumes it at its checkpoint.
//
// All replicas run the reaper independently; every operation is idempotent.
type Reaper struct {
	runs          *store.RunStore
	runQueue      *Queue
	continuations *Queue
	config        *config.QueueConfig
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup

	mu               sync.Mutex
	lastScan         time.Time
	blockedRecovered int
	runsRequeued     int
	jobsReclaimed    int
	runsRescued      int
}

// ReaperHealth reports scan activity for health endpoints.
type ReaperHealth struct {
	LastScan         time.Time `json:"lastScan"`
	BlockedRecovered int       `json:"blockedRecovered"`
	RunsRequeued     int       `json:"runsRequeued"`
	JobsReclaimed    int       `json:"jobsReclaimed"`
	RunsRescued      int       `json:"runsRescued"`
}

// NewReaper creates a Reaper.
func NewReaper(runs *store.RunStore, runQueue, continuations *Queue, cfg *config.QueueConfig) *Reaper {
	return &Reaper{
		runs:          runs,
		runQueue:      runQueue,
		continuations: continuations,
		config:        cfg,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the periodic scan loop.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Stop signals the loop to exit and waits for it.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Health returns scan counters.
func (r *Reaper) Health() ReaperHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReaperHealth{
		LastScan:         r.lastScan,
		BlockedRecovered: r.blockedRecovered,
		RunsRequeued:     r.runsRequeued,
		JobsReclaimed:    r.jobsReclaimed,
		RunsRescued:      r.runsRescued,
	}
}

func (r *Reaper) run(ctx context.Context) {
	ticker := time.NewTicker(r.config.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.Scan(ctx); err != nil {
				slog.Error("Reaper scan failed", "error", err)
			}
		}
	}
}

// Scan performs one pass over every recovery case.
func (r *Reaper) Scan(ctx context.Context) error {
	blocked, err := r.reapBlockedRuns(ctx)
	if err != nil {
		return err
	}
	reclaimed, err := r.reclaimStaleJobs(ctx)
	if err != nil {
		return err
	}
	requeued, err := r.RequeueReadyRuns(ctx)
	if err != nil {
		return err
	}
	rescued, err := r.rescueStrandedRuns(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.lastScan = time.Now()
	r.blockedRecovered += blocked
	r.runsRequeued += requeued
	r.jobsReclaimed += reclaimed
	r.runsRescued += rescued
	r.mu.Unlock()
	return nil
}

// reclaimStaleJobs returns abandoned running jobs on both queues to queued.
// A zero threshold disables the sweep.
func (r *Reaper) reclaimStaleJobs(ctx context.Context) (int, error) {
	if r.config.StaleClaimThreshold <= 0 {
		return 0, nil
	}
	total := 0
	for _, q := range []*Queue{r.runQueue, r.continuations} {
		n, err := q.RequeueStale(ctx, r.config.StaleClaimThreshold, r.config.ReaperBatch)
		if err != nil {
			return total, fmt.Errorf("failed to requeue stale jobs on %s: %w", q.Name(), err)
		}
		if n > 0 {
			jobsReclaimed.WithLabelValues(q.Name()).Add(float64(n))
			slog.Warn("Reclaimed jobs from dead workers", "queue", q.Name(), "count", n)
		}
		total += n
	}
	return total, nil
}

// rescueStrandedRuns enqueues a stepping job for every stale running run
// that has none. The liveness check races fresh enqueues harmlessly: the
// dedup index collapses the duplicate either way, and the stepper's
// ownership guards make an extra stepping job for an already-moved run a
// no-op.
func (r *Reaper) rescueStrandedRuns(ctx context.Context) (int, error) {
	if r.config.StrandedRunThreshold <= 0 {
		return 0, nil
	}
	stranded, err := r.runs.ListRunningStale(ctx, r.config.StrandedRunThreshold, r.config.ReaperBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale running runs: %w", err)
	}

	rescued := 0
	for _, run := range stranded {
		live, err := r.runQueue.HasLiveJob(ctx, RunJobID(run.ID))
		if err != nil {
			slog.Error("Failed to check for a live stepping job", "run_id", run.ID, "error", err)
			continue
		}
		if live {
			// The stale-claim sweep covers a dead owner; a live one will step
			// the run itself.
			continue
		}
		job, err := r.runQueue.Enqueue(ctx, models.RunJob{
			RunID:      run.ID,
			OrgID:      run.OrganizationID,
			WorkflowID: run.WorkflowID,
		}, WithJobID(RunJobID(run.ID)))
		if err != nil {
			slog.Error("Failed to enqueue rescue job for stranded run", "run_id", run.ID, "error", err)
			continue
		}
		if job == nil {
			continue
		}
		runsRescued.Inc()
		rescued++
		slog.Warn("Stranded running run re-enqueued", "run_id", run.ID)
	}
	return rescued, nil
}

// reapBlockedRuns enqueues a synthetic timeout failure for every blocked run
// whose remote deadline has passed.
func (r *Reaper) reapBlockedRuns(ctx context.Context) (int, error) {
	timedOut, err := r.runs.ListBlockedTimedOut(ctx, r.config.ReaperBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list timed out runs: %w", err)
	}
	if len(timedOut) == 0 {
		return 0, nil
	}

	slog.Warn("Detected blocked runs past their remote timeout", "count", len(timedOut))

	recovered := 0
	for _, run := range timedOut {
		payload := models.ContinuationJob{
			Type:         models.ContinuationRemoteApply,
			OrgID:        run.OrganizationID,
			WorkflowID:   run.WorkflowID,
			RunID:        run.ID,
			RequestID:    run.BlockedRequestID,
			AttemptCount: run.AttemptCount,
			Result: &models.RemoteResult{
				RequestID: run.BlockedRequestID,
				Status:    models.ResultFailed,
				Error:     models.CodeNodeExecutionTimeout,
			},
		}
		job, err := r.continuations.Enqueue(ctx, payload, WithJobID(ApplyJobID(run.BlockedRequestID)))
		if err != nil {
			slog.Error("Failed to enqueue timeout apply for blocked run",
				"run_id", run.ID, "request_id", run.BlockedRequestID, "error", err)
			continue
		}
		if job == nil {
			// An apply for this request is already queued or running.
			continue
		}
		runsReaped.Inc()
		recovered++
		slog.Warn("Blocked run past remote timeout, synthetic failure enqueued",
			"run_id", run.ID, "request_id", run.BlockedRequestID)
	}
	return recovered, nil
}

// RequeueReadyRuns enqueues a stepping job for every queued run that is due.
// Called once at startup before the pools begin processing, then again on
// every periodic scan.
func (r *Reaper) RequeueReadyRuns(ctx context.Context) (int, error) {
	ready, err := r.runs.ListQueuedReady(ctx, r.config.ReaperBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list ready runs: %w", err)
	}

	requeued := 0
	for _, run := range ready {
		job, err := r.runQueue.Enqueue(ctx, models.RunJob{
			RunID:      run.ID,
			OrgID:      run.OrganizationID,
			WorkflowID: run.WorkflowID,
		}, WithJobID(RunJobID(run.ID)))
		if err != nil {
			slog.Error("Failed to requeue ready run", "run_id", run.ID, "error", err)
			continue
		}
		if job == nil {
			// A live stepping job already covers this run.
			continue
		}
		runsRequeued.Inc()
		requeued++
		slog.Info("Ready run re-enqueued", "run_id", run.ID)
	}
	return requeued, nil
}
