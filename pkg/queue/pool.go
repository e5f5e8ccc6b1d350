package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vespid/vespid/pkg/config"
)

// Pool manages the workers draining one queue.
type Pool struct {
	podID       string
	queue       *Queue
	config      *config.QueueConfig
	concurrency int
	handler     Handler
	workers     []*Worker
	wake        chan struct{}
	started     bool
}

// NewPool creates a worker pool for a queue.
func NewPool(podID string, q *Queue, concurrency int, cfg *config.QueueConfig, handler Handler) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		podID:       podID,
		queue:       q,
		config:      cfg,
		concurrency: concurrency,
		handler:     handler,
		workers:     make([]*Worker, 0, concurrency),
		// Buffered per worker so a burst of enqueues can wake the whole pool.
		wake: make(chan struct{}, concurrency),
	}
}

// Start spawns the worker goroutines.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call",
			"pod_id", p.podID, "queue", p.queue.Name())
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool",
		"pod_id", p.podID, "queue", p.queue.Name(), "worker_count", p.concurrency)

	for i := 0; i < p.concurrency; i++ {
		workerID := fmt.Sprintf("%s-%s-worker-%d", p.podID, p.queue.Name(), i)
		worker := NewWorker(workerID, p.podID, p.queue, p.config, p.handler, p.wake)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	slog.Info("Worker pool started", "queue", p.queue.Name())
	return nil
}

// Stop signals all workers to stop and waits for them to finish their
// current jobs (graceful shutdown).
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool gracefully", "queue", p.queue.Name())
	var wg sync.WaitGroup
	for _, worker := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(worker)
	}
	wg.Wait()
	slog.Info("Worker pool stopped gracefully", "queue", p.queue.Name())
}

// HandleNotification wakes idle workers when this queue's channel fires.
// Matches the events.NotificationHandler signature so one shared LISTEN
// connection can fan out to several pools.
func (p *Pool) HandleNotification(channel, _ string) {
	if channel != p.queue.NotifyChannel() {
		return
	}
	recordWakeup(p.queue.Name())
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Health returns the current health status of the pool.
func (p *Pool) Health() *PoolHealth {
	queueDepth, errQ := p.queue.Depth(context.Background())
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check",
			"pod_id", p.podID, "queue", p.queue.Name(), "error", errQ)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	dbHealthy := errQ == nil
	var dbError string
	if errQ != nil {
		dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
	}

	return &PoolHealth{
		IsHealthy:     len(p.workers) > 0 && dbHealthy,
		DBReachable:   dbHealthy,
		DBError:       dbError,
		PodID:         p.podID,
		Queue:         p.queue.Name(),
		ActiveWorkers: activeWorkers,
		TotalWorkers:  len(p.workers),
		QueueDepth:    queueDepth,
		WorkerStats:   workerStats,
	}
}
