// Package worker runs the Postgres-backed job queue: a pool of processors
// that claim jobs, dispatch them to handlers by type, retry failures with
// exponential backoff, and hand in-flight jobs back on shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coach-planner/internal/models"
)

// ErrShutdownTimeout is returned by Stop when processors outlive the
// shutdown deadline.
var ErrShutdownTimeout = errors.New("worker: shutdown timeout exceeded")

// Handler is a function that processes a job
type Handler func(ctx context.Context, job *models.Job) error

// Handlers maps job types to their handlers
type Handlers map[string]Handler

// Queue is the subset of the job store the worker drives.
type Queue interface {
	ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMsg string) error
	ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error
	ReleaseJob(ctx context.Context, id int64) error
}

// Instrumentation provides hooks for monitoring job lifecycle
type Instrumentation struct {
	OnStart    func(job *models.Job)
	OnComplete func(job *models.Job, duration time.Duration)
	OnFail     func(job *models.Job, err error, duration time.Duration)
	OnRetry    func(job *models.Job, retryAfter time.Duration)
}

// Stats holds worker statistics
type Stats struct {
	JobsProcessed   int64
	JobsSucceeded   int64
	JobsFailed      int64
	JobsRetried     int64
	ActiveJobs      int
	LastProcessedAt time.Time
}

// Config holds worker configuration
type Config struct {
	// MaxConcurrent is the maximum number of concurrent job processors
	MaxConcurrent int
	// PollInterval is the time between polling for new jobs
	PollInterval time.Duration
	// RetryBaseDelay is the base delay for exponential backoff
	RetryBaseDelay time.Duration
	// RetryMaxDelay is the maximum delay between retries
	RetryMaxDelay time.Duration
	// RetryBackoffMultiplier is the multiplier for exponential backoff
	RetryBackoffMultiplier float64
	// JobTimeout is the maximum time allowed for a job to run
	JobTimeout time.Duration
	// ShutdownTimeout is the maximum time to wait for jobs to complete during shutdown
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the settings used by the server.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          2,
		PollInterval:           2 * time.Second,
		RetryBaseDelay:         5 * time.Second,
		RetryMaxDelay:          5 * time.Minute,
		RetryBackoffMultiplier: 2.0,
		JobTimeout:             time.Minute,
		ShutdownTimeout:        30 * time.Second,
	}
}

// Worker is the async job queue processor
type Worker struct {
	config          Config
	queue           Queue
	handlers        Handlers
	instrumentation Instrumentation
	jitter          func() float64

	workerID string
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopped  bool
	mu       sync.RWMutex

	// activeJobs tracks currently processing job IDs for graceful shutdown
	activeJobs map[int64]context.CancelFunc

	statsMu         sync.RWMutex
	jobsProcessed   int64
	jobsSucceeded   int64
	jobsFailed      int64
	jobsRetried     int64
	lastProcessedAt time.Time
}

// New creates a Worker. Zero config fields take their DefaultConfig values.
func New(config Config, queue Queue, handlers Handlers) *Worker {
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = def.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = def.RetryMaxDelay
	}
	if config.RetryBackoffMultiplier <= 1 {
		config.RetryBackoffMultiplier = def.RetryBackoffMultiplier
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if handlers == nil {
		handlers = Handlers{}
	}

	return &Worker{
		config:     config,
		queue:      queue,
		handlers:   handlers,
		jitter:     rand.Float64,
		workerID:   generateWorkerID(),
		stopCh:     make(chan struct{}),
		activeJobs: make(map[int64]context.CancelFunc),
	}
}

// RegisterHandler binds a handler to a job type. Call before Start.
func (w *Worker) RegisterHandler(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// SetInstrumentation sets the instrumentation hooks
func (w *Worker) SetInstrumentation(inst Instrumentation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.instrumentation = inst
}

// Start begins the worker loop
func (w *Worker) Start(ctx context.Context) {
	log.Info().Str("worker_id", w.workerID).Int("max_concurrent", w.config.MaxConcurrent).Msg("[worker] starting")

	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.processor(ctx, i)
	}
}

// Stop gracefully shuts down the worker, releasing in-flight jobs back to
// the queue.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	log.Info().Msg("[worker] initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	w.releaseActiveJobs(shutdownCtx)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("[worker] graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		log.Warn().Msg("[worker] shutdown timeout exceeded, forcing stop")
		return ErrShutdownTimeout
	}
}

func (w *Worker) processor(ctx context.Context, id int) {
	defer w.wg.Done()

	processorID := fmt.Sprintf("%s-processor-%d", w.workerID, id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
			if err := w.processNextJob(ctx); err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					log.Error().Err(err).Str("processor", processorID).Msg("[worker] processor error")
				}
				w.wait(ctx)
			}
		}
	}
}

// wait blocks for one poll interval or until shutdown.
func (w *Worker) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-time.After(w.config.PollInterval):
	}
}

func (w *Worker) processNextJob(ctx context.Context) error {
	job, err := w.queue.ClaimNextJob(ctx, w.workerID)
	if err != nil {
		return err
	}
	if job == nil {
		w.wait(ctx)
		return nil
	}

	w.processJob(ctx, job)
	return nil
}

// processJob runs one claimed job and records its outcome.
func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	w.trackActiveJob(job.ID, cancel)
	defer w.untrackActiveJob(job.ID)

	w.mu.RLock()
	inst := w.instrumentation
	handler, ok := w.handlers[job.JobType]
	w.mu.RUnlock()

	if inst.OnStart != nil {
		inst.OnStart(job)
	}

	log.Debug().
		Int64("job_id", job.ID).
		Str("job_type", job.JobType).
		Int("attempt", job.Attempts).
		Int("max_attempts", job.MaxAttempts).
		Msg("[worker] processing job")

	var err error
	if !ok {
		err = fmt.Errorf("no handler registered for job type: %s", job.JobType)
	} else {
		err = handler(jobCtx, job)
	}

	// Jobs interrupted by Stop have already been released.
	if err != nil && errors.Is(err, context.Canceled) && w.isStopped() {
		return
	}
	if err != nil {
		w.handleError(ctx, inst, job, err, start)
	} else {
		w.handleSuccess(ctx, inst, job, start)
	}
}

func (w *Worker) handleError(ctx context.Context, inst Instrumentation, job *models.Job, err error, start time.Time) {
	duration := time.Since(start)

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsFailed++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if inst.OnFail != nil {
		inst.OnFail(job, err, duration)
	}

	if job.CanRetry() {
		delay := w.retryDelay(job.Attempts)

		w.statsMu.Lock()
		w.jobsRetried++
		w.statsMu.Unlock()

		if inst.OnRetry != nil {
			inst.OnRetry(job, delay)
		}

		log.Warn().Err(err).
			Int64("job_id", job.ID).
			Dur("retry_in", delay).
			Int("attempt", job.Attempts).
			Int("max_attempts", job.MaxAttempts).
			Msg("[worker] job failed, scheduling retry")

		if serr := w.queue.ScheduleRetry(ctx, job.ID, err.Error(), time.Now().Add(delay)); serr != nil {
			log.Error().Err(serr).Int64("job_id", job.ID).Msg("[worker] failed to schedule retry")
		}
		return
	}

	log.Error().Err(err).Int64("job_id", job.ID).Int("max_attempts", job.MaxAttempts).Msg("[worker] job exhausted all attempts")
	if ferr := w.queue.MarkFailed(ctx, job.ID, err.Error()); ferr != nil {
		log.Error().Err(ferr).Int64("job_id", job.ID).Msg("[worker] failed to mark job failed")
	}
}

func (w *Worker) handleSuccess(ctx context.Context, inst Instrumentation, job *models.Job, start time.Time) {
	duration := time.Since(start)

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsSucceeded++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if inst.OnComplete != nil {
		inst.OnComplete(job, duration)
	}

	log.Info().Int64("job_id", job.ID).Str("job_type", job.JobType).Dur("took", duration).Msg("[worker] job completed")
	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		log.Error().Err(err).Int64("job_id", job.ID).Msg("[worker] failed to mark job completed")
	}
}

// retryDelay is base * multiplier^(attempts-1), capped at RetryMaxDelay,
// scaled by a jitter factor in [0.8, 1.2).
func (w *Worker) retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := float64(w.config.RetryBaseDelay) * math.Pow(w.config.RetryBackoffMultiplier, float64(attempts-1))
	delay := min(base, float64(w.config.RetryMaxDelay))
	return time.Duration(delay * (0.8 + 0.4*w.jitter()))
}

func (w *Worker) isStopped() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stopped
}

func (w *Worker) trackActiveJob(jobID int64, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeJobs[jobID] = cancel
}

func (w *Worker) untrackActiveJob(jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeJobs, jobID)
}

// releaseActiveJobs cancels running jobs and puts them back to pending.
func (w *Worker) releaseActiveJobs(ctx context.Context) {
	w.mu.Lock()
	jobIDs := make([]int64, 0, len(w.activeJobs))
	for id, cancel := range w.activeJobs {
		cancel()
		jobIDs = append(jobIDs, id)
	}
	w.mu.Unlock()

	for _, id := range jobIDs {
		if err := w.queue.ReleaseJob(ctx, id); err != nil {
			log.Error().Err(err).Int64("job_id", id).Msg("[worker] failed to release job")
			continue
		}
		log.Info().Int64("job_id", id).Msg("[worker] released job back to pending")
	}
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()

	w.mu.RLock()
	active := len(w.activeJobs)
	w.mu.RUnlock()

	return Stats{
		JobsProcessed:   w.jobsProcessed,
		JobsSucceeded:   w.jobsSucceeded,
		JobsFailed:      w.jobsFailed,
		JobsRetried:     w.jobsRetried,
		ActiveJobs:      active,
		LastProcessedAt: w.lastProcessedAt,
	}
}

func generateWorkerID() string {
	return fmt.Sprintf("worker-%d-%d", time.Now().UnixNano(), rand.Intn(10000))
}
