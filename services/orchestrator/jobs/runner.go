// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jobs runs best-effort background work detached from requests.
//
// # Description
//
// A Runner owns a bounded queue and a fixed pool of workers. Submissions
// never block: when the queue is full the job is rejected. Jobs are
// journaled before they are queued and removed when they finish, so work
// pending at shutdown is replayed on the next Start.
//
// Job failures are logged and counted. They are never retried and never
// reported to the submitter.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no room.
	ErrQueueFull = errors.New("job queue is full")

	// ErrNotRunning is returned by Submit before Start or after Stop.
	ErrNotRunning = errors.New("job runner is not running")
)

// Outcome labels for Observer.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomePanic    = "panic"
	OutcomeRejected = "rejected"
	OutcomeUnknown  = "unknown_kind"
)

// Job is one unit of background work.
type Job struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// Handler executes one job kind. ctx carries the per-job timeout.
type Handler func(ctx context.Context, job Job) error

// Observer is told the outcome of every submitted job.
type Observer func(kind, outcome string)

// =============================================================================
// Configuration
// =============================================================================

// Config sizes the runner.
//
// # Fields
//
//   - Workers: Concurrent jobs. Default: 2.
//   - QueueSize: Jobs waiting for a worker. Default: 64.
//   - RatePerSecond: Job starts per second across all workers; 0 disables
//     the limit. Default: 2.
//   - Burst: Limiter burst. Default: 4.
//   - JobTimeout: Deadline for one job. Default: 2 minutes.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSecond float64
	Burst         int
	JobTimeout    time.Duration
}

// DefaultConfig returns the defaults listed on Config.
func DefaultConfig() Config {
	return Config{
		Workers:       2,
		QueueSize:     64,
		RatePerSecond: 2,
		Burst:         4,
		JobTimeout:    2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	return c
}

// =============================================================================
// Runner
// =============================================================================

// Runner is a bounded background worker pool.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Handle must be called before
// Start.
type Runner struct {
	config   Config
	journal  Journal
	limiter  *rate.Limiter
	observer Observer
	handlers map[string]Handler

	mu      sync.RWMutex
	running bool
	queue   chan Job
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewRunner creates a Runner. A nil journal uses NopJournal.
func NewRunner(config Config, journal Journal) *Runner {
	config = config.withDefaults()
	if journal == nil {
		journal = NopJournal{}
	}
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	return &Runner{
		config:   config,
		journal:  journal,
		limiter:  rate.NewLimiter(limit, config.Burst),
		observer: func(string, string) {},
		handlers: make(map[string]Handler),
	}
}

// SetObserver installs fn as the outcome observer.
func (r *Runner) SetObserver(fn Observer) {
	if fn != nil {
		r.observer = fn
	}
}

// Handle registers the handler for kind.
func (r *Runner) Handle(kind string, h Handler) {
	r.handlers[kind] = h
}

// Start launches the workers and replays journaled jobs. Jobs run under a
// context derived from ctx with cancellation removed; Stop ends them.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("job runner is already running")
	}
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.queue = make(chan Job, r.config.QueueSize)
	r.running = true

	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.worker(base)
	}
	r.mu.Unlock()

	slog.Info("Job runner started",
		"workers", r.config.Workers,
		"queue_size", r.config.QueueSize,
		"rate_per_second", r.config.RatePerSecond,
	)

	r.replay()
	return nil
}

func (r *Runner) replay() {
	pending, err := r.journal.Pending()
	if err != nil {
		slog.Error("Failed to read job journal", "error", err)
		return
	}
	replayed := 0
	for _, job := range pending {
		if !r.enqueue(job) {
			slog.Warn("Job queue full during replay; remaining jobs stay journaled",
				"remaining", len(pending)-replayed)
			return
		}
		replayed++
	}
	if replayed > 0 {
		slog.Info("Replayed journaled jobs", "count", replayed)
	}
}

// Submit journals and queues a job without blocking.
//
// # Outputs
//
//   - string: The job id.
//   - error: ErrQueueFull, ErrNotRunning, or a payload/journal error.
func (r *Runner) Submit(kind string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	job := Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.RLock()
	running := r.running
	r.mu.RUnlock()
	if !running {
		return "", ErrNotRunning
	}

	if err := r.journal.Put(job); err != nil {
		slog.Warn("Failed to journal job; running without durability", "kind", kind, "error", err)
	}
	if !r.enqueue(job) {
		_ = r.journal.Delete(job.ID)
		r.observer(kind, OutcomeRejected)
		return "", ErrQueueFull
	}
	return job.ID, nil
}

func (r *Runner) enqueue(job Job) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return false
	}
	select {
	case r.queue <- job:
		return true
	default:
		return false
	}
}

// Stop stops accepting jobs and waits for queued jobs to finish. When ctx
// ends first, running jobs are cancelled and left in the journal.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		slog.Info("Job runner stopped")
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return fmt.Errorf("job runner stop: %w", ctx.Err())
	}
}

func (r *Runner) worker(base context.Context) {
	defer r.wg.Done()
	for job := range r.queue {
		if err := r.limiter.Wait(base); err != nil {
			return
		}
		r.run(base, job)
	}
}

func (r *Runner) run(base context.Context, job Job) {
	handler, ok := r.handlers[job.Kind]
	if !ok {
		slog.Error("No handler for job kind", "kind", job.Kind, "job_id", job.ID)
		r.observer(job.Kind, OutcomeUnknown)
		_ = r.journal.Delete(job.ID)
		return
	}

	ctx, cancel := context.WithTimeout(base, r.config.JobTimeout)
	defer cancel()

	outcome := r.invoke(ctx, handler, job)
	r.observer(job.Kind, outcome)

	// Jobs interrupted by shutdown stay journaled for replay.
	if base.Err() != nil {
		return
	}
	if err := r.journal.Delete(job.ID); err != nil {
		slog.Warn("Failed to remove finished job from journal", "job_id", job.ID, "error", err)
	}
}

func (r *Runner) invoke(ctx context.Context, handler Handler, job Job) (outcome string) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Job panicked",
				"kind", job.Kind,
				"job_id", job.ID,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			outcome = OutcomePanic
		}
	}()

	start := time.Now()
	if err := handler(ctx, job); err != nil {
		slog.Warn("Job failed",
			"kind", job.Kind,
			"job_id", job.ID,
			"duration", time.Since(start),
			"error", err,
		)
		return OutcomeError
	}
	return OutcomeSuccess
}
