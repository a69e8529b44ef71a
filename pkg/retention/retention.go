// Package retention runs the scheduled cleanup of state that has outlived
// its usefulness: processed outbox events, stale login attempts, expired
// password reset tokens, old audit log rows, and orphaned blacklist keys.
// A single in-process scheduler parses a 5-field cron expression and fires
// all five tasks concurrently on each tick; a mutex drops any fire that
// would overlap a still-running one, the same ticker-loop idiom the
// teacher's roster scheduler used for schedule top-up, generalized to
// cron-driven firing instead of a fixed interval.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/costwatchdog/engine/pkg/auth"
	"github.com/costwatchdog/engine/pkg/outbox"
)

// TaskResult reports the outcome of one cleanup task for one fire.
type TaskResult struct {
	Task         string
	Success      bool
	DeletedCount int
	Duration     time.Duration
	Error        error
}

// Windows holds the configurable retention windows and batch size, per
// spec §6's RETENTION_* environment contract.
type Windows struct {
	OutboxDays        int
	LoginAttemptDays  int
	PasswordResetDays int
	AuditLogDays      int
	ArchiveAuditLogs  bool
	BatchSize         int
}

// Scheduler parses a cron expression and fires all five cleanup tasks on
// each matching tick, dropping any fire that overlaps one still running.
type Scheduler struct {
	cron    *cron.Cron
	spec    string
	windows Windows
	logger  *slog.Logger

	outboxStore   *outbox.Store
	loginAttempts *auth.LoginAttemptStore
	passwordReset *auth.PasswordResetStore
	blacklist     *auth.Blacklist
	auditPurger   func(ctx context.Context, cutoff time.Time, batchSize int, archive bool) (int, error)

	mu      sync.Mutex
	running bool

	onResult func(TaskResult)
}

// Deps bundles the stores the scheduler's five tasks run against.
type Deps struct {
	OutboxStore   *outbox.Store
	LoginAttempts *auth.LoginAttemptStore
	PasswordReset *auth.PasswordResetStore
	Blacklist     *auth.Blacklist
	AuditPurge    func(ctx context.Context, cutoff time.Time, batchSize int, archive bool) (int, error)
}

// NewScheduler builds a Scheduler from a 5-field cron expression. It
// returns an error immediately if spec is malformed, rather than failing
// silently on the first fire.
func NewScheduler(spec string, windows Windows, deps Deps, logger *slog.Logger, onResult func(TaskResult)) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, err
	}
	if onResult == nil {
		onResult = func(TaskResult) {}
	}
	s := &Scheduler{
		cron:          cron.New(),
		spec:          spec,
		windows:       windows,
		logger:        logger,
		outboxStore:   deps.OutboxStore,
		loginAttempts: deps.LoginAttempts,
		passwordReset: deps.PasswordReset,
		blacklist:     deps.Blacklist,
		auditPurger:   deps.AuditPurge,
		onResult:      onResult,
	}
	return s, nil
}

// Start registers the fire handler and begins the cron scheduler. It
// returns an error only if the expression (already validated in
// NewScheduler) somehow fails to register, which cron.AddFunc can't raise
// for an already-parsed spec, but the error is still propagated for
// safety.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.fire(ctx)
	})
	if err != nil {
		return err
	}
	s.logger.Info("retention scheduler started", "cron", s.spec)
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler and waits for any in-flight fire to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// fire runs all five cleanup tasks concurrently, dropping the fire
// entirely if a previous one is still in flight.
func (s *Scheduler) fire(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("retention fire skipped, previous fire still running")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	now := time.Now()
	tasks := []func(context.Context, time.Time) TaskResult{
		s.gcBlacklist,
		s.purgeOutbox,
		s.purgeLoginAttempts,
		s.purgePasswordResets,
		s.purgeAuditLogs,
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		task := task
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := task(ctx, now)
			if result.Success {
				s.logger.Info("retention task completed",
					"task", result.Task, "deleted", result.DeletedCount, "duration", result.Duration)
			} else {
				s.logger.Error("retention task failed",
					"task", result.Task, "error", result.Error, "duration", result.Duration)
			}
			s.onResult(result)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) gcBlacklist(ctx context.Context, _ time.Time) TaskResult {
	start := time.Now()
	n, err := s.blacklist.GCOrphans(ctx)
	return TaskResult{Task: "blacklist_gc", Success: err == nil, DeletedCount: n, Duration: time.Since(start), Error: err}
}

func (s *Scheduler) purgeOutbox(ctx context.Context, now time.Time) TaskResult {
	start := time.Now()
	cutoff := now.AddDate(0, 0, -s.windows.OutboxDays)
	n, err := s.outboxStore.PurgeProcessedBefore(ctx, cutoff, s.windows.BatchSize)
	return TaskResult{Task: "outbox", Success: err == nil, DeletedCount: n, Duration: time.Since(start), Error: err}
}

func (s *Scheduler) purgeLoginAttempts(ctx context.Context, now time.Time) TaskResult {
	start := time.Now()
	cutoff := now.AddDate(0, 0, -s.windows.LoginAttemptDays)
	n, err := s.loginAttempts.PurgeBefore(ctx, cutoff, s.windows.BatchSize)
	return TaskResult{Task: "login_attempts", Success: err == nil, DeletedCount: n, Duration: time.Since(start), Error: err}
}

func (s *Scheduler) purgePasswordResets(ctx context.Context, now time.Time) TaskResult {
	start := time.Now()
	cutoff := now.AddDate(0, 0, -s.windows.PasswordResetDays)
	n, err := s.passwordReset.PurgeExpired(ctx, cutoff, s.windows.BatchSize)
	return TaskResult{Task: "password_reset_tokens", Success: err == nil, DeletedCount: n, Duration: time.Since(start), Error: err}
}

func (s *Scheduler) purgeAuditLogs(ctx context.Context, now time.Time) TaskResult {
	start := time.Now()
	cutoff := now.AddDate(0, 0, -s.windows.AuditLogDays)
	n, err := s.auditPurger(ctx, cutoff, s.windows.BatchSize, s.windows.ArchiveAuditLogs)
	return TaskResult{Task: "audit_log", Success: err == nil, DeletedCount: n, Duration: time.Since(start), Error: err}
}
