// Package retention implements C12: a periodic sweep enforcing the event
// store's prune policy in priority order — per-connector keep_last_sessions,
// age-based raw_days, then a max_db_mb compaction ceiling — with protected
// sessions always exempt (spec §4.12).
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/oubliette/internal/eventstore"
	"github.com/HyphaGroup/oubliette/internal/logger"
	"github.com/HyphaGroup/oubliette/internal/schedule"
	"github.com/HyphaGroup/oubliette/internal/target"
)

// Policy mirrors the config document's retention section (spec §6).
type Policy struct {
	KeepLastSessions int    // per-connector; 0 disables
	RawDays          int    // 0 disables
	MaxDBMB          int    // 0 disables
	CronExpr         string // optional; empty means Interval-driven
}

// Result summarizes one sweep's effect, returned for logging and tests.
type Result struct {
	SessionsDeleted int
	EventsCleared   int
	Vacuumed        bool
	SizeBeforeBytes int64
	SizeAfterBytes  int64
}

// Sweeper owns the periodic prune loop. It is driven by either a fixed
// Interval or, when Policy.CronExpr is set, the next cron-computed fire time
// (grounded on the same robfig/cron parsing the schedule runner uses for
// user-defined schedules).
type Sweeper struct {
	events   *eventstore.DB
	targets  *target.Registry
	policy   Policy
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	lastRun  time.Time
	lastErr  error
	runCount int
}

// New constructs a Sweeper. interval is used when policy.CronExpr is empty;
// a zero interval defaults to one hour.
func New(events *eventstore.DB, targets *target.Registry, policy Policy, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		events:   events,
		targets:  targets,
		policy:   policy,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the sweep loop in the background.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
	logger.Info("retention sweeper started")
}

// Stop cancels the loop and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	for {
		wait := s.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if result, err := s.Sweep(s.ctx); err != nil {
				logger.Error("retention sweep failed: %v", err)
			} else {
				logger.Info("retention sweep: deleted=%d cleared=%d vacuumed=%v",
					result.SessionsDeleted, result.EventsCleared, result.Vacuumed)
			}
		}
	}
}

func (s *Sweeper) nextWait() time.Duration {
	if s.policy.CronExpr == "" {
		return s.interval
	}
	next, err := schedule.NextRun(s.policy.CronExpr, time.Now().UTC())
	if err != nil {
		logger.Error("invalid retention cron expression %q, falling back to interval: %v", s.policy.CronExpr, err)
		return s.interval
	}
	until := time.Until(next)
	if until <= 0 {
		return s.interval
	}
	return until
}

// Status reports the outcome of the most recent sweep, for health checks.
func (s *Sweeper) Status() (lastRun time.Time, runCount int, lastErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.runCount, s.lastErr
}

// Sweep runs one full pass of the three policies in priority order:
// keep_last_sessions, then raw_days, then max_db_mb. Each policy step is
// skipped when its threshold is zero. Destructive writes are atomic: each
// connector's keep_last deletions commit in one transaction, and raw_days
// clears in a single UPDATE (spec §4.12).
func (s *Sweeper) Sweep(ctx context.Context) (result Result, err error) {
	defer func() {
		s.mu.Lock()
		s.lastRun = time.Now().UTC()
		s.runCount++
		s.lastErr = err
		s.mu.Unlock()
	}()

	if sizeBefore, sizeErr := s.events.SizeBytes(); sizeErr == nil {
		result.SizeBeforeBytes = sizeBefore
	}

	if s.policy.KeepLastSessions > 0 {
		deleted, kerr := s.enforceKeepLast(ctx)
		if kerr != nil {
			err = fmt.Errorf("enforcing keep_last_sessions: %w", kerr)
			return result, err
		}
		result.SessionsDeleted += deleted
	}

	if s.policy.RawDays > 0 {
		cleared, cerr := s.events.ClearRawJSON(s.policy.RawDays, nil)
		if cerr != nil {
			err = fmt.Errorf("enforcing raw_days: %w", cerr)
			return result, err
		}
		result.EventsCleared = cleared
	}

	if s.policy.MaxDBMB > 0 {
		vacuumed, verr := s.enforceMaxSize(ctx)
		if verr != nil {
			err = fmt.Errorf("enforcing max_db_mb: %w", verr)
			return result, err
		}
		result.Vacuumed = vacuumed
	}

	if sizeAfter, sizeErr := s.events.SizeBytes(); sizeErr == nil {
		result.SizeAfterBytes = sizeAfter
	}

	return result, nil
}

// enforceKeepLast deletes, per connector, every unprotected session beyond
// the most recent KeepLastSessions (spec §4.12, §8 scenario 7).
func (s *Sweeper) enforceKeepLast(ctx context.Context) (int, error) {
	targets, err := s.targets.List(target.ListFilter{})
	if err != nil {
		return 0, err
	}

	total := 0
	for _, t := range targets {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		candidates, err := s.events.GetPruneCandidates(eventstore.PruneCandidateFilter{
			KeepLast:  s.policy.KeepLastSessions,
			Connector: t.ID,
		})
		if err != nil {
			return total, fmt.Errorf("listing prune candidates for %s: %w", t.ID, err)
		}
		if len(candidates) == 0 {
			continue
		}
		n, err := s.events.DeleteSessions(candidates)
		if err != nil {
			return total, fmt.Errorf("deleting sessions for %s: %w", t.ID, err)
		}
		total += n
	}
	return total, nil
}

// enforceMaxSize compacts the database once via VACUUM when it exceeds the
// configured ceiling. VACUUM itself reclaims space freed by earlier deletes
// and raw_json clears; it never deletes rows on its own.
func (s *Sweeper) enforceMaxSize(ctx context.Context) (bool, error) {
	size, err := s.events.SizeBytes()
	if err != nil {
		return false, err
	}
	limit := int64(s.policy.MaxDBMB) * 1024 * 1024
	if size <= limit {
		return false, nil
	}
	if err := s.events.Vacuum(); err != nil {
		return false, err
	}
	return true, nil
}
