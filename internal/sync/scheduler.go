package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrRunInProgress is returned when a batch run is requested while another is
// still active. The in-flight run's status is never interleaved with a second
// run's counters.
var ErrRunInProgress = errors.New("batch sync already running")

// Defaults for the batch scheduler.
const (
	// DefaultUserSpacing is the wait between consecutive users in a batch.
	// Upstream rate limits are per app, so the sweep is sequential and
	// spaced rather than fanned out.
	DefaultUserSpacing = 3 * time.Second

	// DefaultInterval is the period of the scheduled trigger.
	DefaultInterval = 60 * time.Minute
)

// UserSyncer performs a single user's sync. Implemented by *Engine.
type UserSyncer interface {
	SyncUser(ctx context.Context, userID, accessToken, refreshToken string) Outcome
}

// Status is the aggregate result of the most recent batch run. It is reset at
// the start of every run and lost on process restart; it is a diagnostic, not
// a durable record.
type Status struct {
	RunID          string    `json:"runId"`
	LastRun        time.Time `json:"lastRun"`
	Success        bool      `json:"success"`
	UsersProcessed int       `json:"usersProcessed"`
	TracksSynced   int       `json:"tracksSynced"`
	SuccessCount   int       `json:"successCount"`
	FailCount      int       `json:"failCount"`
	Errors         []string  `json:"errors"`
	Duration       string    `json:"duration"`
}

// Scheduler sweeps all linked users, invoking the per-user sync sequentially
// with inter-user spacing, and retains the aggregate result of the most
// recent run.
type Scheduler struct {
	syncer   UserSyncer
	creds    CredentialStore
	limiter  *rate.Limiter
	interval time.Duration
	logger   *log.Logger

	inFlight atomic.Bool

	mu     sync.RWMutex
	status Status
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithUserSpacing sets the delay between consecutive users in a batch.
func WithUserSpacing(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithInterval sets the period of the scheduled trigger.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// NewScheduler creates a batch scheduler.
func NewScheduler(syncer UserSyncer, creds CredentialStore, logger *log.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		syncer:   syncer,
		creds:    creds,
		limiter:  rate.NewLimiter(rate.Every(DefaultUserSpacing), 1),
		interval: DefaultInterval,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunBatch sweeps every linked user once. A second concurrent call returns
// ErrRunInProgress. An empty fleet is a valid steady state, not an error.
// Individual user failures are counted and never abort the remaining users;
// overall Success means the batch ran to completion, which is distinct from
// every user having succeeded.
func (s *Scheduler) RunBatch(ctx context.Context) (Status, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return Status{}, ErrRunInProgress
	}
	defer s.inFlight.Store(false)

	start := time.Now()
	runID := uuid.NewString()
	logger := s.logger.With("run", runID)

	s.setStatus(Status{
		RunID:   runID,
		LastRun: start,
		Errors:  []string{},
	})

	users, err := s.creds.ListLinked(ctx)
	if err != nil {
		logger.Error("listing linked users", "err", err)
		s.updateStatus(func(st *Status) {
			st.Errors = append(st.Errors, err.Error())
			st.Duration = time.Since(start).Round(time.Millisecond).String()
		})
		return s.Status(), fmt.Errorf("listing linked users: %w", err)
	}

	if len(users) == 0 {
		logger.Info("no users with spotify linked")
		s.updateStatus(func(st *Status) {
			st.Duration = time.Since(start).Round(time.Millisecond).String()
		})
		return s.Status(), nil
	}

	logger.Info("starting batch sync", "users", len(users))

	var successCount, failCount, totalSynced int
	var failures []string

	for i, user := range users {
		// The limiter starts with one free token, so the first user proceeds
		// immediately and each subsequent user waits out the spacing.
		if err := s.limiter.Wait(ctx); err != nil {
			failures = append(failures, fmt.Sprintf("batch interrupted: %v", err))
			failCount += len(users) - i
			break
		}

		outcome := s.syncOne(ctx, user.UserID, user.AccessToken, user.RefreshToken)
		if outcome.Success {
			successCount++
			totalSynced += outcome.Synced
		} else {
			failCount++
			failures = append(failures, fmt.Sprintf("user %s: %v", user.UserID, outcome.Err))
			logger.Warn("user sync failed", "user", user.UserID, "err", outcome.Err)
		}
	}

	duration := time.Since(start).Round(time.Millisecond)
	s.updateStatus(func(st *Status) {
		st.Success = true
		st.UsersProcessed = len(users)
		st.TracksSynced = totalSynced
		st.SuccessCount = successCount
		st.FailCount = failCount
		st.Errors = append(st.Errors, failures...)
		st.Duration = duration.String()
	})

	logger.Info("batch sync completed",
		"duration", duration,
		"success", successCount,
		"failed", failCount,
		"synced", totalSynced,
	)
	return s.Status(), nil
}

// syncOne isolates a single user's sync so an unexpected panic is counted as
// that user's failure instead of aborting the batch.
func (s *Scheduler) syncOne(ctx context.Context, userID, accessToken, refreshToken string) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{Err: fmt.Errorf("panic during sync: %v", r)}
		}
	}()
	return s.syncer.SyncUser(ctx, userID, accessToken, refreshToken)
}

// Run fires RunBatch on a ticker until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduled sync enabled", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduled sync stopped")
			return
		case <-ticker.C:
			if _, err := s.RunBatch(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
				s.logger.Error("scheduled sync failed", "err", err)
			}
		}
	}
}

// Trigger starts a batch run in the background and returns immediately. The
// manual and scheduled paths run the identical batch function and share one
// status object.
func (s *Scheduler) Trigger(ctx context.Context) {
	go func() {
		if _, err := s.RunBatch(ctx); err != nil {
			if errors.Is(err, ErrRunInProgress) {
				s.logger.Info("manual trigger ignored, batch already running")
				return
			}
			s.logger.Error("manual sync failed", "err", err)
		}
	}()
}

// Running reports whether a batch run is currently in flight.
func (s *Scheduler) Running() bool {
	return s.inFlight.Load()
}

// Interval returns the scheduled trigger period.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Status returns a copy of the most recent batch run's aggregate.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.status
	st.Errors = append([]string(nil), s.status.Errors...)
	return st
}

func (s *Scheduler) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Scheduler) updateStatus(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}
