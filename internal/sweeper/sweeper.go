// Package sweeper runs the periodic expiry sweep independently of request traffic.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"school-platform/devicequota/internal/quota"
)

// ErrBusy is returned by RunOnce while another sweep is in progress.
var ErrBusy = errors.New("sweeper: sweep already running")

// Target is the ledger operation the sweeper drives.
type Target interface {
	Sweep(ctx context.Context) (quota.SweepResult, error)
}

// Status is a snapshot of the last sweep.
type Status struct {
	Running   bool       `json:"running"`
	Runs      int64      `json:"runs"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt time.Time  `json:"nextRunAt"`
	Expired   int        `json:"expired"`
	Purged    int        `json:"purged"`
	LastError string     `json:"lastError,omitempty"`
}

// Sweeper calls Target.Sweep every interval until its context is canceled.
type Sweeper struct {
	target   Target
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	status Status
}

// New returns a Sweeper. Each run is bounded by interval.
func New(target Target, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{target: target, interval: interval, logger: logger.Named("sweeper")}
}

// Run blocks, sweeping on a fixed schedule until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started", zap.Duration("interval", s.interval))
	for {
		s.mu.Lock()
		next := time.Now().Add(s.interval)
		s.status.NextRunAt = next
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-time.After(time.Until(next)):
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrBusy) && ctx.Err() == nil {
				s.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single sweep now. It returns ErrBusy if a sweep is already running.
func (s *Sweeper) RunOnce(ctx context.Context) (quota.SweepResult, error) {
	s.mu.Lock()
	if s.status.Running {
		s.mu.Unlock()
		return quota.SweepResult{}, ErrBusy
	}
	s.status.Running = true
	s.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()
	started := time.Now()
	res, err := s.target.Sweep(runCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Running = false
	s.status.Runs++
	s.status.LastRunAt = &started
	s.status.Expired = res.Expired
	s.status.Purged = res.Purged
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
		return res, err
	}
	if res.Expired > 0 || res.Purged > 0 {
		s.logger.Info("sweep finished",
			zap.Int("expired", res.Expired), zap.Int("purged", res.Purged), zap.Duration("took", time.Since(started)))
	}
	return res, nil
}

// Status returns the current snapshot.
func (s *Sweeper) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if st.LastRunAt != nil {
		t := *st.LastRunAt
		st.LastRunAt = &t
	}
	return st
}
