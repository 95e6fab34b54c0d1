// Package quota decides device admissions against per-group limits and administers device sessions.
// All state lives in the session store; the ledger adds validation, bounded retries, timeouts,
// metrics and lifecycle events around the store's atomic primitives.
package quota

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"school-platform/devicequota/internal/devicesession/domain"
	"school-platform/devicequota/internal/devicesession/repository"
	"school-platform/devicequota/internal/telemetry"
	eventdomain "school-platform/devicequota/internal/telemetry/domain"
)

const instrumentationName = "school-platform/devicequota/quota"

const eventSource = "quota"

var (
	// ErrUnavailable is returned when the store could not be reached within the retry budget.
	// It never accompanies an ADMITTED decision.
	ErrUnavailable = errors.New("quota: session store unavailable")
	// ErrInvalidArgument is returned for malformed group ids, fingerprints, session ids or limits.
	ErrInvalidArgument = errors.New("quota: invalid argument")
)

// Options tune the ledger. Zero values fall back to the documented defaults.
type Options struct {
	// SessionTimeout is the liveness window granted by an admission or heartbeat (default 90s).
	SessionTimeout time.Duration
	// OperationTimeout bounds each store attempt (default 3s).
	OperationTimeout time.Duration
	// MaxRetries is how many times a transient failure is retried after the first attempt.
	MaxRetries int
	// FailOpen admits devices without a session when the store is unavailable.
	FailOpen bool
	// Retention is how long ended sessions are kept before the sweeper purges them (default 24h).
	Retention time.Duration
	// SweepBatch caps sessions expired or purged per sweep (default 500).
	SweepBatch int
}

func (o Options) withDefaults() Options {
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 90 * time.Second
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 3 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 500
	}
	return o
}

// AdmitRequest asks for a slot in GroupID's quota for the device identified by FingerprintHash.
type AdmitRequest struct {
	GroupID         string
	FingerprintHash string
	Meta            domain.DeviceMeta
	// Limit overrides the stored and default limits when > 0.
	Limit int
	// Actor is the authenticated caller, recorded on events only.
	Actor string
}

type instruments struct {
	admissions    metric.Int64Counter
	admitDuration metric.Float64Histogram
	sweepExpired  metric.Int64Counter
}

// Ledger is the single entry point for admission decisions and session administration.
type Ledger struct {
	repo    repository.Repository
	limits  LimitPolicy
	opts    Options
	emitter telemetry.EventEmitter
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics instruments

	nowF  func() time.Time
	newID func() string
}

// NewLedger returns a ledger over repo. emitter may be nil; logger may be nil.
// Metrics and spans use the global OTel providers.
func NewLedger(repo repository.Repository, limits LimitPolicy, opts Options, emitter telemetry.EventEmitter, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	var m instruments
	var err error
	if m.admissions, err = meter.Int64Counter("quota.admissions",
		metric.WithDescription("Admission decisions by outcome")); err != nil {
		logger.Warn("quota: create admissions counter", zap.Error(err))
	}
	if m.admitDuration, err = meter.Float64Histogram("quota.admit.duration",
		metric.WithDescription("Admission latency including retries"), metric.WithUnit("s")); err != nil {
		logger.Warn("quota: create admit duration histogram", zap.Error(err))
	}
	if m.sweepExpired, err = meter.Int64Counter("quota.sweep.expired",
		metric.WithDescription("Sessions expired by the sweeper")); err != nil {
		logger.Warn("quota: create sweep counter", zap.Error(err))
	}
	return &Ledger{
		repo:    repo,
		limits:  limits,
		opts:    opts.withDefaults(),
		emitter: emitter,
		logger:  logger.Named("quota"),
		tracer:  otel.Tracer(instrumentationName),
		metrics: m,
		nowF:    time.Now,
		newID:   uuid.NewString,
	}
}

func (l *Ledger) now() time.Time { return l.nowF() }

// SessionTimeout returns the configured liveness window.
func (l *Ledger) SessionTimeout() time.Duration { return l.opts.SessionTimeout }

// withRetry runs op under the per-attempt timeout, retrying transient failures with exponential backoff.
// Cancellation or expiry of ctx itself stops retrying. Exhausted or stopped attempts yield ErrUnavailable.
func withRetry[T any](ctx context.Context, l *Ledger, name string, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, l.opts.OperationTimeout)
		defer cancel()
		v, err := op(attemptCtx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		if errors.Is(err, ErrInvalidArgument) {
			return v, backoff.Permanent(err)
		}
		l.logger.Debug("store attempt failed", zap.String("op", name), zap.Int("attempt", attempt), zap.Error(err))
		return v, err
	}, backoff.WithBackOff(l.newBackOff()), backoff.WithMaxTries(uint(l.opts.MaxRetries+1)))
	if err != nil {
		var zero T
		if errors.Is(err, ErrInvalidArgument) {
			return zero, err
		}
		return zero, fmt.Errorf("%w: %s: %w", ErrUnavailable, name, err)
	}
	return res, nil
}

func (l *Ledger) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.Multiplier = 2
	return b
}

func validFingerprint(h string) bool {
	if len(h) != 64 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Admit decides whether the device may hold a slot in the group. A live session for the same
// fingerprint is renewed without consuming quota; otherwise a new session is created only when the
// group's live count is below its limit. The decision is made atomically by the store.
func (l *Ledger) Admit(ctx context.Context, req AdmitRequest) (domain.Decision, error) {
	if err := domain.ValidateGroupID(req.GroupID); err != nil {
		return domain.Decision{}, invalid("group id %q", req.GroupID)
	}
	if !validFingerprint(req.FingerprintHash) {
		return domain.Decision{}, invalid("fingerprint hash must be 64 hex characters")
	}
	if req.Limit < 0 {
		return domain.Decision{}, invalid("limit must not be negative")
	}

	ctx, span := l.tracer.Start(ctx, "quota.Admit", trace.WithAttributes(attribute.String("group_id", req.GroupID)))
	defer span.End()
	start := time.Now()

	defaultLimit := l.limits.For(req.GroupID)
	dec, err := withRetry(ctx, l, "admit", func(ctx context.Context) (domain.Decision, error) {
		return l.repo.Admit(ctx, repository.AdmitParams{
			GroupID:         req.GroupID,
			FingerprintHash: req.FingerprintHash,
			Meta:            req.Meta,
			Limit:           req.Limit,
			DefaultLimit:    defaultLimit,
			SessionID:       l.newID(),
			Now:             l.now(),
			TTL:             l.opts.SessionTimeout,
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		if l.opts.FailOpen && ctx.Err() == nil {
			dec = l.degraded(req, defaultLimit)
			l.logger.Warn("admitting without a session: store unavailable",
				zap.String("group_id", req.GroupID), zap.Error(err))
			l.record(ctx, start, dec)
			l.emitDecision(ctx, req, dec)
			return dec, nil
		}
		l.logger.Error("admit failed", zap.String("group_id", req.GroupID), zap.Error(err))
		return domain.Decision{}, err
	}

	span.SetAttributes(attribute.String("outcome", string(dec.Outcome)), attribute.Int("current_count", dec.CurrentCount))
	l.record(ctx, start, dec)
	l.emitDecision(ctx, req, dec)
	if dec.Outcome == domain.OutcomeRejected {
		l.logger.Info("device rejected",
			zap.String("group_id", req.GroupID), zap.Int("limit", dec.Limit), zap.Int("current_count", dec.CurrentCount))
	}
	return dec, nil
}

func (l *Ledger) degraded(req AdmitRequest, defaultLimit int) domain.Decision {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	return domain.Decision{
		Outcome:   domain.OutcomeAdmitted,
		Limit:     limit,
		ExpiresAt: l.now().Add(l.opts.SessionTimeout),
		Degraded:  true,
	}
}

func (l *Ledger) record(ctx context.Context, start time.Time, dec domain.Decision) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", string(dec.Outcome)),
		attribute.Bool("degraded", dec.Degraded),
	)
	if l.metrics.admissions != nil {
		l.metrics.admissions.Add(ctx, 1, attrs)
	}
	if l.metrics.admitDuration != nil {
		l.metrics.admitDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

func (l *Ledger) emitDecision(ctx context.Context, req AdmitRequest, dec domain.Decision) {
	var eventType string
	switch {
	case dec.Degraded:
		eventType = eventdomain.TypeDegraded
	case dec.Outcome == domain.OutcomeAdmitted:
		eventType = eventdomain.TypeAdmitted
	case dec.Outcome == domain.OutcomeRenewed:
		eventType = eventdomain.TypeRenewed
	default:
		eventType = eventdomain.TypeRejected
	}
	e := eventdomain.NewEvent(eventType, eventSource, l.now())
	e.GroupID = req.GroupID
	e.SessionID = dec.SessionID
	e.Actor = req.Actor
	e.With("limit", strconv.Itoa(dec.Limit)).
		With("current_count", strconv.Itoa(dec.CurrentCount)).
		With("device_type", req.Meta.DeviceType).
		With("fingerprint_prefix", req.FingerprintHash[:12])
	l.emit(ctx, e)
}

func (l *Ledger) emit(ctx context.Context, e *eventdomain.Event) {
	if l.emitter == nil {
		return
	}
	telemetry.EmitAsync(l.emitter, ctx, e)
}

// Heartbeat extends a live session. Unknown or malformed ids yield NOT_FOUND; sessions that ended or ran
// past their expiry yield EXPIRED and the device must admit again.
func (l *Ledger) Heartbeat(ctx context.Context, sessionID string) (domain.HeartbeatResult, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return domain.HeartbeatResult{Status: domain.HeartbeatNotFound}, nil
	}
	ctx, span := l.tracer.Start(ctx, "quota.Heartbeat")
	defer span.End()

	res, err := withRetry(ctx, l, "heartbeat", func(ctx context.Context) (domain.HeartbeatResult, error) {
		return l.repo.Heartbeat(ctx, sessionID, l.now(), l.opts.SessionTimeout)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		return domain.HeartbeatResult{}, err
	}
	span.SetAttributes(attribute.String("status", string(res.Status)))
	if res.Status != domain.HeartbeatRenewed {
		e := eventdomain.NewEvent(eventdomain.TypeHeartbeatMiss, eventSource, l.now())
		e.SessionID = sessionID
		e.With("status", string(res.Status))
		l.emit(ctx, e)
	}
	return res, nil
}

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Expired int
	Purged  int
}

// Sweep ends sessions whose expiry has passed and purges sessions that ended longer than the retention
// period ago. Each store call is bounded by the operation timeout; it is safe to run alongside admissions.
func (l *Ledger) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := l.tracer.Start(ctx, "quota.Sweep")
	defer span.End()

	var res SweepResult
	now := l.now()
	expired, err := withRetry(ctx, l, "expire", func(ctx context.Context) ([]*domain.DeviceSession, error) {
		return l.repo.ExpireDue(ctx, now, l.opts.SweepBatch)
	})
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	res.Expired = len(expired)
	if l.metrics.sweepExpired != nil && res.Expired > 0 {
		l.metrics.sweepExpired.Add(ctx, int64(res.Expired))
	}
	for _, s := range expired {
		e := eventdomain.NewEvent(eventdomain.TypeExpired, "sweeper", now)
		e.GroupID = s.GroupID
		e.SessionID = s.ID
		e.With("last_active", s.LastActive.UTC().Format(time.RFC3339))
		l.emit(ctx, e)
	}

	purged, err := withRetry(ctx, l, "purge", func(ctx context.Context) (int, error) {
		return l.repo.PurgeInactive(ctx, now.Add(-l.opts.Retention), l.opts.SweepBatch)
	})
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	res.Purged = purged
	span.SetAttributes(attribute.Int("expired", res.Expired), attribute.Int("purged", res.Purged))
	return res, nil
}

// Ping checks the store within the operation timeout.
func (l *Ledger) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.opts.OperationTimeout)
	defer cancel()
	return l.repo.Ping(ctx)
}
