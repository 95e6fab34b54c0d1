package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"school-platform/devicequota/internal/devicesession/domain"
)

const sessionColumns = `id, group_id, fingerprint_hash, ip_address, user_agent, device_type, browser, os,
	created_at, last_active, expires_at, is_active, ended_at, end_reason`

// Postgres error codes treated as lost races.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a device session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.DeviceSession, error) {
	var (
		s         domain.DeviceSession
		endedAt   sql.NullTime
		endReason sql.NullString
	)
	err := row.Scan(&s.ID, &s.GroupID, &s.FingerprintHash, &s.IPAddress, &s.UserAgent, &s.DeviceType,
		&s.Browser, &s.OS, &s.CreatedAt, &s.LastActive, &s.ExpiresAt, &s.IsActive, &endedAt, &endReason)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	if endReason.Valid {
		s.EndReason = domain.EndReason(endReason.String)
	}
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]*domain.DeviceSession, error) {
	defer rows.Close()
	var out []*domain.DeviceSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// classify maps lost-race Postgres errors to ErrConflict so the ledger can retry them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Code)
		}
	}
	return err
}

// Admit runs renew-or-insert in one transaction. The group row is locked FOR UPDATE first, so
// admissions for one group are serialized while other groups proceed independently.
func (r *PostgresRepository) Admit(ctx context.Context, p AdmitParams) (dec domain.Decision, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			err = classify(err)
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO device_quota_groups (group_id, updated_at) VALUES ($1, $2) ON CONFLICT (group_id) DO NOTHING`,
		p.GroupID, p.Now); err != nil {
		return domain.Decision{}, err
	}
	var stored sql.NullInt64
	if err = tx.QueryRowContext(ctx,
		`SELECT device_limit FROM device_quota_groups WHERE group_id = $1 FOR UPDATE`, p.GroupID).Scan(&stored); err != nil {
		return domain.Decision{}, err
	}
	limit := p.EffectiveLimit(int(stored.Int64))

	// Sessions already past expiry no longer count; end them before deciding.
	if _, err = tx.ExecContext(ctx,
		`UPDATE device_sessions SET is_active = FALSE, ended_at = $2, end_reason = $3
		 WHERE group_id = $1 AND is_active AND expires_at <= $2`,
		p.GroupID, p.Now, string(domain.EndReasonExpired)); err != nil {
		return domain.Decision{}, err
	}

	expiresAt := p.Now.Add(p.TTL)
	var renewedID string
	err = tx.QueryRowContext(ctx,
		`UPDATE device_sessions SET last_active = $3, expires_at = $4
		 WHERE group_id = $1 AND fingerprint_hash = $2 AND is_active
		 RETURNING id`,
		p.GroupID, p.FingerprintHash, p.Now, expiresAt).Scan(&renewedID)
	switch {
	case err == nil:
		var count int
		if err = tx.QueryRowContext(ctx,
			`SELECT count(*) FROM device_sessions WHERE group_id = $1 AND is_active AND expires_at > $2`,
			p.GroupID, p.Now).Scan(&count); err != nil {
			return domain.Decision{}, err
		}
		if err = tx.Commit(); err != nil {
			return domain.Decision{}, err
		}
		return domain.Decision{
			Outcome: domain.OutcomeRenewed, SessionID: renewedID, Limit: limit, CurrentCount: count, ExpiresAt: expiresAt,
		}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return domain.Decision{}, err
	}

	var count int
	if err = tx.QueryRowContext(ctx,
		`SELECT count(*) FROM device_sessions WHERE group_id = $1 AND is_active AND expires_at > $2`,
		p.GroupID, p.Now).Scan(&count); err != nil {
		return domain.Decision{}, err
	}
	if count >= limit {
		if err = tx.Commit(); err != nil {
			return domain.Decision{}, err
		}
		return domain.Decision{Outcome: domain.OutcomeRejected, Limit: limit, CurrentCount: count}, nil
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO device_sessions (id, group_id, fingerprint_hash, ip_address, user_agent, device_type, browser, os,
			created_at, last_active, expires_at, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $10, TRUE)`,
		p.SessionID, p.GroupID, p.FingerprintHash, p.Meta.IPAddress, p.Meta.UserAgent, p.Meta.DeviceType,
		p.Meta.Browser, p.Meta.OS, p.Now, expiresAt); err != nil {
		return domain.Decision{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Decision{}, err
	}
	return domain.Decision{
		Outcome: domain.OutcomeAdmitted, SessionID: p.SessionID, Limit: limit, CurrentCount: count + 1, ExpiresAt: expiresAt,
	}, nil
}

// Heartbeat extends the session only while it is active and unexpired; the guard lives in the UPDATE.
func (r *PostgresRepository) Heartbeat(ctx context.Context, sessionID string, now time.Time, ttl time.Duration) (domain.HeartbeatResult, error) {
	expiresAt := now.Add(ttl)
	var got time.Time
	err := r.db.QueryRowContext(ctx,
		`UPDATE device_sessions SET last_active = $2, expires_at = $3
		 WHERE id = $1 AND is_active AND expires_at > $2
		 RETURNING expires_at`,
		sessionID, now, expiresAt).Scan(&got)
	if err == nil {
		return domain.HeartbeatResult{Status: domain.HeartbeatRenewed, ExpiresAt: got}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.HeartbeatResult{}, classify(err)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE device_sessions SET is_active = FALSE, ended_at = $2, end_reason = $3
		 WHERE id = $1 AND is_active AND expires_at <= $2`,
		sessionID, now, string(domain.EndReasonExpired))
	if err != nil {
		return domain.HeartbeatResult{}, classify(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return domain.HeartbeatResult{Status: domain.HeartbeatExpired}, nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM device_sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
		return domain.HeartbeatResult{}, classify(err)
	}
	if !exists {
		return domain.HeartbeatResult{Status: domain.HeartbeatNotFound}, nil
	}
	return domain.HeartbeatResult{Status: domain.HeartbeatExpired}, nil
}

// GetByID returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.DeviceSession, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM device_sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return s, nil
}

// Deactivate ends the session if it is still active and returns it; nil when nothing changed.
func (r *PostgresRepository) Deactivate(ctx context.Context, id string, reason domain.EndReason, now time.Time) (*domain.DeviceSession, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx,
		`UPDATE device_sessions SET is_active = FALSE, ended_at = $2, end_reason = $3
		 WHERE id = $1 AND is_active
		 RETURNING `+sessionColumns,
		id, now, string(reason)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return s, nil
}

// DeactivateGroup ends all active sessions in the group.
func (r *PostgresRepository) DeactivateGroup(ctx context.Context, groupID string, reason domain.EndReason, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE device_sessions SET is_active = FALSE, ended_at = $2, end_reason = $3
		 WHERE group_id = $1 AND is_active`,
		groupID, now, string(reason))
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListActive returns live sessions for the group ordered by creation time.
func (r *PostgresRepository) ListActive(ctx context.Context, groupID string, now time.Time) ([]*domain.DeviceSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM device_sessions
		 WHERE group_id = $1 AND is_active AND expires_at > $2
		 ORDER BY created_at`,
		groupID, now)
	if err != nil {
		return nil, classify(err)
	}
	return scanSessions(rows)
}

// CountActive returns the number of live sessions for the group.
func (r *PostgresRepository) CountActive(ctx context.Context, groupID string, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM device_sessions WHERE group_id = $1 AND is_active AND expires_at > $2`,
		groupID, now).Scan(&n)
	return n, classify(err)
}

// GetLimit returns the stored limit for the group, or 0 when the group has none.
func (r *PostgresRepository) GetLimit(ctx context.Context, groupID string) (int, error) {
	var limit sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT device_limit FROM device_quota_groups WHERE group_id = $1`, groupID).Scan(&limit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, classify(err)
	}
	return int(limit.Int64), nil
}

// SetLimit upserts the group's limit. Admissions read it under the group row lock.
func (r *PostgresRepository) SetLimit(ctx context.Context, groupID string, limit int, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_quota_groups (group_id, device_limit, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (group_id) DO UPDATE SET device_limit = EXCLUDED.device_limit, updated_at = EXCLUDED.updated_at`,
		groupID, limit, now)
	return classify(err)
}

// ExpireDue ends up to batch expired sessions. Rows locked by in-flight admissions are skipped
// and picked up on the next run; the outer WHERE re-checks each row at update time.
func (r *PostgresRepository) ExpireDue(ctx context.Context, now time.Time, batch int) ([]*domain.DeviceSession, error) {
	if batch <= 0 {
		batch = 500
	}
	rows, err := r.db.QueryContext(ctx,
		`UPDATE device_sessions SET is_active = FALSE, ended_at = $1, end_reason = $2
		 WHERE id IN (
			SELECT id FROM device_sessions
			WHERE is_active AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		 ) AND is_active AND expires_at <= $1
		 RETURNING `+sessionColumns,
		now, string(domain.EndReasonExpired), batch)
	if err != nil {
		return nil, classify(err)
	}
	return scanSessions(rows)
}

// PurgeInactive deletes up to batch sessions that ended before the cutoff.
func (r *PostgresRepository) PurgeInactive(ctx context.Context, endedBefore time.Time, batch int) (int, error) {
	if batch <= 0 {
		batch = 500
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM device_sessions WHERE id IN (
			SELECT id FROM device_sessions WHERE NOT is_active AND ended_at < $1 LIMIT $2
		 )`,
		endedBefore, batch)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Ping verifies the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
