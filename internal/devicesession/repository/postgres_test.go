package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"school-platform/devicequota/internal/db"
	"school-platform/devicequota/internal/db/migrate"
	"school-platform/devicequota/internal/devicesession/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping Postgres store tests")
	}
	if err := migrate.Run(dsn, "up"); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	conn, err := db.Open(dsn, db.PoolOptions{MaxOpenConns: 20}, 5*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestPostgresRepository(t *testing.T) {
	conn := openTestDB(t)
	runStoreSuite(t, func(t *testing.T) Repository {
		if _, err := conn.Exec(`TRUNCATE device_sessions, device_quota_groups`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return NewPostgresRepository(conn)
	})
}

func TestPostgresRepository_PurgeInactive(t *testing.T) {
	conn := openTestDB(t)
	if _, err := conn.Exec(`TRUNCATE device_sessions, device_quota_groups`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	repo := NewPostgresRepository(conn)
	ctx := context.Background()
	dec, _ := repo.Admit(ctx, admitParams("class:p", 1, suiteBase))
	if _, err := repo.Deactivate(ctx, dec.SessionID, domain.EndReasonLogout, suiteBase); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	n, err := repo.PurgeInactive(ctx, suiteBase.Add(time.Hour), 10)
	if err != nil || n != 1 {
		t.Errorf("PurgeInactive = %d, %v, want 1", n, err)
	}
	if s, _ := repo.GetByID(ctx, dec.SessionID); s != nil {
		t.Errorf("GetByID after purge = %+v, want nil", s)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
	}{
		{"nil", nil, false},
		{"unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"check violation", &pgconn.PgError{Code: "23514"}, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if errors.Is(got, ErrConflict) != tt.conflict {
				t.Errorf("classify(%v) = %v, conflict want %v", tt.err, got, tt.conflict)
			}
		})
	}
}
