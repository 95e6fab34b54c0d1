package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"school-platform/devicequota/internal/devicesession/domain"
)

const suiteTTL = 90 * time.Second

// suiteBase has millisecond precision so every store round-trips it exactly.
var suiteBase = time.UnixMilli(1_760_000_000_000).UTC()

func fp(n int) string { return fmt.Sprintf("%064x", n) }

func admitParams(group string, fingerprint int, now time.Time) AdmitParams {
	return AdmitParams{
		GroupID:         group,
		FingerprintHash: fp(fingerprint),
		Meta:            domain.DeviceMeta{IPAddress: "10.0.0.1", UserAgent: "test-agent", DeviceType: "desktop", Browser: "Firefox", OS: "Linux"},
		DefaultLimit:    1,
		SessionID:       uuid.NewString(),
		Now:             now,
		TTL:             suiteTTL,
	}
}

// admitRetry retries lost races the way the ledger does.
func admitRetry(ctx context.Context, repo Repository, p AdmitParams) (domain.Decision, error) {
	for i := 0; ; i++ {
		p.SessionID = uuid.NewString()
		dec, err := repo.Admit(ctx, p)
		if errors.Is(err, ErrConflict) && i < 10 {
			continue
		}
		return dec, err
	}
}

// runStoreSuite checks the Repository contract. newRepo must return an empty store.
func runStoreSuite(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("AdmitThenRenew", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		first, err := repo.Admit(ctx, admitParams("class:a", 1, suiteBase))
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
		if first.Outcome != domain.OutcomeAdmitted || first.CurrentCount != 1 || first.Limit != 1 {
			t.Fatalf("first = %+v, want ADMITTED 1/1", first)
		}
		if !first.ExpiresAt.Equal(suiteBase.Add(suiteTTL)) {
			t.Errorf("ExpiresAt = %v, want %v", first.ExpiresAt, suiteBase.Add(suiteTTL))
		}
		later := suiteBase.Add(30 * time.Second)
		second, err := repo.Admit(ctx, admitParams("class:a", 1, later))
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
		if second.Outcome != domain.OutcomeRenewed || second.SessionID != first.SessionID {
			t.Fatalf("second = %+v, want RENEWED of %s", second, first.SessionID)
		}
		if second.CurrentCount != 1 {
			t.Errorf("CurrentCount = %d, want 1", second.CurrentCount)
		}
		if !second.ExpiresAt.Equal(later.Add(suiteTTL)) {
			t.Errorf("ExpiresAt = %v, want %v", second.ExpiresAt, later.Add(suiteTTL))
		}
		s, err := repo.GetByID(ctx, first.SessionID)
		if err != nil || s == nil {
			t.Fatalf("GetByID: %v, %v", s, err)
		}
		if s.GroupID != "class:a" || s.FingerprintHash != fp(1) || s.Browser != "Firefox" || !s.IsActive {
			t.Errorf("session = %+v", s)
		}
		if !s.LastActive.Equal(later) || !s.CreatedAt.Equal(suiteBase) {
			t.Errorf("LastActive = %v CreatedAt = %v", s.LastActive, s.CreatedAt)
		}
	})

	t.Run("RejectsAtLimit", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		for i := 1; i <= 2; i++ {
			p := admitParams("class:b", i, suiteBase)
			p.DefaultLimit = 2
			dec, err := repo.Admit(ctx, p)
			if err != nil || dec.Outcome != domain.OutcomeAdmitted {
				t.Fatalf("Admit %d = %+v, %v", i, dec, err)
			}
		}
		p := admitParams("class:b", 3, suiteBase)
		p.DefaultLimit = 2
		dec, err := repo.Admit(ctx, p)
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
		if dec.Outcome != domain.OutcomeRejected || dec.CurrentCount != 2 || dec.Limit != 2 || dec.SessionID != "" {
			t.Errorf("dec = %+v, want REJECTED 2/2 with no session", dec)
		}
	})

	t.Run("ConcurrentAdmitsNeverExceedLimit", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		const limit, callers = 3, 20
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p := admitParams("class:c", i, suiteBase)
				p.DefaultLimit = limit
				dec, err := admitRetry(ctx, repo, p)
				if err != nil {
					t.Errorf("Admit %d: %v", i, err)
					return
				}
				if dec.CurrentCount > limit {
					t.Errorf("CurrentCount = %d exceeds limit", dec.CurrentCount)
				}
				if dec.Outcome == domain.OutcomeAdmitted {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if admitted != limit {
			t.Errorf("admitted = %d, want %d", admitted, limit)
		}
		n, err := repo.CountActive(ctx, "class:c", suiteBase)
		if err != nil {
			t.Fatalf("CountActive: %v", err)
		}
		if n != limit {
			t.Errorf("CountActive = %d, want %d", n, limit)
		}
	})

	t.Run("ConcurrentSameFingerprintTakesOneSlot", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		results := make([]domain.Decision, 10)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p := admitParams("class:d", 7, suiteBase)
				p.DefaultLimit = 5
				dec, err := admitRetry(ctx, repo, p)
				if err != nil {
					t.Errorf("Admit: %v", err)
				}
				results[i] = dec
			}(i)
		}
		wg.Wait()
		admitted := 0
		for _, dec := range results {
			if dec.Outcome == domain.OutcomeAdmitted {
				admitted++
			}
		}
		if admitted != 1 {
			t.Errorf("admitted = %d, want 1", admitted)
		}
		n, _ := repo.CountActive(ctx, "class:d", suiteBase)
		if n != 1 {
			t.Errorf("CountActive = %d, want 1", n)
		}
	})

	t.Run("ExpiredSessionFreesCapacity", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		first, err := repo.Admit(ctx, admitParams("class:e", 1, suiteBase))
		if err != nil || first.Outcome != domain.OutcomeAdmitted {
			t.Fatalf("Admit = %+v, %v", first, err)
		}
		dec, err := repo.Admit(ctx, admitParams("class:e", 2, suiteBase.Add(suiteTTL-time.Second)))
		if err != nil || dec.Outcome != domain.OutcomeRejected {
			t.Fatalf("Admit before expiry = %+v, %v, want REJECTED", dec, err)
		}
		dec, err = repo.Admit(ctx, admitParams("class:e", 2, suiteBase.Add(suiteTTL)))
		if err != nil || dec.Outcome != domain.OutcomeAdmitted {
			t.Fatalf("Admit at expiry = %+v, %v, want ADMITTED", dec, err)
		}
		old, err := repo.GetByID(ctx, first.SessionID)
		if err != nil || old == nil {
			t.Fatalf("GetByID: %v, %v", old, err)
		}
		if old.IsActive || old.EndReason != domain.EndReasonExpired {
			t.Errorf("old session active=%v reason=%q, want ended as expired", old.IsActive, old.EndReason)
		}
	})

	t.Run("ExpiredFingerprintGetsNewSession", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		first, _ := repo.Admit(ctx, admitParams("class:f", 1, suiteBase))
		dec, err := repo.Admit(ctx, admitParams("class:f", 1, suiteBase.Add(2*suiteTTL)))
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
		if dec.Outcome != domain.OutcomeAdmitted || dec.SessionID == first.SessionID {
			t.Errorf("dec = %+v, want a new ADMITTED session", dec)
		}
	})

	t.Run("Heartbeat", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		dec, _ := repo.Admit(ctx, admitParams("class:g", 1, suiteBase))

		now := suiteBase.Add(60 * time.Second)
		hb, err := repo.Heartbeat(ctx, dec.SessionID, now, suiteTTL)
		if err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
		if hb.Status != domain.HeartbeatRenewed || !hb.ExpiresAt.Equal(now.Add(suiteTTL)) {
			t.Errorf("hb = %+v, want RENEWED until %v", hb, now.Add(suiteTTL))
		}

		hb, err = repo.Heartbeat(ctx, uuid.NewString(), now, suiteTTL)
		if err != nil || hb.Status != domain.HeartbeatNotFound {
			t.Errorf("unknown id = %+v, %v, want NOT_FOUND", hb, err)
		}

		late := now.Add(suiteTTL)
		hb, err = repo.Heartbeat(ctx, dec.SessionID, late, suiteTTL)
		if err != nil || hb.Status != domain.HeartbeatExpired {
			t.Fatalf("late heartbeat = %+v, %v, want EXPIRED", hb, err)
		}
		s, _ := repo.GetByID(ctx, dec.SessionID)
		if s == nil || s.IsActive || s.EndReason != domain.EndReasonExpired {
			t.Errorf("session after late heartbeat = %+v", s)
		}
		hb, err = repo.Heartbeat(ctx, dec.SessionID, late, suiteTTL)
		if err != nil || hb.Status != domain.HeartbeatExpired {
			t.Errorf("repeat heartbeat = %+v, %v, want EXPIRED", hb, err)
		}
	})

	t.Run("DeactivateFreesCapacity", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		dec, _ := repo.Admit(ctx, admitParams("class:h", 1, suiteBase))
		now := suiteBase.Add(time.Second)
		ended, err := repo.Deactivate(ctx, dec.SessionID, domain.EndReasonLogout, now)
		if err != nil {
			t.Fatalf("Deactivate: %v", err)
		}
		if ended == nil || ended.IsActive || ended.EndReason != domain.EndReasonLogout || ended.EndedAt == nil {
			t.Fatalf("ended = %+v", ended)
		}
		if !ended.EndedAt.Equal(now) {
			t.Errorf("EndedAt = %v, want %v", ended.EndedAt, now)
		}
		again, err := repo.Deactivate(ctx, dec.SessionID, domain.EndReasonLogout, now)
		if err != nil || again != nil {
			t.Errorf("second Deactivate = %+v, %v, want nil", again, err)
		}
		missing, err := repo.Deactivate(ctx, uuid.NewString(), domain.EndReasonLogout, now)
		if err != nil || missing != nil {
			t.Errorf("unknown Deactivate = %+v, %v, want nil", missing, err)
		}
		next, err := repo.Admit(ctx, admitParams("class:h", 2, now))
		if err != nil || next.Outcome != domain.OutcomeAdmitted {
			t.Errorf("Admit after logout = %+v, %v, want ADMITTED", next, err)
		}
	})

	t.Run("DeactivateGroup", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		for i := 1; i <= 3; i++ {
			p := admitParams("school:s1:role:teacher", i, suiteBase)
			p.DefaultLimit = 3
			if _, err := repo.Admit(ctx, p); err != nil {
				t.Fatalf("Admit: %v", err)
			}
		}
		other, _ := repo.Admit(ctx, admitParams("class:other", 1, suiteBase))

		n, err := repo.DeactivateGroup(ctx, "school:s1:role:teacher", domain.EndReasonReset, suiteBase.Add(time.Second))
		if err != nil {
			t.Fatalf("DeactivateGroup: %v", err)
		}
		if n != 3 {
			t.Errorf("cleared = %d, want 3", n)
		}
		if c, _ := repo.CountActive(ctx, "school:s1:role:teacher", suiteBase.Add(time.Second)); c != 0 {
			t.Errorf("CountActive = %d, want 0", c)
		}
		s, _ := repo.GetByID(ctx, other.SessionID)
		if s == nil || !s.IsActive {
			t.Errorf("other group's session = %+v, want active", s)
		}
		n, _ = repo.DeactivateGroup(ctx, "school:s1:role:teacher", domain.EndReasonReset, suiteBase.Add(time.Second))
		if n != 0 {
			t.Errorf("second reset cleared = %d, want 0", n)
		}
	})

	t.Run("StoredAndExplicitLimits", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		if got, _ := repo.GetLimit(ctx, "class:i"); got != 0 {
			t.Errorf("GetLimit = %d, want 0 before SetLimit", got)
		}
		if err := repo.SetLimit(ctx, "class:i", 2, suiteBase); err != nil {
			t.Fatalf("SetLimit: %v", err)
		}
		if got, _ := repo.GetLimit(ctx, "class:i"); got != 2 {
			t.Errorf("GetLimit = %d, want 2", got)
		}
		for i := 1; i <= 2; i++ {
			dec, err := repo.Admit(ctx, admitParams("class:i", i, suiteBase))
			if err != nil || dec.Outcome != domain.OutcomeAdmitted || dec.Limit != 2 {
				t.Fatalf("Admit %d = %+v, %v", i, dec, err)
			}
		}
		p := admitParams("class:i", 3, suiteBase)
		p.Limit = 3
		dec, err := repo.Admit(ctx, p)
		if err != nil || dec.Outcome != domain.OutcomeAdmitted || dec.Limit != 3 {
			t.Errorf("explicit limit Admit = %+v, %v, want ADMITTED with limit 3", dec, err)
		}

		// Lowering the limit evicts nobody; new devices wait for capacity.
		if err := repo.SetLimit(ctx, "class:i", 1, suiteBase); err != nil {
			t.Fatalf("SetLimit: %v", err)
		}
		dec, _ = repo.Admit(ctx, admitParams("class:i", 4, suiteBase))
		if dec.Outcome != domain.OutcomeRejected || dec.CurrentCount != 3 {
			t.Errorf("dec = %+v, want REJECTED with 3 active", dec)
		}
		if c, _ := repo.CountActive(ctx, "class:i", suiteBase); c != 3 {
			t.Errorf("CountActive = %d, want 3", c)
		}
	})

	t.Run("ListActive", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		var ids []string
		for i := 1; i <= 3; i++ {
			p := admitParams("class:j", i, suiteBase.Add(time.Duration(i)*time.Second))
			p.DefaultLimit = 5
			dec, err := repo.Admit(ctx, p)
			if err != nil {
				t.Fatalf("Admit: %v", err)
			}
			ids = append(ids, dec.SessionID)
		}
		if _, err := repo.Deactivate(ctx, ids[1], domain.EndReasonLogout, suiteBase.Add(5*time.Second)); err != nil {
			t.Fatalf("Deactivate: %v", err)
		}
		list, err := repo.ListActive(ctx, "class:j", suiteBase.Add(5*time.Second))
		if err != nil {
			t.Fatalf("ListActive: %v", err)
		}
		if len(list) != 2 || list[0].ID != ids[0] || list[1].ID != ids[2] {
			t.Fatalf("ListActive = %v, want [%s %s]", list, ids[0], ids[2])
		}
		empty, err := repo.ListActive(ctx, "class:none", suiteBase)
		if err != nil || len(empty) != 0 {
			t.Errorf("ListActive(empty) = %v, %v", empty, err)
		}
	})

	t.Run("ExpireDue", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		p1 := admitParams("class:k", 1, suiteBase)
		p1.DefaultLimit = 2
		stale, _ := repo.Admit(ctx, p1)
		p2 := admitParams("class:k", 2, suiteBase)
		p2.DefaultLimit = 2
		alive, _ := repo.Admit(ctx, p2)
		if _, err := repo.Heartbeat(ctx, alive.SessionID, suiteBase.Add(60*time.Second), suiteTTL); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}

		sweepAt := suiteBase.Add(suiteTTL + time.Second)
		expired, err := repo.ExpireDue(ctx, sweepAt, 100)
		if err != nil {
			t.Fatalf("ExpireDue: %v", err)
		}
		if len(expired) != 1 || expired[0].ID != stale.SessionID {
			t.Fatalf("expired = %v, want only %s", expired, stale.SessionID)
		}
		if expired[0].IsActive || expired[0].EndReason != domain.EndReasonExpired {
			t.Errorf("expired[0] = %+v", expired[0])
		}
		again, err := repo.ExpireDue(ctx, sweepAt, 100)
		if err != nil || len(again) != 0 {
			t.Errorf("second ExpireDue = %v, %v, want none", again, err)
		}
		s, _ := repo.GetByID(ctx, alive.SessionID)
		if s == nil || !s.IsActive {
			t.Errorf("renewed session = %+v, want active", s)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := newRepo(t).Ping(context.Background()); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}
