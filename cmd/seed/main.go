// seed stores the per-group device limits from GROUP_LIMITS in the configured session store and,
// when JWT_PRIVATE_KEY is set, prints development access tokens. Idempotent: limits are overwritten.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"time"

	"school-platform/devicequota/internal/config"
	"school-platform/devicequota/internal/db"
	"school-platform/devicequota/internal/devicesession/repository"
	"school-platform/devicequota/internal/quota"
	"school-platform/devicequota/internal/security"
)

const seedActor = "seed"

func main() {
	tokens := flag.Bool("tokens", true, "Print development access tokens when JWT_PRIVATE_KEY is set")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	repo, closeFn, err := open(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeFn()

	ledger := quota.NewLedger(repo, quota.LimitPolicy{Fallback: cfg.DefaultDeviceLimit}, quota.Options{
		OperationTimeout: cfg.OperationTimeout,
		MaxRetries:       cfg.AdmitMaxRetries,
	}, nil, nil)

	limits := cfg.GroupLimitsMap()
	groups := make([]string, 0, len(limits))
	for g := range limits {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	ctx := context.Background()
	for _, g := range groups {
		if err := ledger.UpdateLimit(ctx, g, limits[g], seedActor); err != nil {
			log.Fatalf("set limit %s=%d: %v", g, limits[g], err)
		}
		log.Printf("limit %s = %d", g, limits[g])
	}
	if len(groups) == 0 {
		log.Println("GROUP_LIMITS is empty; no limits stored")
	}

	if *tokens && cfg.JWTPrivateKey != "" {
		if err := printTokens(cfg); err != nil {
			log.Fatalf("tokens: %v", err)
		}
	}
}

func open(cfg *config.Config) (repository.Repository, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		conn, err := db.Open(cfg.DatabaseURL, db.PoolOptions{}, 5*time.Second)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewPostgresRepository(conn), func() { _ = conn.Close() }, nil
	case config.DriverRedis:
		rdb, err := db.OpenRedis(cfg.RedisURL, 5*time.Second)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewRedisRepository(rdb, cfg.SessionRetention), func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("STORE_DRIVER=%s keeps no state between processes; use postgres or redis", cfg.StoreDriver)
	}
}

// printTokens issues long-lived tokens for a platform admin and a sample student.
func printTokens(cfg *config.Config) error {
	signer, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		return err
	}
	tp := security.NewTokenProvider(signer, signer.Public(), cfg.JWTIssuer, cfg.JWTAudience, 30*24*time.Hour)
	for _, id := range []security.Identity{
		{UserID: "dev-admin", Role: "platform_admin"},
		{UserID: "dev-student", Role: "student", SchoolID: "dev-school", Group: "class:dev"},
	} {
		tok, exp, err := tp.IssueAccess(id)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s, expires %s):\n%s\n\n", id.UserID, id.Role, exp.Format(time.RFC3339), tok)
	}
	return nil
}
