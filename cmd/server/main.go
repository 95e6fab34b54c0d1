package main

import (
	"context"
	"crypto"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"school-platform/devicequota/internal/audit"
	"school-platform/devicequota/internal/config"
	"school-platform/devicequota/internal/db"
	quotahandler "school-platform/devicequota/internal/devicesession/handler"
	"school-platform/devicequota/internal/devicesession/repository"
	"school-platform/devicequota/internal/gateway"
	healthhandler "school-platform/devicequota/internal/health/handler"
	"school-platform/devicequota/internal/logger"
	"school-platform/devicequota/internal/policy/engine"
	"school-platform/devicequota/internal/quota"
	"school-platform/devicequota/internal/security"
	"school-platform/devicequota/internal/server"
	"school-platform/devicequota/internal/server/interceptors"
	"school-platform/devicequota/internal/sweeper"
	"school-platform/devicequota/internal/telemetry"
	otelsetup "school-platform/devicequota/internal/telemetry/otel"
	"school-platform/devicequota/internal/telemetry/producer"
)

const (
	serviceName      = "devicequota"
	storePingTimeout = 5 * time.Second
	shutdownTimeout  = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, cfg.OTLPEndpoint, serviceName, cfg.Env, cfg.OTLPInsecure)
	if err != nil {
		zl.Fatal("otel providers", zap.Error(err))
	}
	providers.SetGlobal()

	repo, closeStore, err := openStore(cfg)
	if err != nil {
		zl.Fatal("session store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer func() { _ = closeStore.Close() }()
	zl.Info("session store ready", zap.String("driver", cfg.StoreDriver))

	emitters := telemetry.Fanout{}
	if cfg.OTLPEndpoint != "" {
		emitters = append(emitters, otelsetup.NewEventEmitter(providers.LoggerProvider))
	}
	var kafkaProducer *producer.KafkaProducer
	if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 {
		kafkaProducer = producer.NewKafkaProducer(brokers, cfg.QuotaEventsTopic, zl)
		emitters = append(emitters, kafkaProducer)
	}

	ledger := quota.NewLedger(repo, quota.LimitPolicy{
		Fallback: cfg.DefaultDeviceLimit,
		Class:    cfg.ClassDeviceLimit,
		Roles:    cfg.RoleLimits(),
	}, quota.Options{
		SessionTimeout:   cfg.SessionTimeout,
		OperationTimeout: cfg.OperationTimeout,
		MaxRetries:       cfg.AdmitMaxRetries,
		FailOpen:         cfg.AdmitFailOpen,
		Retention:        cfg.SessionRetention,
		SweepBatch:       cfg.SweepBatch,
	}, emitters, zl)
	if cfg.AdmitFailOpen {
		zl.Warn("fail-open admission enabled: devices are admitted without a session while the store is unavailable")
	}

	var policy *engine.OPAEvaluator
	if cfg.AdminPolicyFile != "" {
		policy, err = engine.NewOPAEvaluatorFromFile(ctx, cfg.AdminPolicyFile)
	} else {
		policy, err = engine.NewOPAEvaluator(ctx, "")
	}
	if err != nil {
		zl.Fatal("admin policy", zap.Error(err))
	}

	var tokens interceptors.TokenValidator
	if cfg.AuthEnabled() {
		tp, err := tokenProvider(cfg)
		if err != nil {
			zl.Fatal("jwt keys", zap.Error(err))
		}
		tokens = tp
	} else {
		zl.Warn("JWT_PUBLIC_KEY not set: requests are not authenticated and run as a platform admin")
	}

	auditLogger := audit.NewLogger(emitters, interceptors.ClientIP)
	quotaServer := quotahandler.NewServer(ledger, policy)
	health := healthhandler.NewServer(ledger, policy, quotahandler.ServiceName)

	sw := sweeper.New(ledger, cfg.SweepInterval, zl)
	go sw.Run(ctx)

	grpcServer := server.NewGRPCServer(server.Options{Logger: zl, Tokens: tokens, Audit: auditLogger})
	server.RegisterServices(grpcServer, server.Deps{Quota: quotaServer, Health: health})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		zl.Fatal("listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}
	go func() {
		zl.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			zl.Error("gRPC serve", zap.Error(err))
			stop()
		}
	}()

	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		httpServer = &http.Server{
			Addr: cfg.HTTPAddr,
			Handler: gateway.New(gateway.Options{
				Quota:       quotaServer,
				Health:      health,
				Sweeper:     sw,
				Policy:      policy,
				Tokens:      tokens,
				Audit:       auditLogger,
				Logger:      zl,
				CORSOrigins: cfg.CORSOrigins(),
				Debug:       !cfg.IsProduction() && cfg.LogLevel == "debug",
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			zl.Info("HTTP gateway listening", zap.String("addr", cfg.HTTPAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zl.Error("HTTP serve", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	zl.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			zl.Warn("HTTP shutdown", zap.Error(err))
		}
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			zl.Warn("kafka producer close", zap.Error(err))
		}
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		zl.Warn("otel shutdown", zap.Error(err))
	}
	zl.Info("server stopped")
}

// openStore opens the session store selected by STORE_DRIVER.
func openStore(cfg *config.Config) (repository.Repository, io.Closer, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		sqlDB, err := db.Open(cfg.DatabaseURL, db.PoolOptions{MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 30 * time.Minute}, storePingTimeout)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewPostgresRepository(sqlDB), sqlDB, nil
	case config.DriverRedis:
		rdb, err := db.OpenRedis(cfg.RedisURL, storePingTimeout)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewRedisRepository(rdb, cfg.SessionRetention), rdb, nil
	default:
		return repository.NewMemoryRepository(), nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func tokenProvider(cfg *config.Config) (*security.TokenProvider, error) {
	pub, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		return nil, err
	}
	var signer crypto.Signer
	if cfg.JWTPrivateKey != "" {
		if signer, err = security.ParsePrivateKey(cfg.JWTPrivateKey); err != nil {
			return nil, err
		}
	}
	return security.NewTokenProvider(signer, pub, cfg.JWTIssuer, cfg.JWTAudience, 15*time.Minute), nil
}
