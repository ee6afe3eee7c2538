package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"

	"appraise.org/internal/appraisal"
	"appraise.org/internal/assignment"
	"appraise.org/internal/audit"
	"appraise.org/internal/auth"
	"appraise.org/internal/config"
	"appraise.org/internal/directory"
	"appraise.org/internal/httpapi"
	"appraise.org/internal/obs"
	"appraise.org/internal/session"
	"appraise.org/internal/store/memstore"
	"appraise.org/internal/store/pg"
	"appraise.org/internal/tenant"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// store is everything the services need from persistence. Both pg.Store and
// memstore.Store satisfy it.
type store interface {
	directory.Store
	auth.RoleStore
	appraisal.Store
	audit.Sink
	audit.Reader
	tenant.OwnerLookup
	tenant.Source
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(ctx, "appraise-api", cfg.Environment)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}

	probe := httpapi.ReadyProbe{}
	var st store
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		probe.DB = pgStore.DB()
		st = pgStore
	} else {
		mem := memstore.New()
		if err := memstore.SeedDemo(mem); err != nil {
			log.Fatalf("seed memory store: %v", err)
		}
		obs.Warn("memory_store_in_use", map[string]any{"reason": "APPRAISE_PG_DSN not set", "organization_id": memstore.DemoOrganizationID})
		st = mem
	}

	var sessions session.Revoker
	if cfg.RedisURL != "" {
		rdb, err := session.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer rdb.Close()
		probe.Sessions = rdb
		sessions = rdb
	} else {
		obs.Warn("memory_sessions_in_use", map[string]any{"reason": "APPRAISE_REDIS_URL not set"})
		sessions = session.NewMemory()
	}

	api, err := buildAPI(cfg, st, sessions, probe)
	if err != nil {
		log.Fatalf("wire api: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(api.Handler(), "appraise-api"),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	health := httpapi.NewGRPCServer(probe)
	health.Register(grpcServer)
	go health.Watch(ctx, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.Info("server_started", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"env":       cfg.Environment,
	})

	<-ctx.Done()
	obs.Info("server_stopping", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health.Shutdown()
	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		obs.Warn("tracing_shutdown_failed", map[string]any{"error": err.Error()})
	}
	obs.Info("server_stopped", nil)
}

func buildAPI(cfg *config.Config, st store, sessions session.Revoker, probe httpapi.ReadyProbe) (*httpapi.API, error) {
	rec := audit.NewRecorder(st)
	guard, err := tenant.NewGuard(st, rec)
	if err != nil {
		return nil, err
	}
	principals, err := auth.NewResolver(st, st)
	if err != nil {
		return nil, err
	}
	roles, err := auth.NewRoleService(st, guard, rec)
	if err != nil {
		return nil, err
	}
	appraisals, err := appraisal.NewService(st, st, guard, rec)
	if err != nil {
		return nil, err
	}
	assigner, err := assignment.NewResolver(st, st, appraisals, st, guard, rec)
	if err != nil {
		return nil, err
	}
	verifier, err := tenant.NewVerifier(st, rec)
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenIssuer(cfg.AuthSecret, cfg.SessionTTL)
	if err != nil {
		return nil, err
	}

	return httpapi.New(httpapi.Deps{
		Tokens:     tokens,
		Principals: principals,
		Sessions:   sessions,
		Roles:      roles,
		Appraisals: appraisals,
		Assignment: assigner,
		Verifier:   verifier,
		Guard:      guard,
		Audit:      rec,
		AuditLog:   st,
		Ready:      probe,
	},
		httpapi.WithVersion(version),
		httpapi.WithDevTokens(cfg.DevTokens),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)
}
