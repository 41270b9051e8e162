package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/opulenthorizons/leadsync/internal/config"
	"github.com/opulenthorizons/leadsync/internal/httpapi"
	"github.com/opulenthorizons/leadsync/internal/leadsync"
	"github.com/opulenthorizons/leadsync/internal/metrics"
)

func main() {
	addr := os.Getenv("LEADSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger := log.Default()

	storageDSN, err := storageDSNFromEnv()
	if err != nil {
		log.Fatalf("failed to resolve storage backend: %v", err)
	}
	repo, err := leadsync.NewRepository(storageDSN)
	if err != nil {
		log.Fatalf("failed to initialize repository: %v", err)
	}
	queue, err := leadsync.NewSyncQueueFromDSN(storageDSN, intEnv("LEADSYNC_SYNC_QUEUE_SIZE", 0))
	if err != nil {
		log.Fatalf("failed to initialize sync queue: %v", err)
	}

	configPath := strings.TrimSpace(os.Getenv("LEADSYNC_SOURCES_CONFIG"))
	if configPath == "" {
		log.Fatalf("LEADSYNC_SOURCES_CONFIG is required")
	}
	sources, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load source config: %v", err)
	}
	verifier := leadsync.NewVerifier(sources)
	schemas, err := leadsync.NewSchemaSet(sources)
	if err != nil {
		log.Fatalf("failed to compile payload schemas: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.Watch(ctx, configPath, logger, func(reloaded []leadsync.SourceConfig) {
		verifier.UpdateSources(reloaded)
		if updateErr := schemas.Update(reloaded); updateErr != nil {
			logger.Printf("leadsync: schema update skipped: %v", updateErr)
		}
	}); err != nil {
		log.Fatalf("failed to watch source config: %v", err)
	}

	tokens := leadsync.NewTokenManager(leadsync.TokenManagerOptions{
		TokenURL:          os.Getenv("LEADSYNC_CRM_TOKEN_URL"),
		ClientID:          os.Getenv("LEADSYNC_CRM_CLIENT_ID"),
		ClientSecret:      os.Getenv("LEADSYNC_CRM_CLIENT_SECRET"),
		RefreshToken:      os.Getenv("LEADSYNC_CRM_REFRESH_TOKEN"),
		StaticAccessToken: os.Getenv("LEADSYNC_CRM_ACCESS_TOKEN"),
		RefreshMargin:     durationEnv("LEADSYNC_CRM_REFRESH_MARGIN", 0),
		OnRotate: func(refreshToken string) {
			metrics.TokenRefreshesTotal.WithLabelValues("rotated").Inc()
			logger.Printf("leadsync: crm refresh token rotated")
		},
	})
	crm := leadsync.NewCRMClient(leadsync.CRMClientOptions{
		BaseURL:     os.Getenv("LEADSYNC_CRM_BASE_URL"),
		TokenSource: tokens,
		UserAgent:   "leadsync/1.0",
	})

	bus := leadsync.NewEventBus()
	defer bus.Close()

	resolver := leadsync.NewResolver(repo)
	reconciler, err := leadsync.NewReconciler(leadsync.ReconcilerOptions{
		Repository: repo,
		Client:     crm,
		SourceTag:  envDefault("LEADSYNC_CRM_SOURCE_TAG", "leadsync"),
		Bus:        bus,
	})
	if err != nil {
		log.Fatalf("failed to initialize reconciler: %v", err)
	}
	ingestor, err := leadsync.NewIngestor(leadsync.IngestorOptions{
		Repository:    repo,
		Verifier:      verifier,
		Schemas:       schemas,
		Resolver:      resolver,
		Bus:           bus,
		Queue:         queue,
		SyncDirection: syncDirectionFromEnv(),
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize ingestor: %v", err)
	}

	workers, err := leadsync.NewSyncWorkerPool(leadsync.SyncWorkerPoolOptions{
		Queue:      queue,
		Reconciler: reconciler,
		Workers:    intEnv("LEADSYNC_SYNC_WORKERS", 0),
		Logger:     logger,
		OnResult: func(result leadsync.SyncResult, workerErr error) {
			outcome := "ok"
			if workerErr != nil {
				outcome = "error"
			}
			metrics.SyncRunsTotal.WithLabelValues(string(result.Direction), outcome).Inc()
			metrics.SyncConflictsTotal.Add(float64(len(result.Conflicts)))
		},
	})
	if err != nil {
		log.Fatalf("failed to initialize sync workers: %v", err)
	}
	workers.Start(ctx)
	defer workers.Stop()

	server := httpapi.NewServer(httpapi.ServerOptions{
		Ingestor:     ingestor,
		Resolver:     resolver,
		Repository:   repo,
		Reconciler:   reconciler,
		TokenManager: tokens,
		Verifier:     verifier,
		Queue:        queue,
		Bus:          bus,
		Config: httpapi.ServerConfig{
			AdminAPIKey:     os.Getenv("LEADSYNC_ADMIN_API_KEY"),
			RateLimitMax:    intEnv("LEADSYNC_RATE_LIMIT_MAX", 0),
			RateLimitWindow: durationEnv("LEADSYNC_RATE_LIMIT_WINDOW", time.Minute),
			MaxBodyBytes:    int64Env("LEADSYNC_MAX_BODY_BYTES", 0),
		},
	})

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("leadsync listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	_ = queue.Close()
	_ = repo.Close()
}

func storageDSNFromEnv() (string, error) {
	if dsn := strings.TrimSpace(os.Getenv("LEADSYNC_STORAGE_DSN")); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("LEADSYNC_BACKEND_PROFILE")))
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("LEADSYNC_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("LEADSYNC_POSTGRES_DSN is required when LEADSYNC_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported LEADSYNC_BACKEND_PROFILE: %s", profile)
	}
}

func syncDirectionFromEnv() leadsync.Direction {
	raw := strings.TrimSpace(os.Getenv("LEADSYNC_SYNC_DIRECTION"))
	if raw == "" {
		return ""
	}
	direction, err := leadsync.ParseDirection(raw)
	if err != nil {
		log.Printf("invalid LEADSYNC_SYNC_DIRECTION=%q, using default", raw)
		return ""
	}
	return direction
}

func envDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
