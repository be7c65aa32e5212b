// Copyright 2025 Stratus
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"stratus/gateway/aggregator"
	"stratus/gateway/cache"
	"stratus/gateway/router"
	"stratus/gateway/shared/logger"
	"stratus/gateway/shared/retry"
	"stratus/gateway/tenant"
	"stratus/gateway/workflow"
)

// Config is the environment-driven gateway configuration
type Config struct {
	Port      string
	JWTSecret string

	RedisURL    string
	DatabaseURL string

	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	RouteTableFile   string
	TenantCacheTTL   time.Duration
	SyncWait         time.Duration
	DefaultRateLimit int
	CORSOrigins      []string

	ServiceToken string
	Services     []router.ServiceConfig
}

// LoadConfig reads the configuration from the environment
func LoadConfig() Config {
	cfg := Config{
		Port:              getEnv("PORT", "8080"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		TemporalHostPort:  getEnv("TEMPORAL_HOSTPORT", ""),
		TemporalNamespace: getEnv("TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue: getEnv("TEMPORAL_TASK_QUEUE", "stratus-gateway"),
		RouteTableFile:    getEnv("ROUTE_TABLE_FILE", ""),
		TenantCacheTTL:    getEnvDuration("TENANT_CACHE_TTL", 5*time.Minute),
		SyncWait:          getEnvDuration("SYNC_WAIT", 10*time.Second),
		DefaultRateLimit:  getEnvInt("DEFAULT_RATE_LIMIT", 120),
		ServiceToken:      getEnv("SERVICE_TOKEN", ""),
	}

	if origins := getEnv("CORS_ORIGINS", "*"); origins != "" {
		cfg.CORSOrigins = strings.Split(origins, ",")
	}

	for _, name := range []string{"auth", "user", "tenant", "file", "license"} {
		envKey := strings.ToUpper(name) + "_SERVICE_URL"
		if url := getEnv(envKey, ""); url != "" {
			cfg.Services = append(cfg.Services, router.ServiceConfig{
				Name:    name,
				BaseURL: url,
				Token:   cfg.ServiceToken,
				Timeout: getEnvDuration(strings.ToUpper(name)+"_SERVICE_TIMEOUT", 30*time.Second),
			})
		}
	}
	return cfg
}

// Run starts the gateway and blocks until shutdown. The HTTP listener
// comes up immediately so health checks pass while the backends are
// still connecting; requests get 503 until wiring completes.
func Run() error {
	cfg := LoadConfig()
	registerMetrics()

	appReady := &atomic.Bool{}
	var handler atomic.Value // http.Handler

	bootstrapMux := http.NewServeMux()
	bootstrapMux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		status := "starting"
		if appReady.Load() {
			status = "healthy"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": status, "service": "stratus-gateway"})
	})
	bootstrapMux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway is starting", http.StatusServiceUnavailable)
	})
	handler.Store(http.Handler(bootstrapMux))

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handler.Load().(http.Handler).ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Gateway] 🚀 listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	full, cleanup, err := buildHandler(cfg)
	if err != nil {
		srv.Close()
		return err
	}
	defer cleanup()

	handler.Store(full)
	appReady.Store(true)
	log.Printf("[Gateway] ✅ ready")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Printf("[Gateway] shutting down on %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// buildHandler wires every component, falling back to in-process
// implementations when a backend is not configured.
func buildHandler(cfg Config) (http.Handler, func(), error) {
	appLog := logger.New("gateway")
	cleanups := []func(){}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// Shared cache: Redis when configured, else per-process memory
	var store cache.Store
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		rs, err := cache.NewRedisStore(cfg.RedisURL, "stratus")
		if err != nil {
			log.Printf("[Gateway] ⚠️ redis unavailable (%v), using in-memory cache", err)
			store = cache.NewMemoryStore()
		} else {
			store = rs
			redisClient = rs.Client()
			cleanups = append(cleanups, func() { rs.Close() })
		}
	} else {
		store = cache.NewMemoryStore()
	}
	if ms, ok := store.(*cache.MemoryStore); ok {
		// Memory entries only expire on read, so sweep periodically
		stop := make(chan struct{})
		go func() {
			t := time.NewTicker(time.Minute)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					ms.Cleanup()
				case <-stop:
					return
				}
			}
		}()
		cleanups = append(cleanups, func() { close(stop) })
	}

	// Tenant directory: Postgres when configured, else a static dev set
	var dir tenant.Store
	if cfg.DatabaseURL != "" {
		pg, err := tenant.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("tenant directory: %w", err)
		}
		cleanups = append(cleanups, func() { pg.Close() })
		dir = pg
	} else {
		log.Printf("[Gateway] ⚠️ DATABASE_URL not set, using built-in development tenants")
		dir = devTenants()
	}

	resolver := tenant.NewResolver(dir, store, cfg.TenantCacheTTL)

	// Workflow engine: Temporal when configured, else the in-memory fake
	var engine workflow.Engine
	if cfg.TemporalHostPort != "" {
		te, err := workflow.NewTemporalEngine(workflow.TemporalConfig{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("workflow engine: %w", err)
		}
		cleanups = append(cleanups, te.Close)
		engine = te
	} else {
		log.Printf("[Gateway] ⚠️ TEMPORAL_HOSTPORT not set, using in-memory workflow engine")
		fake := workflow.NewFakeEngine()
		fake.AutoComplete = true
		engine = fake
	}

	envelope := workflow.NewEnvelope(engine, logger.New("workflow"), retry.DefaultConfig())

	table, err := router.NewTable(defaultRoutes())
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if cfg.RouteTableFile != "" {
		if err := table.LoadOverlay(cfg.RouteTableFile); err != nil {
			cleanup()
			return nil, nil, err
		}
		log.Printf("[Gateway] route overlay loaded from %s", cfg.RouteTableFile)
	}

	services := router.NewServiceClient(cfg.Services)
	dispatcher := router.NewDispatcher(envelope, services, logger.New("router"))
	dispatcher.SyncWait = cfg.SyncWait

	agg := aggregator.New(store, logger.New("aggregator"))
	registerDashboardFetchers(agg, services, envelope)

	var limiter RateLimiter
	if redisClient != nil {
		limiter = NewRedisRateLimiter(redisClient)
	} else {
		limiter = NewMemoryRateLimiter()
	}

	middleware := tenant.NewMiddleware(resolver, table, cfg.JWTSecret, logger.New("tenant"))

	server := NewServer(appLog, table, dispatcher, envelope, agg, middleware, limiter)
	server.DefaultRateLimit = cfg.DefaultRateLimit

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Tenant-ID", "X-Request-ID", "X-Operation-ID", "X-Sync"},
		AllowCredentials: true,
	})

	return c.Handler(server.Routes(promhttp.Handler())), cleanup, nil
}

// registerDashboardFetchers wires the aggregate sections. Each section
// is one downstream read; operations comes from the workflow side.
func registerDashboardFetchers(agg *aggregator.Aggregator, services *router.ServiceClient, envelope *workflow.Envelope) {
	direct := func(service, path string) aggregator.Fetcher {
		return func(ctx context.Context, subjectID string) (interface{}, error) {
			if !services.Known(service) {
				return nil, fmt.Errorf("service %s not configured", service)
			}
			return services.Do(ctx, service, "GET", strings.ReplaceAll(path, "{tenant}", subjectID), nil, subjectID, "")
		}
	}

	agg.Register("profile", direct("user", "/tenants/{tenant}/profile"))
	agg.Register("usage", direct("license", "/tenants/{tenant}/usage"))
	agg.Register("notifications", direct("user", "/tenants/{tenant}/notifications"))
	agg.Register("files", direct("file", "/tenants/{tenant}/recent"))
}

// devTenants is the fallback directory for local development
func devTenants() tenant.Store {
	return tenant.NewStaticStore(
		tenant.Context{
			TenantID: "dev",
			Name:     "Development Tenant",
			Tier:     "enterprise",
			Features: []string{"sso", "audit", "aggregation"},
			Quotas:   map[string]int64{"requests_per_minute": 600},
			Active:   true,
		},
	)
}

// defaultRoutes is the declared routing table. Environment-specific
// routes layer on top via ROUTE_TABLE_FILE.
func defaultRoutes() []router.Route {
	return []router.Route{
		{
			Name:   "login",
			Method: "POST",
			Path:   "/api/v1/auth/login",
			Target: router.Target{Kind: router.TargetDirect, Service: "auth", Path: "/login"},
			Mode:   router.ModeSync,
			// Login happens before a tenant can be resolved
			TenantExempt: true,
		},
		{
			Name:   "get-user",
			Method: "GET",
			Path:   "/api/v1/users/{user_id}",
			Target: router.Target{Kind: router.TargetDirect, Service: "user", Path: "/users/{user_id}"},
			Mode:   router.ModeSync,
		},
		{
			Name:   "list-users",
			Method: "GET",
			Path:   "/api/v1/users",
			Target: router.Target{Kind: router.TargetDirect, Service: "user", Path: "/users"},
			Mode:   router.ModeSync,
		},
		{
			Name:              "user-sync",
			Method:            "POST",
			Path:              "/api/v1/users/sync",
			Target:            router.Target{Kind: router.TargetWorkflow, WorkflowType: "UserSyncWorkflow"},
			Mode:              router.ModeSync,
			EstimatedDuration: 5 * time.Second,
		},
		{
			Name:              "provision-tenant",
			Method:            "POST",
			Path:              "/api/v1/tenants/{tenant_id}/provision",
			Target:            router.Target{Kind: router.TargetWorkflow, WorkflowType: "TenantProvisioningWorkflow"},
			Mode:              router.ModeAsync,
			EstimatedDuration: 2 * time.Minute,
		},
		{
			Name:              "bulk-import",
			Method:            "POST",
			Path:              "/api/v1/imports",
			Target:            router.Target{Kind: router.TargetWorkflow, WorkflowType: "BulkImportWorkflow"},
			Mode:              router.ModeAsync,
			EstimatedDuration: 10 * time.Minute,
			SupportsStream:    true,
		},
		{
			Name:              "report-export",
			Method:            "POST",
			Path:              "/api/v1/reports/export",
			Target:            router.Target{Kind: router.TargetWorkflow, WorkflowType: "ReportExportWorkflow"},
			Mode:              router.ModeSync,
			EstimatedDuration: 30 * time.Second,
		},
		{
			Name:   "validate-license",
			Method: "GET",
			Path:   "/api/v1/licenses/{license_id}",
			Target: router.Target{Kind: router.TargetDirect, Service: "license", Path: "/licenses/{license_id}"},
			Mode:   router.ModeSync,
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("[Gateway] invalid %s=%q, using %d", key, v, fallback)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("[Gateway] invalid %s=%q, using %s", key, v, fallback)
	}
	return fallback
}
