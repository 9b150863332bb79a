// Command loomd runs the loom orchestration daemon: it scans tenant
// blackboards and archives sessions whose cache TTL is running out, and
// serves the restore endpoint that pulls archived sessions back into the
// cache.
//
// # Configuration
//
// Flags (environment fallbacks in parentheses):
//
//	-redis      Redis address (REDIS_URL, default "localhost:6379")
//	-mongo      MongoDB URI for the cold store (MONGO_URL)
//	-mongo-db   MongoDB database name (default "loom")
//	-postgres   Postgres connection string, used when -mongo is unset
//	-tenants    comma-separated tenant list (default "default")
//	-interval   evictor scan interval (default 300s)
//	-threshold  archive sessions whose TTL is below this (default 300s)
//	-http       HTTP listen address (default ":8080")
//	-debug      enable debug logs
//
// With neither -mongo nor -postgres the daemon falls back to an in-memory
// cold store, which is only useful for local experiments.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	mongosnap "github.com/loomwork/loom/features/snapshot/mongo"
	clientsmongo "github.com/loomwork/loom/features/snapshot/mongo/clients/mongo"
	pgsnap "github.com/loomwork/loom/features/snapshot/postgres"
	"github.com/loomwork/loom/runtime/blackboard"
	redisbb "github.com/loomwork/loom/runtime/blackboard/redis"
	"github.com/loomwork/loom/runtime/evictor"
	"github.com/loomwork/loom/runtime/snapshot"
	"github.com/loomwork/loom/runtime/telemetry"
)

func main() {
	var (
		redisF     = flag.String("redis", envOr("REDIS_URL", "localhost:6379"), "Redis address")
		mongoF     = flag.String("mongo", os.Getenv("MONGO_URL"), "MongoDB URI for the cold store")
		mongoDBF   = flag.String("mongo-db", "loom", "MongoDB database name")
		postgresF  = flag.String("postgres", os.Getenv("POSTGRES_URL"), "Postgres connection string")
		tenantsF   = flag.String("tenants", "default", "comma-separated tenant list")
		intervalF  = flag.Duration("interval", 300*time.Second, "evictor scan interval")
		thresholdF = flag.Duration("threshold", 300*time.Second, "archive sessions whose TTL is below this")
		httpF      = flag.String("http", ":8080", "HTTP listen address")
		dbgF       = flag.Bool("debug", false, "enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, config{
		redisAddr: *redisF,
		mongoURI:  *mongoF,
		mongoDB:   *mongoDBF,
		postgres:  *postgresF,
		tenants:   splitTenants(*tenantsF),
		interval:  *intervalF,
		threshold: *thresholdF,
		httpAddr:  *httpF,
	}); err != nil {
		log.Fatal(ctx, err)
	}
}

type config struct {
	redisAddr string
	mongoURI  string
	mongoDB   string
	postgres  string
	tenants   []string
	interval  time.Duration
	threshold time.Duration
	httpAddr  string
}

func run(ctx context.Context, cfg config) error {
	if len(cfg.tenants) == 0 {
		return errors.New("at least one tenant is required")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	var pingers []health.Pinger

	snaps, cleanup, pinger, err := buildColdStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	if pinger != nil {
		pingers = append(pingers, pinger)
	}

	stores := make(map[string]blackboard.Store, len(cfg.tenants))
	for _, tenant := range cfg.tenants {
		store, err := redisbb.New(redisbb.Options{Client: rdb, Tenant: tenant})
		if err != nil {
			return fmt.Errorf("build blackboard for %s: %w", tenant, err)
		}
		stores[tenant] = store
	}

	logger := telemetry.NewClueLogger()
	ev, err := evictor.New(evictor.Options{
		Stores: func(tenant string) (blackboard.Store, error) {
			store, ok := stores[tenant]
			if !ok {
				return nil, fmt.Errorf("unknown tenant %q", tenant)
			}
			return store, nil
		},
		Snapshots:    snaps,
		Tenants:      func() []string { return cfg.tenants },
		Interval:     cfg.interval,
		TTLThreshold: cfg.threshold,
		Logger:       logger,
		Metrics:      telemetry.NewClueMetrics(),
		Tracer:       telemetry.NewClueTracer(),
	})
	if err != nil {
		return fmt.Errorf("build evictor: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-c:
			errc <- fmt.Errorf("signal: %s", sig)
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "evictor running (interval=%s threshold=%s tenants=%s)",
			cfg.interval, cfg.threshold, strings.Join(cfg.tenants, ","))
		if err := ev.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			select {
			case errc <- err:
			default:
			}
		}
	}()

	handleHTTPServer(ctx, cfg.httpAddr, ev, pingers, &wg, errc)

	err = <-errc
	log.Printf(ctx, "exiting: %v", err)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}

// buildColdStore picks the durable backend: Mongo when configured, then
// Postgres, then an in-memory store for local experiments.
func buildColdStore(ctx context.Context, cfg config) (snapshot.Store, func(), health.Pinger, error) {
	noop := func() {}
	switch {
	case cfg.mongoURI != "":
		mc, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.mongoURI))
		if err != nil {
			return nil, noop, nil, fmt.Errorf("connect to mongo: %w", err)
		}
		cleanup := func() { _ = mc.Disconnect(context.Background()) }
		client, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: cfg.mongoDB})
		if err != nil {
			cleanup()
			return nil, noop, nil, fmt.Errorf("build mongo client: %w", err)
		}
		store, err := mongosnap.NewStore(client)
		if err != nil {
			cleanup()
			return nil, noop, nil, err
		}
		return store, cleanup, client, nil
	case cfg.postgres != "":
		store, err := pgsnap.New(ctx, cfg.postgres)
		if err != nil {
			return nil, noop, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, noop, nil, err
		}
		return store, noop, nil, nil
	default:
		log.Printf(ctx, "no durable backend configured, using in-memory cold store")
		return snapshot.NewMemStore(), noop, nil, nil
	}
}

func splitTenants(s string) []string {
	var tenants []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	return tenants
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// restoreRequest is the POST /restore body.
type restoreRequest struct {
	TenantID          string `json:"tenant_id"`
	SessionID         string `json:"session_id"`
	StateTTLSeconds   int64  `json:"state_ttl_seconds,omitempty"`
	HistoryTTLSeconds int64  `json:"history_ttl_seconds,omitempty"`
	ResultsTTLSeconds int64  `json:"results_ttl_seconds,omitempty"`
}

func handleHTTPServer(ctx context.Context, addr string, ev *evictor.Evictor, pingers []health.Pinger, wg *sync.WaitGroup, errc chan error) {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", health.Handler(health.NewChecker(pingers...)))
	mux.HandleFunc("POST /restore", func(w http.ResponseWriter, r *http.Request) {
		var req restoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.TenantID == "" || req.SessionID == "" {
			http.Error(w, "tenant_id and session_id are required", http.StatusBadRequest)
			return
		}
		restored, err := ev.RestoreSession(r.Context(), req.TenantID, req.SessionID, evictor.TTLs{
			State:   time.Duration(req.StateTTLSeconds) * time.Second,
			History: time.Duration(req.HistoryTTLSeconds) * time.Second,
			Results: time.Duration(req.ResultsTTLSeconds) * time.Second,
		})
		if err != nil {
			log.Errorf(r.Context(), err, "restore %s/%s failed", req.TenantID, req.SessionID)
			http.Error(w, "restore failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"restored": restored})
	})

	handler := log.HTTP(ctx)(mux)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				select {
				case errc <- err:
				default:
				}
			}
		}()
		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
