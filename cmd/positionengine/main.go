// Package main is the position engine's process entrypoint.
//
// Boot sequence:
//  1. cfg := config.Load()         – read .env, overlay process env, default the rest
//  2. wire eventstore/idempotency/upihistory/contractrules/cache/bus
//  3. wire workerpool + hotpath.Applier + coldpath.Recalculator
//  4. subscribe trades/backdated-trades and route each message through
//     the worker pool, keyed by position_key
//  5. start the admin HTTP server (/healthz, /metrics, /positions/{key})
//  6. block until SIGINT/SIGTERM, then drain in flight work
//
// Subcommands:
//
//	positionengine serve     run the engine (default)
//	positionengine migrate   apply schema.sql to POSTGRES_DSN and exit
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chidi150c/positionengine/internal/bus"
	"github.com/chidi150c/positionengine/internal/cache"
	"github.com/chidi150c/positionengine/internal/coldpath"
	"github.com/chidi150c/positionengine/internal/config"
	"github.com/chidi150c/positionengine/internal/contractrules"
	"github.com/chidi150c/positionengine/internal/entitlements"
	"github.com/chidi150c/positionengine/internal/errs"
	"github.com/chidi150c/positionengine/internal/eventstore"
	"github.com/chidi150c/positionengine/internal/hotpath"
	"github.com/chidi150c/positionengine/internal/idempotency"
	"github.com/chidi150c/positionengine/internal/trade"
	"github.com/chidi150c/positionengine/internal/upihistory"
	"github.com/chidi150c/positionengine/internal/workerpool"
)

func main() {
	root := &cobra.Command{
		Use:   "positionengine",
		Short: "event-sourced position and tax-lot engine",
	}
	root.AddCommand(serveCmd(), migrateCmd())
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply schema.sql to POSTGRES_DSN and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx := cmd.Context()
			pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()
			store := eventstore.NewPgStore(pool, nil)
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Println("schema applied")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the engine: consume trades, serve /healthz and /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parentCtx context.Context) error {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgPool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgPool.Close()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	natsConn, err := bus.Connect(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsConn.Close()

	store := eventstore.NewPgStore(pgPool, logger)
	idem := idempotency.NewPgRegistry(pgPool)
	upi := upihistory.NewPgRecorder(pgPool)
	rules := contractrules.NewCachedRedis(staticRulesFallback(cfg), rdb, cfg.CacheTTL)

	var snapCache cache.PositionSnapshotCache
	if rdb != nil {
		snapCache = cache.NewRedis(rdb, cfg.CacheTTL)
	} else {
		snapCache = cache.NewInMemory(cfg.CacheTTL)
	}

	iam := entitlements.NewCachingFailClosed(entitlements.AllowAll{}, cfg.IAMCacheTTL)

	applier := hotpath.New(store, idem, upi, rules, snapCache, natsConn, cfg, logger)
	recalc := coldpath.New(store, idem, upi, rules, snapCache, natsConn, cfg, logger)

	pool := workerpool.New(ctx, cfg.WorkerShardCount, 256, logger)
	defer pool.Close()

	stopTrades, err := natsConn.Subscribe(ctx, cfg.TopicTrades, "positionengine-trades", func(ctx context.Context, data []byte) error {
		var t trade.TradeEvent
		if err := json.Unmarshal(data, &t); err != nil {
			return errs.Wrap(errs.KindSerialization, "unmarshal trade message", err)
		}
		done := make(chan error, 1)
		pool.Submit(ctx, workerpool.Job{
			PositionKey: t.PositionKey,
			Run: func(ctx context.Context) {
				_, err := applier.Apply(ctx, t)
				done <- err
			},
		})
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.TopicTrades, err)
	}
	defer stopTrades()

	stopBackdated, err := natsConn.Subscribe(ctx, cfg.TopicBackdatedTrades, "positionengine-backdated", func(ctx context.Context, data []byte) error {
		var t trade.TradeEvent
		if err := json.Unmarshal(data, &t); err != nil {
			return errs.Wrap(errs.KindSerialization, "unmarshal backdated trade message", err)
		}
		done := make(chan error, 1)
		pool.Submit(ctx, workerpool.Job{
			PositionKey: t.PositionKey,
			Run: func(ctx context.Context) {
				done <- recalc.Recalculate(ctx, t)
			},
		})
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.TopicBackdatedTrades, err)
	}
	defer stopBackdated()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/positions/", positionHandler(store, recalc, iam))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		logger.Info("serving", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
	defer c()
	return srv.Shutdown(shutdownCtx)
}

// positionHandler is the read-only admin endpoint, fail-closed behind the
// entitlements service: GET /positions/{position_key} returns the current
// snapshot as JSON; GET /positions/{position_key}?as_of=2006-01-02 instead
// replays the event log's documented as-of read (effective_date <= as_of)
// without touching the stored snapshot.
func positionHandler(store eventstore.Store, recalc *coldpath.Recalculator, iam entitlements.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-Id")
		if userID == "" {
			http.Error(w, "X-User-Id required", http.StatusUnauthorized)
			return
		}
		allowed, err := iam.HasEntitlement(r.Context(), userID, "view_position")
		if err != nil || !allowed {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		positionKey := r.URL.Path[len("/positions/"):]
		if positionKey == "" {
			http.Error(w, "position_key required", http.StatusBadRequest)
			return
		}

		if asOfParam := r.URL.Query().Get("as_of"); asOfParam != "" {
			asOf, err := time.Parse("2006-01-02", asOfParam)
			if err != nil {
				http.Error(w, "as_of must be YYYY-MM-DD", http.StatusBadRequest)
				return
			}
			state, err := recalc.PositionAsOf(r.Context(), positionKey, asOf)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(state)
			return
		}

		snap, found, err := store.GetSnapshot(r.Context(), positionKey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if !found {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}
}

// staticRulesFallback seeds an empty Static lookup; real deployments feed
// contract rules through whatever system owns contract_id -> tax_lot_method
// and call Static.Set during startup or via an admin endpoint. Nothing in
// the distilled contract says where that feed comes from, so an empty
// table (DEFAULT_TAX_LOT_METHOD for every contract) is the safe starting
// point.
func staticRulesFallback(cfg config.Config) *contractrules.Static {
	return contractrules.NewStatic(trade.TaxLotMethod(cfg.DefaultTaxLotMethod))
}
