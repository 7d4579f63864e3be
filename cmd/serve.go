package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alimasry/collab-getaway/assistant"
	"github.com/alimasry/collab-getaway/config"
	"github.com/alimasry/collab-getaway/server"
	"github.com/alimasry/collab-getaway/store"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay, health check and assistant endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address (default :1234)")
	cmd.Flags().String("store", "", "room log backend: memory, sqlite or firestore")
	cmd.Flags().String("store-path", "", "SQLite database path")
	cmd.Flags().String("redis", "", "Redis address; enables fan-out between relay instances")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	var fanout server.Fanout
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Address, err)
		}
		fanout = server.NewRedisFanout(rdb)
		glog.Infof("fan-out via redis at %s", cfg.Redis.Address)
	}

	hub := server.NewHub(st, fanout)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.NewHandler(hub, newAssistantHandler(cfg.Assistant)),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(func() error {
		glog.Infof("relay listening on %s (store: %s)", cfg.Server.Addr, cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		glog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		hub.Shutdown()
		return err
	})
	return g.Wait()
}

// openStore builds the room log backend. The returned function releases it.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.UpdateStore, func(), error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client: %w", err)
		}
		cached := store.NewCachedStore(store.NewFirestoreStore(client), cfg.FlushInterval)
		return cached, func() {
			cached.Close()
			client.Close()
		}, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

func newAssistantHandler(cfg config.AssistantConfig) http.Handler {
	provider := assistant.NewHTTPProvider(assistant.HTTPSettings{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
	})
	if cfg.APIKey == "" {
		glog.Warning("assistant.api_key not set; upstream requests carry no credentials")
	}
	var limiter *rate.Limiter
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), max(cfg.Burst, 1))
	}
	return assistant.NewHandler(provider, limiter)
}
