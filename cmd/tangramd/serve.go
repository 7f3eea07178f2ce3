package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tangramdotdev/tangram/internal/auth"
	"github.com/tangramdotdev/tangram/internal/config"
	dbpkg "github.com/tangramdotdev/tangram/internal/db"
	"github.com/tangramdotdev/tangram/internal/frontend"
	"github.com/tangramdotdev/tangram/internal/index"
	"github.com/tangramdotdev/tangram/internal/object"
	"github.com/tangramdotdev/tangram/internal/process"
	"github.com/tangramdotdev/tangram/internal/remote"
	"github.com/tangramdotdev/tangram/internal/sock"
	"github.com/tangramdotdev/tangram/internal/store"
	"github.com/tangramdotdev/tangram/internal/tagcache"
	"github.com/tangramdotdev/tangram/internal/terror"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Config{}, terror.New(terror.Internal, "a --config path is required")
	}
	return config.Load(configPath)
}

func newLogger(cfg config.Config) (*slog.Logger, io.Closer, error) {
	if err := cfg.EnsureLayout(); err != nil {
		return nil, nil, err
	}
	logFile, err := os.OpenFile(cfg.LogDir()+"/server.json.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, terror.Wrap(terror.IO, "failed to open server log file", err)
	}
	// Fan out to a human-readable stream on stderr and a machine-readable
	// JSON stream on disk.
	handler := slogmulti.Fanout(
		slog.NewTextHandler(os.Stderr, nil),
		slog.NewJSONHandler(logFile, nil),
	)
	return slog.New(handler), logFile, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, logFile, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logFile.Close()

	if err := cfg.EnsureLayout(); err != nil {
		return err
	}

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return terror.Wrap(terror.IO, "failed to acquire server lock", err)
	}
	if !locked {
		return terror.New(terror.Unavailable, "another tangramd instance already holds the lock file")
	}
	defer lock.Unlock()

	sqlDB, err := dbpkg.Open(ctx, dbpkg.Backend(cfg.DatabaseBackend), cfg.DatabaseDSN)
	if err != nil {
		return terror.Wrap(terror.IO, "failed to open database", err)
	}
	defer sqlDB.Close()

	now := func() int64 { return time.Now().UnixMilli() }

	diskStore, err := store.New(cfg.DataDir, sqlDB, now)
	if err != nil {
		return err
	}
	indexer := index.New(sqlDB)
	engine := process.New(sqlDB, now)
	logs := process.NewLogStore(cfg.LogDir())
	executor := &process.LocalExecutor{Store: diskStore, Logs: logs}
	loader := func(ctx context.Context, commandID string) (*process.Command, error) {
		body, err := diskStore.Get(ctx, object.ID(commandID))
		if err != nil {
			return nil, err
		}
		return process.DecodeCommand(body)
	}
	runner := process.NewRunner(engine, executor, loader, 5*time.Second, logger).
		WithLogs(logs).
		WithConcurrency(cfg.RunnerConcurrency)
	watchdog := process.NewWatchdog(engine, sqlDB, cfg.ProcessWatchdogTTL, now, logger)
	cleaner := store.NewCleaner(diskStore, 24*time.Hour, now, logger)

	var remotes []tagcache.Remote
	pushers := map[string]frontend.Pusher{}
	for _, r := range cfg.Remotes {
		client := remote.New(r.Name, r.URL, r.Token, r.CacheTTL)
		remotes = append(remotes, client)
		pushers[r.Name] = remote.NewPusher(diskStore, client)
	}
	tags := tagcache.New(sqlDB, now, remotes)

	srv := &frontend.Server{
		Store:   diskStore,
		Index:   indexer,
		Engine:  engine,
		Logs:    logs,
		Tags:    tags,
		Pushers: pushers,
		Token:   newToken(cfg),
		Logger:  logger,
		CleanFn: func(ctx context.Context) error {
			if err := cleaner.Sweep(ctx); err != nil {
				return err
			}
			// The tag cache's clock counts milliseconds.
			return tags.Clean(ctx, cfg.TagCacheDefaultTTL*1000)
		},
	}
	handler := srv.Router()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return index.NewWorker(indexer, cfg.IndexerBatchInterval, logger).Run(gctx) })
	g.Go(func() error { return watchdog.Run(gctx, cfg.ProcessWatchdogInterval) })
	g.Go(func() error { return cleaner.Run(gctx, cfg.CleanInterval) })
	g.Go(func() error { return runner.Run(gctx, 200*time.Millisecond) })

	var httpServer *http.Server
	if cfg.Host != "" && cfg.Port != 0 {
		httpServer = &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: handler}
		g.Go(func() error {
			logger.Info("tcp listener starting", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	var sockServer *sock.Server
	if cfg.Socket {
		sockServer, err = sock.NewServer(cfg.SocketPath(), handler, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return sockServer.Serve(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if httpServer != nil {
			_ = httpServer.Shutdown(shutdownCtx)
		}
		if sockServer != nil {
			_ = sockServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}

func newToken(cfg config.Config) auth.Token {
	return auth.NewToken(cfg.BearerToken)
}
