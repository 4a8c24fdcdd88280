package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"number-duel-server/api"
	"number-duel-server/config"
	"number-duel-server/game"
	"number-duel-server/loghandler"
	"number-duel-server/matchmaking"
	"number-duel-server/notify"
	"number-duel-server/sequence"
	"number-duel-server/storage"
	"number-duel-server/storage/postgres"
	"number-duel-server/storage/sqlite"
	"number-duel-server/sweeper"
	"number-duel-server/ws"
)

func main() {
	envErr := godotenv.Load()

	cfg := config.Load()
	slog.SetDefault(slog.New(loghandler.NewCompactHandler(os.Stderr, loghandler.ParseLevel(cfg.LogLevel))))
	if envErr != nil {
		slog.Info("no .env file found; using environment variables", "tag", "main")
	}

	if err := run(cfg); err != nil {
		slog.Error("server stopped", "tag", "main", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := ws.NewHub(cfg)
	go hub.Run(ctx)

	notifier, closeNotify, err := buildNotifier(ctx, cfg, hub)
	if err != nil {
		return err
	}
	defer closeNotify()

	seq := sequence.NewGenerator()
	mm := matchmaking.NewMatchmaker(cfg, store, notifier, seq)
	engine := game.NewEngine(cfg, store, notifier, seq)
	solo := game.NewSoloSessions(cfg, store, seq)

	sw, err := sweeper.New(cfg, engine, mm, solo)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if err := sw.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sw.Stop()

	handler := api.NewHandler(cfg, mm, engine, solo, store, hub)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("number duel server listening", "tag", "main", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down", "tag", "main")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore uses Postgres when DATABASE_URL is set, SQLite otherwise.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.DatabaseURL != "" {
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		slog.Info("using Postgres store", "tag", "main")
		return s, nil
	}
	s, err := sqlite.Open(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
	}
	slog.Info("using SQLite store", "tag", "main", "path", cfg.SQLitePath)
	return s, nil
}

// buildNotifier fans events out to the websocket hub (directly, or through
// Redis when several instances share clients) and to AMQP when configured.
// Delivery is asynchronous so requests never wait on a transport.
func buildNotifier(ctx context.Context, cfg *config.Config, hub *ws.Hub) (notify.Notifier, func(), error) {
	var sinks notify.Multi
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		closers = append(closers, func() { client.Close() })

		sinks = append(sinks, notify.NewRedisPublisher(client, cfg.RedisChannelPrefix))
		relay := notify.NewRedisRelay(client, cfg.RedisChannelPrefix, hub)
		go func() {
			if err := relay.Run(ctx); err != nil {
				slog.Error("redis relay stopped", "tag", "main", "err", err)
			}
		}()
	} else {
		sinks = append(sinks, hub)
	}

	if cfg.AMQPURL != "" {
		pub, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("connect amqp: %w", err)
		}
		closers = append(closers, func() { pub.Close() })
		sinks = append(sinks, pub)
	}

	async := notify.NewAsync(sinks, cfg.NotifyBuffer, 5*time.Second)
	go async.Run(ctx)

	return async, closeAll, nil
}
