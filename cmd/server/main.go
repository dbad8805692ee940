package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"realtime_go/internal/broker"
	"realtime_go/internal/cache"
	"realtime_go/internal/call"
	"realtime_go/internal/clock"
	"realtime_go/internal/config"
	"realtime_go/internal/domain"
	"realtime_go/internal/httpserver"
	"realtime_go/internal/presence"
	"realtime_go/internal/registry"
	"realtime_go/internal/relay"
	"realtime_go/internal/room"
	"realtime_go/internal/security"
	"realtime_go/internal/store/postgres"
	"realtime_go/internal/store/sqlite"
	"realtime_go/internal/turn"
	"realtime_go/internal/ws"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("server", pflag.ContinueOnError)
	envFile := flags.String("env-file", ".env", "dotenv file to load before reading the environment")
	host := flags.String("host", "", "listen host (overrides HTTP_HOST)")
	port := flags.Int("port", 0, "listen port (overrides HTTP_PORT)")
	logLevel := flags.String("log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, repos, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	c, err := cache.Open(ctx, cfg.CacheURL)
	if err != nil {
		// the cache is optional; run without it
		log.Warn("cache unavailable, continuing without it", "error", err)
		c = nil
	}
	if c != nil {
		defer c.Close()
	}

	var bus broker.Broker
	if cfg.AMQPURL != "" {
		rmq, err := broker.NewRabbitMQ(cfg.AMQPURL, cfg.NodeID, log)
		if err != nil {
			log.Warn("broker unavailable, running single-instance", "error", err)
		} else {
			bus = rmq
			defer rmq.Close()
		}
	}

	clk := clock.Real()
	reg := registry.New(registry.Options{
		NodeID:        cfg.NodeID,
		Broker:        bus,
		Clock:         clk,
		Logger:        log,
		FanoutTimeout: cfg.FanoutTimeout,
		Presence:      c,
	})
	rooms := room.NewRouter(repos.members, c, cfg.MembershipCacheTTL, cfg.DependencyTimeout, log)
	relaySvc := relay.NewService(repos.messages, rooms, reg, relay.Options{
		EditWindow:    cfg.EditWindow,
		TypingTTL:     cfg.TypingTTL,
		FanoutTimeout: cfg.FanoutTimeout,
		Clock:         clk,
		Logger:        log,
	})
	issuer := turn.NewIssuer(turn.Config{
		TURNURIs: cfg.TURNURIs,
		STUNURIs: cfg.STUNURIs,
		Secret:   cfg.TURNSecret,
		TTL:      cfg.TURNCredTTL,
	}, clk)
	engine := call.NewEngine(repos.calls, rooms, issuer, reg, call.Options{
		RingTimeout:    cfg.RingTimeout,
		PersistTimeout: cfg.DependencyTimeout,
		Clock:          clk,
		Logger:         log,
	})
	notifier := presence.NewNotifier(rooms, reg, cfg.FanoutTimeout, log)
	tokens := security.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer)

	wsHandler := ws.NewHandler(tokens, reg, relaySvc, engine, ws.Options{
		AllowedOrigins:  cfg.CORSOrigins,
		AllowAnyOrigin:  cfg.AllowAnyOrigin,
		SendBuffer:      cfg.SendBuffer,
		EventsPerSecond: cfg.EventsPerSecond,
		EventBurst:      cfg.EventBurst,
		RequestTimeout:  cfg.DependencyTimeout,
		Logger:          log,
	})
	// call and typing cleanup must finish before contacts hear about it
	reg.OnPresence(wsHandler.HandlePresence)
	reg.OnPresence(notifier.Handle)

	router := httpserver.NewRouter(httpserver.Deps{
		Config: cfg,
		Auth:   tokens,
		Rooms:  rooms,
		WS:     wsHandler,
		Logger: log,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reg.Subscribe(gctx)
	})
	g.Go(func() error {
		log.Info("starting server", "addr", cfg.HTTPAddr(), "node_id", cfg.NodeID, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", "error", err)
		}
		relaySvc.Wait()
		engine.Wait()
		notifier.Wait()
		return nil
	})
	return g.Wait()
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.IsDevelopment() {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h).With("app", cfg.AppName, "node_id", cfg.NodeID), nil
}

type repositories struct {
	members  domain.MembershipRepository
	messages domain.MessageRepository
	calls    domain.CallRepository
}

func openStore(cfg *config.Config) (*sql.DB, repositories, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, repositories{}, fmt.Errorf("open database: %w", err)
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, repositories{}, fmt.Errorf("run migrations: %w", err)
		}
		return db, repositories{
			members:  postgres.NewConversationRepo(db),
			messages: postgres.NewMessageRepo(db),
			calls:    postgres.NewCallRepo(db),
		}, nil
	default:
		db, err := sqlite.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, repositories{}, fmt.Errorf("open database: %w", err)
		}
		if err := sqlite.Migrate(db); err != nil {
			db.Close()
			return nil, repositories{}, fmt.Errorf("run migrations: %w", err)
		}
		return db, repositories{
			members:  sqlite.NewConversationRepo(db),
			messages: sqlite.NewMessageRepo(db),
			calls:    sqlite.NewCallRepo(db),
		}, nil
	}
}
