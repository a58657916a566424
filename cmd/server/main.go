package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/alumni-forum/internal/api"
	"github.com/npezzotti/alumni-forum/internal/auth"
	"github.com/npezzotti/alumni-forum/internal/chat"
	"github.com/npezzotti/alumni-forum/internal/config"
	"github.com/npezzotti/alumni-forum/internal/database"
	"github.com/npezzotti/alumni-forum/internal/gateway"
	"github.com/npezzotti/alumni-forum/internal/server"
	"github.com/npezzotti/alumni-forum/internal/stats"
	"github.com/sirupsen/logrus"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	settings, err := config.LoadSettings(".env")
	if err != nil {
		logger.Fatalf("settings: %v", err)
	}
	allowedOrigins := stringSliceFlag(settings.AllowedOrigins)

	flag.StringVar(&settings.Addr, "addr", settings.Addr, "server address")
	flag.StringVar(&settings.Store, "store", settings.Store, "storage backend: postgres, badger or memory")
	flag.StringVar(&settings.DSN, "dsn", settings.DSN, "database connection string")
	flag.StringVar(&settings.BadgerPath, "badger-path", settings.BadgerPath, "badger data directory, empty for in-memory")
	flag.StringVar(&settings.SigningKey, "signing-key", settings.SigningKey, "base64 encoded signing key, required unless -store=memory")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.IntVar(&settings.SubscriberBuffer, "subscriber-buffer", settings.SubscriberBuffer, "messages queued per live subscriber before it is dropped")
	flag.DurationVar(&settings.IdleTimeout, "idle-timeout", settings.IdleTimeout, "close live subscriptions idle for this long, 0 disables")
	flag.DurationVar(&settings.KeepAlive, "keepalive", settings.KeepAlive, "interval between SSE keepalive comments")
	flag.StringVar(&settings.LogLevel, "log-level", settings.LogLevel, "log level")
	flag.Parse()
	settings.AllowedOrigins = allowedOrigins

	devKey, err := settings.UseDevSigningKey()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if devKey {
		logger.Warn("no signing key configured, using the development key")
	}

	cfg, err := config.NewConfig(settings)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)

	repo, err := database.Open(database.Options{
		Store:      cfg.Store,
		DSN:        cfg.DatabaseDSN,
		BadgerPath: cfg.BadgerPath,
	}, logger)
	if err != nil {
		logger.Fatalf("db open: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Errorf("db close: %v", err)
		}
	}()
	logger.WithField("store", cfg.Store).Info("storage ready")

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	registry := chat.NewRegistry(logger, repo)
	messages := chat.NewMessageStore(logger, repo, registry)
	broker := server.NewBroker(logger, registry, statsUpdater, cfg.SubscriberBuffer, cfg.IdleTimeout)
	gw := gateway.NewGateway(logger, auth.NewJwtAuthenticator(cfg.SigningKey), registry, messages, broker)

	srv := api.NewForumApp(mux, logger, gw, repo, cfg)

	go broker.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Infof("received signal: %s", sig)
	case err := <-errCh:
		logger.Errorf("server: %v", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	// live streams never finish on their own, so end them before draining
	// HTTP connections
	logger.Info("shutting down broker...")
	if err := broker.Shutdown(shutDownCtx); err != nil {
		logger.Errorf("broker shutdown: %v", err)
	}

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Errorf("HTTP server shutdown: %v", err)
	}

	logger.Info("shutdown complete")
}
