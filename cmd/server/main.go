package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaysock/server/internal/config"
	"github.com/relaysock/server/internal/logging"
	"github.com/relaysock/server/internal/server"
	"github.com/relaysock/server/internal/session"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (.yaml or .toml)")
	port := flag.Int("port", 0, "Override server port")
	echo := flag.Bool("echo", true, "Echo every message back to its session")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load config")
		}
		cfg = loaded
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	logger := logging.New("relaysock", cfg.Log)

	registry, err := session.NewRegistry(cfg.SessionOptions(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid session options")
	}

	var handler server.Handler
	if *echo {
		handler = server.Echo
	}
	srv := server.New(cfg, registry, handler, logger)

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	idle := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer close(idle)
		<-sigCh
		logger.Info().Msg("shutting down")
		srv.Close()
		registry.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
	}()

	logger.Info().
		Str("addr", cfg.Addr()).
		Str("prefix", cfg.Server.Prefix).
		Dur("heartbeat", cfg.Session.HeartbeatInterval).
		Dur("disconnect_timeout", cfg.Session.DisconnectTimeout).
		Msg("server listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server error")
	}
	<-idle
}
