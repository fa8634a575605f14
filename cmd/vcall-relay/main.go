// Vcall-relay — the signaling relay.
//
// A small websocket server that tracks who is online and routes call
// signals between them. It carries offers, answers and candidates as opaque
// payloads; media never touches it.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/vcall/vcall/internal/config"
	"github.com/vcall/vcall/internal/relay"
)

func main() {
	listenAddr := flag.String("listen", "", "Address to listen on (overrides config)")
	configPath := flag.String("config", "", "Path to a TOML config file")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).With().Timestamp().Logger()
	if !*debugMode {
		l = l.Level(zerolog.InfoLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to load config")
	}
	if *listenAddr != "" {
		cfg.Relay.ListenAddr = *listenAddr
	}

	hub := relay.NewHub(l)
	server := relay.NewServer(hub, l)

	srv := &http.Server{
		Addr:    cfg.Relay.ListenAddr,
		Handler: server.Router(),
	}

	go func() {
		l.Info().Str("addr", cfg.Relay.ListenAddr).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("relay failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("forced shutdown")
	}
	l.Info().Msg("relay exited")
}
