package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	flag "github.com/spf13/pflag"

	"github.com/jaskrrish/bb84sim/internal/config"
	"github.com/jaskrrish/bb84sim/internal/handlers"
	qkdcore "github.com/jaskrrish/bb84sim/internal/qkd"
)

var (
	configFile = flag.String("config", config.DefaultConfigFile, "Settings file; a missing default file is ignored.")
	listen     = flag.String("listen", "", "Listen address, overrides the settings file and PORT.")
	verbosity  = flag.IntP("verbosity", "v", -1, "Log verbosity, overrides the settings file.")
)

func main() {
	flag.Parse()

	settings := config.New()
	if err := settings.Load(*configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) || flag.CommandLine.Changed("config") {
			log.Fatalf("Loading settings %s: %v", *configFile, err)
		}
	}

	// PORT wins over the settings file, -listen wins over both
	if port := os.Getenv("PORT"); port != "" {
		settings.Listen = ":" + port
	}
	if *listen != "" {
		settings.Listen = *listen
	}
	if *verbosity >= 0 {
		settings.Verbosity = *verbosity
	}

	logger, closer, err := newLogger(settings)
	if err != nil {
		log.Fatalf("Opening log: %v", err)
	}
	defer closer.Close()

	sm := qkdcore.NewSessionManager(
		qkdcore.WithDefaults(settings.QKD()),
		qkdcore.WithRequestDefaults(settings.Requests()),
		qkdcore.WithLogger(logger.WithName("qkd")),
	)

	mux := http.NewServeMux()
	handlers.NewQKDHandler(sm, logger.WithName("http")).Register(mux)

	server := &http.Server{
		Addr:         settings.Listen,
		Handler:      handlers.LoggingMiddleware(logger.WithName("http"), mux),
		ReadTimeout:  settings.ReadTimeout,
		WriteTimeout: settings.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go cleanupLoop(ctx, sm, settings.CleanupInterval)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(err, "shutdown")
		}
	}()

	logger.Info("server starting", "listen", settings.Listen,
		"num_qubits", settings.NumQubits, "error_threshold", settings.ErrorThreshold)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(err, "server failed")
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newLogger(settings *config.Settings) (logr.Logger, io.Closer, error) {
	var out io.WriteCloser = nopCloser{os.Stderr}
	if settings.LogFile != "" {
		f, err := os.OpenFile(settings.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return logr.Discard(), nil, err
		}
		out = f
	}
	stdr.SetVerbosity(settings.Verbosity)
	return stdr.New(log.New(out, "", log.LstdFlags)), out, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// cleanupLoop purges expired sessions and keys until ctx is done
func cleanupLoop(ctx context.Context, sm *qkdcore.SessionManager, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupExpiredSessions()
		}
	}
}
