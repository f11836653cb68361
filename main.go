package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appchat "peerwave-chat/application/chat"
	"peerwave-chat/domain/chat"
	"peerwave-chat/domain/persistence"
	"peerwave-chat/infrastructure/credentials"
	"peerwave-chat/infrastructure/page"
	infrapersistence "peerwave-chat/infrastructure/persistence"
	"peerwave-chat/infrastructure/peerwave"
	httpiface "peerwave-chat/interfaces/http"
	"peerwave-chat/internal/config"

	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML config file (default config.yaml)")
	prompt := flag.String("prompt", "", "prompt to send instead of the configured one")
	serve := flag.Bool("serve", false, "run the HTTP relay instead of sending one prompt")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.LoadYAML(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if *prompt != "" {
		cfg.Chat.Prompt = *prompt
	}

	configureLogging(cfg.Logging)

	logrus.WithFields(logrus.Fields{
		"endpoint":           cfg.Peerwave.Endpoint,
		"model":              cfg.Peerwave.Model,
		"serve":              *serve,
		"enable_persistence": cfg.Database.EnablePersistence,
	}).Info("Starting peerwave chat")

	provider, fileToken, err := buildCredentials(cfg.Peerwave, *serve)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up credentials")
	}
	if fileToken != nil {
		defer fileToken.Close()
	}

	baseLocation := page.StaticLocation(cfg.Peerwave.RedirectPath)
	if cfg.Peerwave.PageURL != "" {
		baseLocation, err = page.LocationFromURL(cfg.Peerwave.PageURL)
		if err != nil {
			logrus.WithError(err).Fatal("Invalid page URL")
		}
	}

	var (
		locator   chat.PageLocator = baseLocation
		navigator chat.Navigator   = &page.LogNavigator{Out: os.Stderr, Opener: cfg.Peerwave.Opener}
	)
	if *serve {
		// the relay hands redirects back to its caller through Location
		locator = page.ContextLocation{Default: baseLocation}
		navigator = &page.LogNavigator{}
	}

	client := peerwave.NewClient(peerwave.Config{
		Endpoint:          cfg.Peerwave.Endpoint,
		Model:             cfg.Peerwave.Model,
		Timeout:           cfg.Peerwave.Timeout,
		ChunkSize:         cfg.Peerwave.ChunkSize,
		FlushTrailingLine: cfg.Peerwave.FlushTrailingLine,
	}, provider, locator, navigator)

	circuitBreakerConfig := peerwave.CircuitBreakerConfig{
		Enabled:          cfg.CircuitBreaker.Enabled,
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
		MaxRequests:      cfg.CircuitBreaker.MaxRequests,
	}
	streamer := peerwave.NewCircuitBreakerProvider(client, client.Model(), circuitBreakerConfig)

	logrus.WithFields(logrus.Fields{
		"enabled":           circuitBreakerConfig.Enabled,
		"failure_threshold": circuitBreakerConfig.FailureThreshold,
		"timeout":           circuitBreakerConfig.Timeout,
	}).Debug("Circuit breaker configured")

	store, err := openTranscriptStore(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up transcript store")
	}
	defer store.Close()

	tracker := infrapersistence.NewTranscriptTracker(store.processor)
	service := appchat.NewService(streamer, client.Model(), tracker)

	if *serve {
		runServer(cfg, service, streamer, store)
		return 0
	}

	if err := runOnce(ctx, cfg.Chat, service, provider); err != nil {
		return 1
	}
	return 0
}

func configureLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	// stdout carries the reply in one-shot mode
	logrus.SetOutput(os.Stderr)
	logrus.SetReportCaller(cfg.ReportCaller)
}

// buildCredentials chains the configured token sources. The relay only
// forwards the caller's own Authorization header unless the operator opts
// in to lending the configured token to anonymous callers.
func buildCredentials(cfg config.PeerwaveConfig, serve bool) (chat.CredentialProvider, *credentials.FileToken, error) {
	var chain credentials.Chain
	if serve {
		chain = append(chain, credentials.ContextToken{})
		if !cfg.RelayFallbackToken {
			return chain, nil, nil
		}
	}
	if cfg.Token != "" {
		chain = append(chain, credentials.NewStaticToken(cfg.Token))
	}

	var fileToken *credentials.FileToken
	if cfg.TokenFile != "" {
		ft, err := credentials.NewFileToken(cfg.TokenFile)
		if err != nil {
			return nil, nil, err
		}
		fileToken = ft
		chain = append(chain, ft)
	}

	if cfg.PageURL != "" {
		ft, err := credentials.NewFragmentToken(cfg.PageURL)
		if err != nil {
			if fileToken != nil {
				fileToken.Close()
			}
			return nil, nil, fmt.Errorf("parse page URL: %w", err)
		}
		chain = append(chain, ft)
	}

	return chain, fileToken, nil
}

type transcriptStore struct {
	repo      persistence.TranscriptRepository
	dbManager *infrapersistence.DatabaseManager
	processor *infrapersistence.EventProcessor
}

// openTranscriptStore starts the event processor over postgres when
// persistence is enabled and over a bounded in-memory store otherwise.
func openTranscriptStore(ctx context.Context, cfg *config.Config) (*transcriptStore, error) {
	store := &transcriptStore{}

	if cfg.Database.EnablePersistence {
		dbManager := infrapersistence.NewDatabaseManager()
		if err := dbManager.Connect(ctx, cfg.GetDatabaseDSN()); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := dbManager.Migrate(); err != nil {
			dbManager.Close()
			return nil, fmt.Errorf("failed to run database migrations: %w", err)
		}
		store.dbManager = dbManager
		store.repo = dbManager.GetTranscriptRepository()
		logrus.Info("Persistence layer initialized successfully")
	} else {
		repo, err := infrapersistence.NewMemoryTranscriptRepository(cfg.Database.TranscriptCacheSize)
		if err != nil {
			return nil, err
		}
		store.repo = repo
		logrus.WithField("capacity", cfg.Database.TranscriptCacheSize).Debug("Keeping transcripts in memory")
	}

	workers, buffer := cfg.Database.Workers, cfg.Database.BufferSize
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 64
	}
	store.processor = infrapersistence.NewEventProcessor(store.repo, workers, buffer)
	if err := store.processor.Start(ctx); err != nil {
		if store.dbManager != nil {
			store.dbManager.Close()
		}
		return nil, fmt.Errorf("failed to start event processor: %w", err)
	}

	return store, nil
}

func (s *transcriptStore) Close() {
	if err := s.processor.Stop(); err != nil {
		logrus.WithError(err).Error("Failed to stop event processor")
	}
	if s.dbManager != nil {
		if err := s.dbManager.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close database connection")
		}
	}
}

// runOnce sends the configured prompt and prints the reply as it streams in.
func runOnce(ctx context.Context, cfg config.ChatConfig, service *appchat.Service, provider chat.CredentialProvider) error {
	session := appchat.NewSession(service, provider,
		appchat.WithPrompt(cfg.Prompt),
		appchat.WithFragmentHook(func(fragment chat.Fragment) {
			fmt.Fprint(os.Stdout, fragment)
		}),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	sent := false
	if cfg.AutoSend {
		sent, err = session.AutoSend(ctx)
	}
	if !sent {
		err = session.Send(ctx)
	}

	view := session.View()
	if view.Response != "" {
		fmt.Fprintln(os.Stdout)
	}
	if err != nil {
		if errors.Is(err, chat.ErrRedirecting) {
			logrus.Debug("Stream ended with an authentication redirect")
		}
		fmt.Fprintln(os.Stderr, view.Error)
		return err
	}
	return nil
}

func runServer(cfg *config.Config, service *appchat.Service, breaker *peerwave.CircuitBreakerProvider, store *transcriptStore) {
	var dbManager persistence.DatabaseManager
	if store.dbManager != nil {
		dbManager = store.dbManager
	}
	router := httpiface.NewRouterWithPersistence(service, cfg.Server.CorsOrigins, store.repo, dbManager, store.processor).
		WithDefaultPrompt(cfg.Chat.Prompt).
		WithCircuitBreaker(breaker)

	ginRouter := router.SetupRoutes()

	address := cfg.Address()
	server := &http.Server{
		Addr:              address,
		Handler:           ginRouter,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// streams run until the upstream finishes or the caller goes away
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// Channel to listen for interrupt signal to trigger shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		logrus.WithField("address", address).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-c
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	} else {
		logrus.Info("Server shutdown complete")
	}
}
