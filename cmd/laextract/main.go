package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mechanigo/laextract/internal/analysis"
	"github.com/mechanigo/laextract/internal/api"
	"github.com/mechanigo/laextract/internal/config"
	"github.com/mechanigo/laextract/internal/events"
	"github.com/mechanigo/laextract/internal/extract"
	"github.com/mechanigo/laextract/internal/geocode"
	"github.com/mechanigo/laextract/internal/liveagent"
	"github.com/mechanigo/laextract/internal/store"
)

func main() {
	// Best effort; the environment wins over .env.
	_ = godotenv.Load()

	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("laextract starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Init(ctx); err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected")

	// LiveAgent client
	if cfg.LiveAgentAPIKey == "" {
		slog.Error("LIVEAGENT_API_KEY is required")
		os.Exit(1)
	}
	la := liveagent.NewClient(cfg.LiveAgentURL, cfg.LiveAgentAPIKey, cfg.PerPage, slog.Default())
	slog.Info("liveagent client ready", "url", cfg.LiveAgentURL)

	// OpenAI analyzer (optional; chat-analysis runs fail without it)
	var analyzer extract.Analyzer
	if cfg.OpenAIAPIKey != "" {
		analyzer = analysis.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		slog.Info("analysis client ready", "model", cfg.OpenAIModel)
	} else {
		slog.Warn("OPENAI_API_KEY not set, chat analysis disabled")
	}

	// Geocoder for chat-analysis addresses
	geocoder := geocode.NewClient(slog.Default())

	// NATS (optional)
	var publisher api.Publisher
	var bus *events.Client
	if cfg.NatsURL != "" {
		bus, err = events.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer bus.Close()
		publisher = bus
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS_URL not set, run events disabled")
	}

	// Extraction pipeline
	journal := extract.NewJournal(cfg.JournalPath)
	tables := extract.Tables{
		Tickets:  cfg.TicketsTable,
		Messages: cfg.MessagesTable,
		Analysis: cfg.AnalysisTable,
	}
	fetchers := extract.NewFetchers(la, db, tables, journal, cfg.OpenAIModel)
	orch := extract.New(db, fetchers, analyzer, geocoder, la, journal, time.Duration(cfg.LookbackHours)*time.Hour, slog.Default())

	// HTTP API
	srv := api.NewServer(cfg.Port, cfg.APIToken, orch, publisher, slog.Default())
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	if bus != nil {
		if err := bus.Publish(events.SubjectRegistered, map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"port":      cfg.Port,
		}); err != nil {
			slog.Warn("failed to publish registration", "error", err)
		}
	}

	slog.Info("laextract ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	cancel()
	slog.Info("laextract stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
