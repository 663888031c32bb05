package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rewired-gh/kairos/internal/autonomous"
	"github.com/rewired-gh/kairos/internal/config"
	"github.com/rewired-gh/kairos/internal/gemini"
	"github.com/rewired-gh/kairos/internal/ksm"
	"github.com/rewired-gh/kairos/internal/logger"
	"github.com/rewired-gh/kairos/internal/metrics"
	"github.com/rewired-gh/kairos/internal/models"
	"github.com/rewired-gh/kairos/internal/server"
	"github.com/rewired-gh/kairos/internal/session"
	"github.com/rewired-gh/kairos/internal/storage"
	"github.com/rewired-gh/kairos/internal/storage/postgres"
	"github.com/rewired-gh/kairos/internal/telegram"
)

func main() {
	fs := pflag.NewFlagSet("kairos", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "configs/config.yaml", "Path to configuration file")
	fs.String("addr", "", "HTTP listen address (overrides server.addr)")
	fs.String("log-level", "", "Log level: debug, info, warn, error")
	fs.Bool("autonomous", false, "Enable the scheduled autonomous cycle")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.LoadWithFlags(*configPath, fs)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	mgr := ksm.New(ksm.Options{
		ActivityCapacity:  cfg.State.ActivityCapacity,
		MaxTickets:        cfg.State.MaxTickets,
		LockSettled:       cfg.State.LockSettled,
		StrictTransitions: cfg.State.StrictTransitions,
		Persister:         store,
		PersistTimeout:    cfg.Storage.PersistTimeout,
	})

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
		defer m.Attach(mgr)()
	}

	ai := gemini.NewClient(gemini.Options{
		APIURL:         cfg.Gemini.APIURL,
		APIKey:         cfg.Gemini.APIKey,
		AnalysisModel:  cfg.Gemini.AnalysisModel,
		FastModel:      cfg.Gemini.FastModel,
		Timeout:        cfg.Gemini.Timeout,
		MaxRetries:     cfg.Gemini.MaxRetries,
		RetryDelayBase: cfg.Gemini.RetryDelayBase,
		Grounding:      cfg.Gemini.Grounding,
	})
	if cfg.Gemini.APIKey == "" {
		logger.Warn("gemini.api_key is empty; analysis and autonomous cycles will fail")
	}

	sess := session.New(mgr, ai, store)
	if err := sess.Sync(ctx); err != nil {
		logger.Warn("Initial sync failed: %v", err)
	} else {
		logger.Info("Loaded %d tickets from %s storage", len(mgr.GetHistory()), cfg.Storage.Driver)
	}

	runnerOpts := autonomous.Options{
		MaxAudits:  cfg.Autonomous.MaxAudits,
		MaxScouted: cfg.Autonomous.MaxScouted,
	}
	if m != nil {
		runnerOpts.Observe = m.ObserveCycle
	}
	runner := autonomous.New(mgr, ai, runnerOpts)
	if cfg.Autonomous.Enabled {
		logger.Info("Starting autonomous loop (interval: %v, max_audits: %d, max_scouted: %d)",
			cfg.Autonomous.Interval, cfg.Autonomous.MaxAudits, cfg.Autonomous.MaxScouted)
		go runner.Loop(ctx, cfg.Autonomous.Interval)
	} else {
		logger.Debug("Autonomous loop disabled")
	}

	if cfg.Telegram.Enabled {
		tg, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
		tg.ListenForCommands(ctx, mgr)
		go tg.Relay(ctx, mgr, models.NormalizeSeverity(cfg.Telegram.MinSeverity), cfg.Server.WSBuffer)
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	srv := server.New(mgr, server.Options{
		Analyzer:    sess,
		Cycles:      runner,
		Knowledge:   store,
		Metrics:     m,
		WSBuffer:    cfg.Server.WSBuffer,
		WaitTimeout: cfg.Server.WaitTimeout,
		BaseContext: ctx,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		sess.Abort()
		cancel()
	}()

	mgr.LogActivity(models.SourceSystem, "Kairos online", models.SeverityMedium)
	if err := srv.Run(ctx, cfg.Server); err != nil {
		logger.Error("HTTP server failed: %v", err)
		cancel()
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.Storage.PersistTimeout)
	defer flushCancel()
	if err := mgr.Flush(flushCtx); err != nil {
		logger.Warn("Pending ticket writes did not finish: %v", err)
	}
	logger.Info("Service stopped")
}

// openStore opens the backend selected by storage.driver.
func openStore(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		s, err := storage.New(cfg.State.MaxTickets, cfg.Storage.DBPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		s, err := postgres.Open(openCtx, postgres.Options{
			DSN:        cfg.Storage.DSN,
			MinConns:   cfg.Storage.MinConns,
			MaxConns:   cfg.Storage.MaxConns,
			MaxTickets: cfg.State.MaxTickets,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}
