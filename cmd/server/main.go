package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/chat-stream/internal/handlers"
	"github.com/MegaGrindStone/chat-stream/internal/logging"
	"github.com/MegaGrindStone/chat-stream/internal/services"
	"github.com/joho/godotenv"
)

const errLoggerKey = "err"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatal(fmt.Errorf("error loading .env file: %w", err))
	}

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	dataDir := filepath.Join(cfgDir, "chatstream")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFilePath := os.Getenv("CHATSTREAM_SERVER_CONFIG")
	if cfgFilePath == "" {
		cfgFilePath = filepath.Join(dataDir, "server.yaml")
	}
	cfg, err := loadConfig(cfgFilePath, dataDir)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(os.Stderr, cfg.Logging)
	if err != nil {
		log.Fatal(err)
	}
	slog.SetDefault(logger)

	llm, err := cfg.LLM.llm(logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating llm: %w", err))
	}

	boltDB, err := services.NewBoltDB(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := boltDB.Close(); err != nil {
			logger.Error("Failed to close store", slog.String(errLoggerKey, err.Error()))
		}
	}()

	opts := []handlers.Option{
		handlers.WithLogger(logger),
		handlers.WithHistoryLimit(cfg.HistoryLimit),
	}
	if cfg.MaxUploadSize > 0 {
		opts = append(opts, handlers.WithMaxUploadSize(cfg.MaxUploadSize))
	}
	m, err := handlers.NewMain(llm, boltDB, cfg.Agents, opts...)
	if err != nil {
		log.Fatal(err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to stop streams", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("addr", srv.Addr),
			slog.Int("agents", len(cfg.Agents)),
			slog.String("db", cfg.DBPath))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String(errLoggerKey, err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}
}
