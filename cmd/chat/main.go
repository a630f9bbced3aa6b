// Package main implements the chat CLI, a terminal client for backends that stream responses as data
// frames.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/MegaGrindStone/chat-stream/internal/logging"
	"github.com/MegaGrindStone/chat-stream/internal/services"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// chatApp holds what every subcommand needs once the configuration is loaded.
type chatApp struct {
	cfg     config
	logger  *slog.Logger
	store   services.BoltDB
	backend services.Backend
}

const errLoggerKey = "err"

var (
	// cfgFile is the path of the YAML configuration
	cfgFile string
	// flag overrides of the configuration
	backendFlag string
	agentFlag   string
	dbFlag      string

	app *chatApp
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if cerr := teardown(); cerr != nil {
		fmt.Fprintln(os.Stderr, "Failed to close store:", cerr)
	}
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Terminal client for streaming chat backends",
	Long: `chat talks to a chat backend that streams its responses as newline-delimited
data frames. Responses are printed as they arrive and every conversation is
stored locally, so it can be resumed, listed and exported later.

Examples:
  # Ask a single question
  chat send "What is a goroutine?"

  # Continue a stored conversation
  chat send --conversation 5f0c... "And a channel?"

  # Interactive session against another backend
  chat repl --backend http://localhost:9000`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(*cobra.Command, []string) error {
		return teardown()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/chatstream/chat.yaml)")
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "", "backend base URL")
	rootCmd.PersistentFlags().StringVar(&agentFlag, "agent", "", "agent answering the messages")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "path of the local conversation store")
}

func setup(cmd *cobra.Command, _ []string) error {
	if err := teardown(); err != nil {
		return err
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error loading .env file: %w", err)
	}

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	dataDir := filepath.Join(cfgDir, "chatstream")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	path := cfgFile
	if path == "" {
		path = filepath.Join(dataDir, "chat.yaml")
	}
	cfg, err := loadConfig(path, dataDir)
	if err != nil {
		return err
	}
	if backendFlag != "" {
		cfg.BackendURL = backendFlag
	}
	if agentFlag != "" {
		cfg.Agent = agentFlag
	}
	if dbFlag != "" {
		cfg.DBPath = dbFlag
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Logging)
	if err != nil {
		return err
	}

	store, err := services.NewBoltDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("error opening store: %w", err)
	}

	opts := []services.BackendOption{services.WithBackendLogger(logger)}
	for k, v := range cfg.Headers {
		opts = append(opts, services.WithHeader(k, v))
	}

	app = &chatApp{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		backend: services.NewBackend(cfg.BackendURL, opts...),
	}
	return nil
}

// teardown closes the store opened by setup. It is safe to call more than once.
func teardown() error {
	if app == nil {
		return nil
	}
	err := app.store.Close()
	app = nil
	return err
}
