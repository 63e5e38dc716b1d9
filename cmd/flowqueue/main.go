// Package main is the entry point for the flowqueue application.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tcmartin/flowqueue/pkg/config"
)

// Version information
const (
	AppVersion = "0.1.0"
	AppName    = "flowqueue"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   AppName,
		Short: "Flow orchestration and progress aggregation engine",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load environment variables from .env file
			_ = godotenv.Load()
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", AppName, AppVersion)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the flowqueue server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	rootCmd.AddCommand(versionCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	app, err := NewApp(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error)
	go func() {
		errCh <- app.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-stop:
		log.Println("Shutting down gracefully...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.Stop(ctx)
	}
}

// loadConfig loads the configuration from the specified path or falls back
// to the defaults, then applies environment overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config

	if configPath != "" {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	overrideConfigFromEnv(cfg)
	return cfg, nil
}

// overrideConfigFromEnv overrides configuration values from environment variables
func overrideConfigFromEnv(cfg *config.Config) {
	if host := os.Getenv("FLOWQUEUE_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("FLOWQUEUE_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if queueType := os.Getenv("FLOWQUEUE_QUEUE_TYPE"); queueType != "" {
		cfg.Queue.Type = queueType
	}
	if addr := os.Getenv("FLOWQUEUE_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("FLOWQUEUE_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if db := os.Getenv("FLOWQUEUE_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.Redis.DB = n
		}
	}

	if storageType := os.Getenv("FLOWQUEUE_STORAGE_TYPE"); storageType != "" {
		cfg.Storage.Type = storageType
	}
	if host := os.Getenv("FLOWQUEUE_POSTGRES_HOST"); host != "" {
		cfg.Storage.Postgres.Host = host
	}
	if port := os.Getenv("FLOWQUEUE_POSTGRES_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Storage.Postgres.Port = p
		}
	}
	if database := os.Getenv("FLOWQUEUE_POSTGRES_DATABASE"); database != "" {
		cfg.Storage.Postgres.Database = database
	}
	if user := os.Getenv("FLOWQUEUE_POSTGRES_USER"); user != "" {
		cfg.Storage.Postgres.User = user
	}
	if password := os.Getenv("FLOWQUEUE_POSTGRES_PASSWORD"); password != "" {
		cfg.Storage.Postgres.Password = password
	}
	if sslMode := os.Getenv("FLOWQUEUE_POSTGRES_SSL_MODE"); sslMode != "" {
		cfg.Storage.Postgres.SSLMode = sslMode
	}

	if level := os.Getenv("FLOWQUEUE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
