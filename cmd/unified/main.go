package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agendomat/myproto/internal/common"
	"github.com/agendomat/myproto/internal/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
	addr       string
	port       string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "myproto-unified",
	Short: "MYPROTO unified server - WebSocket sessions, API and metrics on one port",
	Long: `myproto-unified serves everything over a single HTTP port, for platforms
that only expose one (Fly, Render and the like).

Clients connect via WebSocket to /myproto. The API lives under /api and
metrics under the configured metrics path. No raw TCP listener is started.`,
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (.yaml or .toml)")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&addr, "addr", "", "Address to listen on (e.g., :8080)")
	rootCmd.Flags().StringVar(&port, "port", "", "Port to listen on (alternative to --addr)")
}

func runServer(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := common.LoadServerConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if addr != "" {
		cfg.HTTPAddr = addr
	} else if port != "" {
		cfg.HTTPAddr = ":" + port
	}
	// platforms hand the port over in $PORT
	if envPort := os.Getenv("PORT"); envPort != "" {
		cfg.HTTPAddr = ":" + envPort
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	cfg.ListenAddr = ""

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := common.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration",
		slog.String("addr", cfg.HTTPAddr),
		slog.String("websocket_endpoint", server.WebSocketPath),
		slog.Bool("metrics", cfg.Metrics.Enabled),
		slog.Bool("echo_frames", cfg.EchoFrames))

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}
