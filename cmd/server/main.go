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
	logFormat  string
	listenAddr string
	httpAddr   string
	transport  string
	dbPath     string
	echoFrames bool

	tokenName  string
	tokenAdmin bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "myproto-server",
	Short: "MYPROTO server - accepts protocol sessions over TCP, yamux or WebSocket",
	Long: `myproto-server accepts MYPROTO connections, runs one protocol engine per
connection (or per yamux stream), echoes the version handshake and hands
every delivered frame to the frame handlers (log, journal, metrics and,
optionally, echo).

The HTTP address serves WebSocket sessions on /myproto, the inspection API
under /api and Prometheus metrics.`,
	SilenceUsage: true,
	RunE:         runServer,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API token and print it",
	RunE:  runTokenCreate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the SQLite journal")

	rootCmd.Flags().StringVar(&listenAddr, "listen-addr", "", "Address for raw protocol connections")
	rootCmd.Flags().StringVar(&httpAddr, "http-addr", "", "Address for WebSocket, API and metrics")
	rootCmd.Flags().StringVar(&transport, "transport", "", "Transport on the listen address (tcp, mux)")
	rootCmd.Flags().BoolVar(&echoFrames, "echo", false, "Write every received frame back to the peer")

	tokenCreateCmd.Flags().StringVar(&tokenName, "name", "", "Token name")
	tokenCreateCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "Allow the token to create other tokens")
	_ = tokenCreateCmd.MarkFlagRequired("name")

	tokenCmd.AddCommand(tokenCreateCmd)
	rootCmd.AddCommand(tokenCmd)
}

// loadConfig reads the config file and environment, then applies flags that
// were set explicitly.
func loadConfig(cmd *cobra.Command) (*common.ServerConfig, error) {
	_ = godotenv.Load()

	cfg, err := common.LoadServerConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if flags.Changed("db") {
		cfg.DatabasePath = dbPath
	}
	if flags.Lookup("listen-addr") != nil && flags.Changed("listen-addr") {
		cfg.ListenAddr = listenAddr
	}
	if flags.Lookup("http-addr") != nil && flags.Changed("http-addr") {
		cfg.HTTPAddr = httpAddr
	}
	if flags.Lookup("transport") != nil && flags.Changed("transport") {
		cfg.Transport = transport
	}
	if flags.Lookup("echo") != nil && flags.Changed("echo") {
		cfg.EchoFrames = echoFrames
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := common.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if configFile != "" {
		logger.Info("loaded configuration", slog.String("file", configFile))
	}

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	if cfg.Auth.Mode == "token" && cfg.Auth.TokenFile == "" && cfg.Auth.AdminToken == "" {
		logger.Warn("no static API tokens configured; create one with 'myproto-server token create'")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}

func runTokenCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.DatabasePath == "" {
		return fmt.Errorf("a database is required to store API tokens (set --db)")
	}

	// tokens are created offline, so the listeners are never started
	cfg.ListenAddr = ""
	srv, err := server.NewServer(cfg, common.NewLogger(os.Stderr, "error", cfg.LogFormat))
	if err != nil {
		return fmt.Errorf("failed to open server state: %w", err)
	}
	defer srv.Close()

	token, err := srv.CreateAPIToken(tokenName, tokenAdmin)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
