package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/agendomat/myproto/internal/client"
	"github.com/agendomat/myproto/internal/common"
	"github.com/agendomat/myproto/internal/protocol"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	configFile  string
	logLevel    string
	serverAddr  string
	transport   string
	version     int
	streams     int
	frameType   string
	bodyFile    string
	echoTimeout time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "myproto-client",
	Short: "MYPROTO client - handshake with a server and send frames",
}

var sendCmd = &cobra.Command{
	Use:   "send [message...]",
	Short: "Send frames on one or more streams",
	Long: `Send performs the version handshake and sends every argument as a frame.
With no arguments, each line of standard input becomes a frame.

Examples:
  myproto-client send hello world
  myproto-client send --transport mux --streams 4 --server localhost:7000 ping
  myproto-client send --type I --file logo.png
  myproto-client send --transport ws --server ws://localhost:7080 --echo-timeout 2s hi`,
	SilenceUsage: true,
	RunE:         runSend,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "Server address (host:port, or ws:// URL)")
	rootCmd.PersistentFlags().StringVar(&transport, "transport", "", "Transport (tcp, ws, mux)")
	rootCmd.PersistentFlags().IntVar(&version, "version", 0, "Version announced in the header")

	sendCmd.Flags().IntVar(&streams, "streams", 0, "Number of streams (mux only)")
	sendCmd.Flags().StringVar(&frameType, "type", "S", "Frame type character")
	sendCmd.Flags().StringVar(&bodyFile, "file", "", "Send the contents of a file as one frame")
	sendCmd.Flags().DurationVar(&echoTimeout, "echo-timeout", 0, "Wait this long for each frame to be echoed back")

	rootCmd.AddCommand(sendCmd)
}

func loadConfig(cmd *cobra.Command) (*common.ClientConfig, error) {
	_ = godotenv.Load()

	cfg, err := common.LoadClientConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("server") {
		cfg.ServerAddr = serverAddr
	}
	if flags.Changed("transport") {
		cfg.Transport = transport
	}
	if flags.Changed("version") {
		cfg.Version = version
	}
	if flags.Changed("streams") {
		cfg.Streams = streams
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := common.NewLogger(os.Stderr, cfg.LogLevel, "text")

	if len(frameType) != 1 || frameType[0] >= utf8.RuneSelf {
		return fmt.Errorf("frame type must be a single ASCII character")
	}

	frames, err := collectFrames(args, frameType[0])
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return fmt.Errorf("nothing to send")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := client.NewDialer(cfg, logger)
	defer dialer.Close()

	var out sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Streams; i++ {
		stream := i + 1
		g.Go(func() error {
			return sendOnStream(ctx, dialer, cfg, logger.With(slog.Int("stream", stream)), frames, func(f protocol.Frame) {
				out.Lock()
				defer out.Unlock()
				fmt.Printf("[stream %d] %s %s\n", stream, f, printable(f))
			})
		})
	}
	return g.Wait()
}

func sendOnStream(ctx context.Context, dialer *client.Dialer, cfg *common.ClientConfig, logger *slog.Logger, frames []protocol.Frame, onEcho func(protocol.Frame)) error {
	c, err := client.Dial(ctx, dialer, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, f := range frames {
		if err := c.Send(f); err != nil {
			return fmt.Errorf("send %s: %w", f, err)
		}
	}
	logger.Info("frames sent", slog.Int("count", len(frames)))

	if echoTimeout <= 0 {
		return nil
	}
	for range frames {
		select {
		case f, ok := <-c.Frames():
			if !ok {
				if err := c.Err(); err != nil {
					return err
				}
				return client.ErrClosed
			}
			onEcho(f)
		case <-time.After(echoTimeout):
			return fmt.Errorf("no echo within %s", echoTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func collectFrames(args []string, typ byte) ([]protocol.Frame, error) {
	if bodyFile != "" {
		body, err := os.ReadFile(bodyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", bodyFile, err)
		}
		if len(body) > protocol.MaxBodyLen {
			return nil, fmt.Errorf("%s is %d bytes, the limit is %d", bodyFile, len(body), protocol.MaxBodyLen)
		}
		return []protocol.Frame{{Type: typ, Body: body}}, nil
	}

	var frames []protocol.Frame
	if len(args) > 0 {
		for _, a := range args {
			frames = append(frames, protocol.Frame{Type: typ, Body: []byte(a)})
		}
		return frames, nil
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxBodyLen)
	for scanner.Scan() {
		frames = append(frames, protocol.Frame{Type: typ, Body: []byte(scanner.Text())})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	return frames, nil
}

func printable(f protocol.Frame) string {
	if f.Type == protocol.FrameTypeString && utf8.Valid(f.Body) {
		return fmt.Sprintf("%q", f.Body)
	}
	return fmt.Sprintf("(%d bytes)", f.Len())
}
