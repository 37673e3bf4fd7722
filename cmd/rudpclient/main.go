package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TeoSlayer/multisocketrudp/pkg/client"
	"github.com/TeoSlayer/multisocketrudp/pkg/config"
	"github.com/TeoSlayer/multisocketrudp/pkg/logging"
)

const echoPacketID = 1

var (
	cfgFile     string
	brokerAddr  string
	fingerprint string
	clients     int
	messages    int
	payloadSize int
	timeout     time.Duration
	logLevel    string
	logFormat   string
)

var rootCmd = &cobra.Command{
	Use:   "rudpclient",
	Short: "RUDP bot tester: concurrent clients doing echo round trips",
	Long: `rudpclient fetches session assignments from a rudpserver broker,
connects each bot to its slot, and sends messages that the server echoes
back. It fails if any bot loses, reorders or corrupts a message.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.ApplyToFlags(cmd.Flags(), cfg); err != nil {
				return err
			}
		}
		if err := logging.Setup(logLevel, logFormat); err != nil {
			return err
		}
		if fingerprint == "" {
			return fmt.Errorf("--fingerprint is required")
		}
		if payloadSize < 8 {
			return fmt.Errorf("--payload-size must be at least 8")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cmd)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file (YAML or JSON)")
	f.StringVar(&brokerAddr, "broker", "127.0.0.1:9100", "broker address")
	f.StringVar(&fingerprint, "fingerprint", "", "broker certificate SHA-256 fingerprint (hex)")
	f.IntVarP(&clients, "clients", "n", 10, "concurrent bots")
	f.IntVarP(&messages, "messages", "m", 100, "messages per bot")
	f.IntVar(&payloadSize, "payload-size", 64, "payload bytes per message")
	f.DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	f.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&logFormat, "log-format", "text", "log format (text, json)")
}

type latencies struct {
	mu    sync.Mutex
	count int
	total time.Duration
	min   time.Duration
	max   time.Duration
}

func (l *latencies) observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 || d < l.min {
		l.min = d
	}
	if d > l.max {
		l.max = d
	}
	l.count++
	l.total += d
}

func run(ctx context.Context, cmd *cobra.Command) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lat latencies
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < clients; i++ {
		g.Go(func() error { return bot(gctx, i, &lat) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	avg := time.Duration(0)
	if lat.count > 0 {
		avg = lat.total / time.Duration(lat.count)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d bots, %d round trips in %s (%.0f msg/s)\n",
		clients, lat.count, elapsed.Round(time.Millisecond), float64(lat.count)/elapsed.Seconds())
	fmt.Fprintf(cmd.OutOrStdout(), "rtt min %s avg %s max %s\n", lat.min, avg, lat.max)
	return nil
}

// bot sends messages one at a time and checks each echo.
func bot(ctx context.Context, n int, lat *latencies) error {
	cl, err := client.Dial(ctx, brokerAddr, fingerprint, client.Options{})
	if err != nil {
		return fmt.Errorf("bot %d: %w", n, err)
	}
	defer cl.Close()
	slog.Debug("bot connected", "bot", n, "session_id", cl.SessionID())

	payload := make([]byte, payloadSize)
	for i := 0; i < messages; i++ {
		if _, err := rand.Read(payload); err != nil {
			return err
		}
		sent := time.Now()
		if err := cl.Send(echoPacketID, payload); err != nil {
			return fmt.Errorf("bot %d send %d: %w", n, i, err)
		}
		select {
		case m, ok := <-cl.Messages():
			if !ok {
				return fmt.Errorf("bot %d: connection lost: %w", n, cl.Err())
			}
			if m.PacketID != echoPacketID || !bytes.Equal(m.Payload, payload) {
				return fmt.Errorf("bot %d: echo %d mismatch", n, i)
			}
		case <-ctx.Done():
			return fmt.Errorf("bot %d: %w", n, ctx.Err())
		}
		lat.observe(time.Since(sent))
	}
	slog.Debug("bot finished", "bot", n, "session_id", cl.SessionID(), "flow", cl.FlowStats())
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
