package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TeoSlayer/multisocketrudp/pkg/broker"
	"github.com/TeoSlayer/multisocketrudp/pkg/config"
	"github.com/TeoSlayer/multisocketrudp/pkg/core"
	"github.com/TeoSlayer/multisocketrudp/pkg/logging"
)

// EchoPacketID is the packet id the built-in handler echoes back.
const EchoPacketID = 1

var (
	cfgFile     string
	brokerAddr  string
	publicIP    string
	tlsCert     string
	tlsKey      string
	logLevel    string
	logFormat   string
	metricsAddr string
	coreCfg     core.Config
)

var rootCmd = &cobra.Command{
	Use:   "rudpserver",
	Short: "Multi-socket RUDP server with a TLS session broker",
	Long: `rudpserver binds one UDP socket per session slot, runs the reliable
transport engine over them, and hands slots to clients through a TLS
broker. Packets with id 1 are echoed back to the sender.`,
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
		return run()
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file (YAML or JSON)")
	f.StringVar(&brokerAddr, "broker-addr", ":9100", "TLS broker listen address")
	f.StringVar(&publicIP, "public-ip", broker.DefaultPublicIP, "address advertised to clients")
	f.StringVar(&tlsCert, "tls-cert", "", "broker TLS certificate file (empty = auto self-signed)")
	f.StringVar(&tlsKey, "tls-key", "", "broker TLS key file")
	f.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (empty = disabled)")

	f.StringVar(&coreCfg.BindIP, "bind-ip", core.DefaultBindIP, "address every slot socket binds to")
	f.IntVar(&coreCfg.PortStart, "port-start", 0, "first slot port (0 = ephemeral ports)")
	f.IntVar(&coreCfg.Sockets, "sockets", core.DefaultSockets, "session slots, one UDP socket each")
	f.IntVar(&coreCfg.Workers, "workers", core.DefaultWorkers, "worker partitions")
	f.DurationVar(&coreCfg.RetransmissionInterval, "retransmission-interval", core.DefaultRetransmissionInterval, "retransmission timeout")
	f.IntVar(&coreCfg.MaxRetransmissionCount, "max-retransmissions", core.DefaultMaxRetransmissionCount, "retransmissions before a session is released")
	f.DurationVar(&coreCfg.HeartbeatInterval, "heartbeat-interval", core.DefaultHeartbeatInterval, "heartbeat period")
	f.Uint32Var(&coreCfg.WindowSize, "window-size", core.DefaultWindowSize, "receive window in packets")
	f.DurationVar(&coreCfg.ReservationTimeout, "reservation-timeout", core.DefaultReservationTimeout, "time a reserved slot waits for Connect")
	f.DurationVar(&coreCfg.StatsInterval, "stats-interval", core.DefaultStatsInterval, "periodic stats log interval")
	f.IntVar(&coreCfg.SocketReadBuffer, "socket-read-buffer", 0, "SO_RCVBUF bytes (0 = OS default)")
	f.IntVar(&coreCfg.SocketWriteBuffer, "socket-write-buffer", 0, "SO_SNDBUF bytes (0 = OS default)")
}

func run() error {
	c, err := core.New(coreCfg)
	if err != nil {
		return err
	}
	c.Handle(EchoPacketID, func(s *core.Session, payload []byte) error {
		return s.Send(EchoPacketID, payload)
	})
	c.Router().OnConnect(func(s *core.Session) {
		slog.Debug("client connected", "session_id", s.ID(), "addr", s.Addr())
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start core: %w", err)
	}
	defer c.Stop()

	b, err := broker.NewServer(c, broker.Config{PublicIP: publicIP})
	if err != nil {
		return err
	}
	if err := b.SetTLS(tlsCert, tlsKey); err != nil {
		return fmt.Errorf("TLS setup: %w", err)
	}
	errCh := make(chan error, 2)
	go func() { errCh <- b.ListenAndServe(brokerAddr) }()
	defer b.Close()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
			c.Metrics().WriteTo(w)
		})
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics: %w", err)
			}
		}()
		defer srv.Close()
		slog.Info("metrics listening", "addr", metricsAddr)
	}

	select {
	case <-b.Ready():
		slog.Info("rudpserver running", "sockets", coreCfg.Sockets, "broker", b.Addr(), "fingerprint", b.Fingerprint())
	case err := <-errCh:
		return err
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
