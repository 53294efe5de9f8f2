// Command sidekick-broker runs a standalone Sidekick broker behind a WebSocket adapter. The
// broker core stays `net`-free; this command is the one place the WebSocket encoding is
// supplied.
//
// The read/write pump shape is one reader goroutine per connection, a write-mutex-protected
// writer, and a ticking heartbeat.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"covenant/frame"
	"covenant/registry"
	"covenant/sidekick"
	"covenant/wire"
)

type config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	AdvertiseAddr string        `yaml:"advertise_addr"`
	EtcdEndpoints []string      `yaml:"etcd_endpoints"`
	AuthSecret    string        `yaml:"auth_secret"`
	AuthDelay     time.Duration `yaml:"auth_failure_delay"`
	LogLevel      string        `yaml:"log_level"`
	LogJSON       bool          `yaml:"log_json"`
	QueueDepth    int           `yaml:"queue_depth"`
	Heartbeat     time.Duration `yaml:"heartbeat_interval"`
	MetricsPath   string        `yaml:"metrics_path"`
}

func defaultConfig() config {
	return config{
		ListenAddr:  "0.0.0.0:8901",
		AuthDelay:   3 * time.Second,
		LogLevel:    "info",
		QueueDepth:  256,
		Heartbeat:   30 * time.Second,
		MetricsPath: "/metrics",
	}
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := defaultConfig()
	var configPath string

	cmd := &cobra.Command{
		Use:   "sidekick-broker",
		Short: "Serve the Sidekick pub/sub broker over WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				if err := loadConfigFile(configPath, &cfg); err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			if cfg.AuthSecret == "" {
				return fmt.Errorf("--auth-secret is required")
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Address to accept WebSocket connections on")
	flags.StringVar(&cfg.AdvertiseAddr, "advertise", cfg.AdvertiseAddr, "Address registered with discovery (defaults to --listen)")
	flags.StringSliceVar(&cfg.EtcdEndpoints, "etcd-endpoints", cfg.EtcdEndpoints, "etcd endpoints for service discovery; omit to run without discovery")
	flags.StringVar(&cfg.AuthSecret, "auth-secret", cfg.AuthSecret, "Bearer secret required of every connecting client")
	flags.DurationVar(&cfg.AuthDelay, "auth-failure-delay", cfg.AuthDelay, "Delay applied before responding to a failed auth attempt")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flags.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "Emit logs as JSON instead of console-formatted")
	flags.IntVar(&cfg.QueueDepth, "queue-depth", cfg.QueueDepth, "Per-session outbound queue capacity before a session is dropped")
	flags.DurationVar(&cfg.Heartbeat, "heartbeat-interval", cfg.Heartbeat, "WebSocket ping interval")
	flags.StringVar(&cfg.MetricsPath, "metrics-path", cfg.MetricsPath, "HTTP path serving Prometheus metrics")
	flags.StringVar(&configPath, "config", "", "Optional YAML config file; flags override its values")

	return cmd
}

func loadConfigFile(path string, cfg *config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func newLogger(cfg config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogJSON {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger.Level(level).With().Timestamp().Str("component", "sidekick-broker").Logger()
}

func run(cfg config) error {
	logger := newLogger(cfg)

	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.ListenAddr
	}

	var reg registry.Registry
	if len(cfg.EtcdEndpoints) > 0 {
		etcdReg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints)
		if err != nil {
			return fmt.Errorf("connect to etcd: %w", err)
		}
		reg = etcdReg
		if err := reg.Register("broker", registry.ServiceInstance{Addr: cfg.AdvertiseAddr}, 10); err != nil {
			logger.Warn().Err(err).Msg("failed to register with discovery")
		}
	}

	broker := sidekick.NewBroker(logger, cfg.QueueDepth)

	adapter := &wsAdapter{broker: broker, cfg: cfg, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/sidekick", adapter.handle)
	mux.Handle(cfg.MetricsPath, promhttp.Handler())

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.Info().Str("listen", cfg.ListenAddr).Str("advertise", cfg.AdvertiseAddr).Msg("sidekick-broker listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("broker stopped unexpectedly")
	}

	if reg != nil {
		if err := reg.Deregister("broker", cfg.AdvertiseAddr); err != nil {
			logger.Warn().Err(err).Msg("failed to deregister from discovery")
		}
	}

	if err := broker.Shutdown(10 * time.Second); err != nil {
		logger.Warn().Err(err).Msg("broker sessions did not drain cleanly")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsAdapter translates between gorilla/websocket frames and sidekick.Inbound/Outbound
// messages, authenticating every connection against a shared bearer secret before
// upgrading.
type wsAdapter struct {
	broker *sidekick.Broker
	cfg    config
	logger zerolog.Logger
}

func (a *wsAdapter) handle(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		time.Sleep(a.cfg.AuthDelay)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeOut := func(out *sidekick.Outbound) error {
		payload, err := wire.Encode(frame.BrokerOutboundToWire(out))
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, payload)
	}

	session := a.broker.NewSession(writeOut)
	defer a.broker.Disconnect(session)

	done := make(chan struct{})
	go a.heartbeatLoop(conn, &writeMu, done)
	defer close(done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		doc, err := wire.Decode(message)
		if err != nil {
			a.logger.Warn().Err(err).Str("session", session.ID()).Msg("failed to decode inbound frame")
			continue
		}
		in, err := frame.BrokerInboundFromWire(doc)
		if err != nil {
			a.logger.Warn().Err(err).Str("session", session.ID()).Msg("malformed inbound frame")
			continue
		}
		a.broker.Dispatch(session, in)
	}
}

// heartbeatLoop pings the peer on an interval, the same idea as transport.heartbeatLoop,
// to detect dead WebSocket peers when gorilla/websocket doesn't get a native ping/pong
// within the interval.
func (a *wsAdapter) heartbeatLoop(conn *websocket.Conn, writeMu *sync.Mutex, done <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// authorized checks the shared secret as a bearer credential: either the Authorization
// header or, since browser WebSocket clients cannot set arbitrary headers on the upgrade
// request, an "auth" query parameter.
func (a *wsAdapter) authorized(r *http.Request) bool {
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok && token == a.cfg.AuthSecret {
		return true
	}
	return r.URL.Query().Get("auth") == a.cfg.AuthSecret
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimPrefix(header, prefix), true
}
