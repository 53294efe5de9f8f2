// Command covenant-server runs a standalone covenant RPC server: it declares the
// worked-example procedures and the chatroom channel, wires them to a dispatcher and
// channel runtime backed by an in-process Sidekick broker, and serves them over the
// framed-TCP transport in package server.
//
// Its cobra-command, flags-plus-YAML-config layout follows cuemby-warren's cmd/warren/main.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"covenant/channelrt"
	"covenant/contract"
	"covenant/dispatch"
	"covenant/middleware"
	"covenant/registry"
	"covenant/schema"
	"covenant/server"
	"covenant/sidekick"
)

// config is the file form of the flags below; a --config YAML file is loaded first and
// then any flag explicitly set on the command line overrides it, matching cuemby-warren's
// flag-then-config layering.
type config struct {
	ListenAddr    string   `yaml:"listen_addr"`
	AdvertiseAddr string   `yaml:"advertise_addr"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	LogLevel      string   `yaml:"log_level"`
	LogJSON       bool     `yaml:"log_json"`
	RateLimit     float64  `yaml:"rate_limit"`
	RateBurst     int      `yaml:"rate_burst"`
}

func defaultConfig() config {
	return config{
		ListenAddr: "0.0.0.0:8900",
		LogLevel:   "info",
		RateLimit:  200,
		RateBurst:  50,
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
		Use:   "covenant-server",
		Short: "Serve covenant procedures and channels over framed TCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				if err := loadConfigFile(configPath, &cfg); err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Address to accept connections on")
	flags.StringVar(&cfg.AdvertiseAddr, "advertise", cfg.AdvertiseAddr, "Address registered with discovery (defaults to --listen)")
	flags.StringSliceVar(&cfg.EtcdEndpoints, "etcd-endpoints", cfg.EtcdEndpoints, "etcd endpoints for service discovery; omit to run without discovery")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flags.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "Emit logs as JSON instead of console-formatted")
	flags.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "Sustained procedure calls per second allowed before throttling")
	flags.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "Burst size for the procedure rate limiter")
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
	return logger.Level(level).With().Timestamp().Str("component", "covenant-server").Logger()
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
	}

	broker := sidekick.NewBroker(logger, 256)

	dispatcher, err := buildDispatcher(logger)
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}
	dispatcher.Use(middleware.LoggingMiddleware(logger))
	dispatcher.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	dispatcher.Use(middleware.TimeOutMiddleware(10 * time.Second))

	channelRT, err := buildChannelRuntime(broker, logger)
	if err != nil {
		return fmt.Errorf("build channel runtime: %w", err)
	}
	broker.SetServerCallback(channelRT.ProcessChannelMessage)

	svr := server.NewServer("covenant-server", dispatcher, channelRT, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := svr.Serve("tcp", cfg.ListenAddr, cfg.AdvertiseAddr, reg); err != nil {
			errCh <- err
		}
	}()
	logger.Info().Str("listen", cfg.ListenAddr).Str("advertise", cfg.AdvertiseAddr).Msg("covenant-server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server stopped unexpectedly")
	}

	if err := svr.Shutdown(10 * time.Second); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildDispatcher declares the worked-example procedures and registers their handlers:
// helloWorld (query, worked example #1), updateData/getData (mutation/query pair
// invalidating the /data/<key> resource, worked example #2), failingQuery (query that can
// fail(), worked example #3/#4).
func buildDispatcher(logger zerolog.Logger) (*dispatch.Dispatcher, error) {
	stringSchema := schema.MustCompile([]byte(`{"type":"string"}`))
	boolSchema := schema.MustCompile([]byte(`{"type":"boolean"}`))
	nullSchema := schema.MustCompile([]byte(`{"type":"null"}`))
	getDataOutputSchema := schema.MustCompile([]byte(`{
		"type":"object",
		"required":["str","n"],
		"properties":{"str":{"type":"string"},"n":{"type":"number"}}
	}`))

	cv, err := contract.DeclareCovenant([]contract.ProcedureSpec{
		{Name: "helloWorld", Kind: contract.Query, InputSchema: stringSchema, OutputSchema: stringSchema},
		{Name: "updateData", Kind: contract.Mutation, InputSchema: stringSchema, OutputSchema: nullSchema},
		{Name: "getData", Kind: contract.Query, InputSchema: stringSchema, OutputSchema: getDataOutputSchema},
		{Name: "failingQuery", Kind: contract.Query, InputSchema: boolSchema, OutputSchema: stringSchema},
	}, nil)
	if err != nil {
		return nil, err
	}

	d := dispatch.NewDispatcher(cv,
		func(ctx context.Context, h dispatch.Headers) (any, error) { return nil, nil },
		func(reqContext any, fail dispatch.FailFunc) any { return nil },
		logger,
	)

	if err := d.Procedure("helloWorld", func(req *dispatch.Request) any {
		return "Hello, " + req.Inputs.(string)
	}, nil); err != nil {
		return nil, err
	}

	if err := d.Procedure("updateData", func(req *dispatch.Request) any {
		return nil
	}, func(req *dispatch.ResourcesRequest) []string {
		return []string{"/data/" + req.Inputs.(string)}
	}); err != nil {
		return nil, err
	}

	if err := d.Procedure("getData", func(req *dispatch.Request) any {
		key := req.Inputs.(string)
		return map[string]any{"str": "got data: " + key, "n": 42.0}
	}, func(req *dispatch.ResourcesRequest) []string {
		return []string{"/data/" + req.Inputs.(string)}
	}); err != nil {
		return nil, err
	}

	if err := d.Procedure("failingQuery", func(req *dispatch.Request) any {
		if req.Inputs.(bool) {
			req.Fail("Intentional failure", dispatch.CodeHandlerDefaultErr)
		}
		return "success"
	}, nil); err != nil {
		return nil, err
	}

	if err := d.AssertAllDefined(); err != nil {
		return nil, err
	}
	return d, nil
}

// buildChannelRuntime declares the chatroom channel of worked example #5. onConnect mints
// a connection ID distinct from the channel token (the token isn't known to onConnect —
// it's minted afterward by channelrt.Connect); onMessage tags every broadcast with the
// sender's connection ID.
func buildChannelRuntime(broker channelrt.BrokerLink, logger zerolog.Logger) (*channelrt.Runtime, error) {
	permissive := schema.MustCompile([]byte(`{}`))
	messageSchema := schema.MustCompile([]byte(`{
		"type":"object",
		"required":["message"],
		"properties":{"message":{"type":"string"}}
	}`))

	cv, err := contract.DeclareCovenant(nil, []contract.ChannelSpec{
		{
			Name:                    "chatroom",
			Params:                  []string{"chatChannel"},
			ConnectionRequestSchema: permissive,
			ConnectionContextSchema: permissive,
			ClientMessageSchema:     messageSchema,
			ServerMessageSchema:     permissive,
		},
	})
	if err != nil {
		return nil, err
	}

	rt := channelrt.NewRuntime(cv,
		func(ctx context.Context, params channelrt.Params, headers map[string]string) (any, error) { return nil, nil },
		func(reqContext any, fail channelrt.FailFunc) any { return nil },
		broker,
		logger,
	)

	err = rt.Channel("chatroom", func(req *channelrt.ConnectRequest) any {
		return map[string]any{"connectionId": uuid.NewString()}
	}, func(req *channelrt.MessageRequest) {
		senderID := req.Context.(map[string]any)["connectionId"]
		message := req.Inputs.(map[string]any)["message"]
		if err := rt.PostChannelMessage("chatroom", req.Params, map[string]any{
			"senderId": senderID,
			"message":  message,
		}); err != nil {
			req.Fail(err.Error(), channelrt.FaultServer)
		}
	})
	if err != nil {
		return nil, err
	}

	if err := rt.AssertAllDefined(); err != nil {
		return nil, err
	}
	return rt, nil
}
