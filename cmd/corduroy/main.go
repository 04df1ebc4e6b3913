package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/zde37/corduroy/internal/api"
	"github.com/zde37/corduroy/internal/chord"
	"github.com/zde37/corduroy/internal/config"
	"github.com/zde37/corduroy/pkg"
)

// LogOptions are shared by every command.
type LogOptions struct {
	LogLevel  string `long:"log-level" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
	LogFormat string `long:"log-format" default:"console" choice:"json" choice:"console" description:"Log format"`
	LogFile   string `long:"log-file" description:"Also write logs to this rotating file"`
}

// ServeCommand runs a ring node.
type ServeCommand struct {
	LogOptions

	Host          string `long:"host" default:"127.0.0.1" description:"Host address to bind to"`
	Port          int    `short:"p" long:"port" default:"9001" description:"Port for ring traffic (0 picks one)"`
	AdvertiseHost string `long:"advertise-host" description:"Host peers should dial, when it differs from the bind host"`
	HTTPPort      int    `long:"http-port" default:"0" description:"Port for the HTTP API (0 disables)"`
	GRPCPort      int    `long:"grpc-port" default:"0" description:"Port for the gRPC health/admin server (0 disables)"`
	AuthToken     string `long:"auth-token" env:"CORDUROY_AUTH_TOKEN" description:"Token required on the gRPC admin server"`
	Bootstrap     string `short:"b" long:"bootstrap" description:"Address (host:port) of a ring member to discover through"`

	DialTimeout      time.Duration `long:"dial-timeout" default:"2s" description:"Bound on establishing one connection"`
	RPCTimeout       time.Duration `long:"rpc-timeout" default:"5s" description:"Bound on one request/response"`
	DialRetries      uint64        `long:"dial-retries" default:"2" description:"Extra dial attempts before a peer counts as unreachable"`
	TraversalTimeout time.Duration `long:"traversal-timeout" default:"10s" description:"Budget for a whole probe or broadcast"`
	MaxHandlers      int           `long:"max-handlers" default:"64" description:"Concurrently served connections"`
	AdmissionTimeout time.Duration `long:"admission-timeout" default:"0s" description:"0 queues connections while all handlers are busy; otherwise drop them after this long"`
}

// HealthCommand queries a node's gRPC health endpoint.
type HealthCommand struct {
	Address   string        `short:"a" long:"addr" required:"true" description:"Address (host:port) of the gRPC admin server"`
	Service   string        `long:"service" default:"corduroy.Node" description:"Health service name"`
	AuthToken string        `long:"auth-token" env:"CORDUROY_AUTH_TOKEN" description:"Token sent in the x-auth-token metadata"`
	Timeout   time.Duration `long:"timeout" default:"3s" description:"Bound on the check"`
}

func main() {
	parser := flags.NewParser(nil, flags.Default)
	parser.Name = "corduroy"

	if _, err := parser.AddCommand("serve", "Run a ring node", "Binds a ring node, optionally discovers the ring through a bootstrap peer and serves until interrupted.", &ServeCommand{}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to register command: %v\n", err)
		os.Exit(1)
	}
	if _, err := parser.AddCommand("health", "Check a node's health", "Queries the gRPC health service of a running node.", &HealthCommand{}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to register command: %v\n", err)
		os.Exit(1)
	}

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func (o *LogOptions) logger() (*pkg.Logger, error) {
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = o.LogLevel
	loggerConfig.Format = o.LogFormat
	if o.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = o.LogFile
	}
	return pkg.New(loggerConfig)
}

func (c *ServeCommand) config() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Host = c.Host
	cfg.Port = c.Port
	cfg.AdvertiseHost = c.AdvertiseHost
	cfg.HTTPPort = c.HTTPPort
	cfg.GRPCPort = c.GRPCPort
	cfg.AuthToken = c.AuthToken
	cfg.Bootstrap = c.Bootstrap
	cfg.DialTimeout = c.DialTimeout
	cfg.RPCTimeout = c.RPCTimeout
	cfg.DialRetries = c.DialRetries
	cfg.TraversalTimeout = c.TraversalTimeout
	cfg.MaxHandlers = c.MaxHandlers
	cfg.AdmissionTimeout = c.AdmissionTimeout
	cfg.LogLevel = c.LogLevel
	cfg.LogFormat = c.LogFormat
	return cfg
}

// Execute runs the node until SIGINT or SIGTERM.
func (c *ServeCommand) Execute(_ []string) error {
	cfg := c.config()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := c.logger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("http_port", cfg.HTTPPort).
		Int("grpc_port", cfg.GRPCPort).
		Msg("Starting corduroy node")

	node, err := chord.NewNode(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create node")
		return err
	}
	node.Start()

	var (
		httpServer *api.Server
		grpcServer *api.GRPCServer
	)

	if cfg.GRPCPort > 0 {
		grpcServer, err = api.NewGRPCServer(cfg.AuthToken, logger)
		if err == nil {
			err = grpcServer.Start(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.GRPCPort)))
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to start gRPC server")
			cleanup(node, grpcServer, httpServer, logger)
			return err
		}
	}

	if cfg.HTTPPort > 0 {
		httpServer, err = api.NewServer(node, logger)
		if err == nil {
			err = httpServer.Start(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.HTTPPort)))
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to start HTTP API server")
			cleanup(node, grpcServer, nil, logger)
			return err
		}
	}

	if cfg.Bootstrap != "" {
		logger.Info().
			Str("bootstrap", cfg.Bootstrap).
			Msg("Discovering existing ring")

		if err := node.Discover(context.Background(), cfg.Bootstrap); err != nil {
			// the node keeps serving; peers that find it later fill in the ring
			logger.Error().
				Err(err).
				Str("bootstrap", cfg.Bootstrap).
				Msg("Failed to discover ring")
		}
	}

	logger.Info().
		Str("address", node.Address()).
		Uint32("ring_id", uint32(node.ID())).
		Int("known", len(node.KnownAddresses())).
		Msg("Corduroy node is ready")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("Received shutdown signal")

	cleanup(node, grpcServer, httpServer, logger)

	logger.Info().Msg("Corduroy node shutdown complete")
	return nil
}

// Execute prints the serving status and fails unless it is SERVING.
func (c *HealthCommand) Execute(_ []string) error {
	st, err := api.CheckHealth(context.Background(), c.Address, c.Service, c.AuthToken, c.Timeout)
	if err != nil {
		return err
	}

	fmt.Println(st.String())
	if st != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%s is %s", c.Address, st)
	}
	return nil
}

// cleanup performs graceful shutdown of all components
func cleanup(node *chord.Node, grpcServer *api.GRPCServer, httpServer *api.Server, logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	if grpcServer != nil {
		grpcServer.SetServing(false)
	}

	// Stop HTTP server
	if httpServer != nil {
		if err := httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}

	// Stop accepting ring traffic and let in-flight requests finish
	if err := node.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping node")
	}
	node.Wait()

	// Stop gRPC server
	if grpcServer != nil {
		if err := grpcServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping gRPC server")
		}
	}
}
