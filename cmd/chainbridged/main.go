package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"chainbridge/bridge"
	"chainbridge/cmd/internal/authtoken"
	"chainbridge/config"
	"chainbridge/daemon"
	"chainbridge/lifecycle"
	"chainbridge/observability/logging"
	"chainbridge/observability/otel"
	"chainbridge/rpc"
)

const (
	serviceName      = "chainbridged"
	rpcTokenEnv      = "CHAINBRIDGE_RPC_TOKEN"
	configFileName   = "chainbridge.toml"
	drainTimeout     = 30 * time.Second
	telemetryTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", filepath.Join(config.DefaultDataDir(), configFileName), "Path to the configuration file")
	dataDir := flag.String("datadir", "", "Override the data directory")
	network := flag.String("network", "", "Override the network (main, testnet, regtest)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyOverrides(&cfg, *dataDir, *network); err != nil {
		return err
	}

	logger, logCloser, err := logging.Setup(serviceName, logging.Options{
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Network: string(cfg.Network),
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := otel.Init(ctx, otel.FromConfig(serviceName, cfg))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), telemetryTimeout)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	token, err := authtoken.NewSource(rpcTokenEnv, cfg.RPCAuthToken).Get()
	if err != nil {
		return err
	}
	logger.Info("starting daemon",
		"datadir", cfg.DataDir,
		"workers", cfg.Workers,
		"rpc", cfg.RPC,
		"rpc_address", cfg.RPCAddress,
		logging.MaskField("rpc_auth_token", token))

	fatalCh := make(chan error, 1)
	reportFatal := func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	}

	loop := bridge.NewLoop(bridge.WithFatalHandler(reportFatal), bridge.WithLoopLogger(logger))
	b := bridge.New(loop, bridge.WithWorkers(cfg.Workers), bridge.WithLogger(logger))
	d := daemon.New(b, logger,
		lifecycle.WithPollInterval(cfg.PollInterval()),
		lifecycle.WithFatalHandler(reportFatal),
	)

	var server *rpc.Server
	if cfg.RPC {
		server = rpc.NewServer(d, rpc.Options{AuthToken: token, SendPerSec: cfg.RPCSendPerSec, Logger: logger})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run(context.Background())
	})

	if err := d.Start(cfg, func(status string, err error) {
		if err != nil {
			logger.Error("daemon start failed", "error", err)
			cancel()
			return
		}
		logger.Info("daemon " + status)
	}); err != nil {
		loop.Stop()
		_ = g.Wait()
		return err
	}
	if err := d.OnReady(func(string, error) {
		logger.Info("daemon ready")
		if server == nil {
			return
		}
		if err := server.WatchChain(); err != nil {
			logger.Warn("chain stream unavailable", "error", err)
		}
	}); err != nil {
		logger.Warn("readiness watch not armed", "error", err)
	}

	if server != nil {
		g.Go(func() error {
			return server.Serve(gctx, cfg.RPCAddress)
		})
	}
	if addr := strings.TrimSpace(cfg.MetricsAddress); addr != "" && addr != cfg.RPCAddress {
		g.Go(func() error {
			return serveMetrics(gctx, addr, logger)
		})
	}

	// The engine may stop on its own.
	g.Go(func() error {
		d.Controller().Wait()
		cancel()
		return nil
	})

	g.Go(func() error {
		var fatal error
		select {
		case <-gctx.Done():
		case fatal = <-fatalCh:
			logger.Error("fatal daemon error", "error", fatal)
		}
		shutdown(d, b, loop, logger)
		return fatal
	})

	err = g.Wait()
	var fatalErr *bridge.FatalError
	if errors.As(err, &fatalErr) {
		logger.Error("host loop callback panicked", "panic", fmt.Sprint(fatalErr.Value), "stack", string(fatalErr.Stack))
	}
	return err
}

// shutdown stops the daemon, drains the worker pool and stops the host loop.
func shutdown(d *daemon.Daemon, b *bridge.Bridge, loop *bridge.Loop, logger *slog.Logger) {
	logger.Info("shutting down")
	stopped := make(chan struct{})
	if err := d.Stop(func(string, error) { close(stopped) }); err != nil {
		logger.Warn("stop request rejected", "error", err)
		close(stopped)
	}
	d.Controller().Wait()
	select {
	case <-stopped:
	case <-time.After(drainTimeout):
		logger.Warn("stop completion not delivered")
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		logger.Warn("worker pool did not drain", "error", err)
	}
	loop.Stop()
}

func applyOverrides(cfg *config.Config, dataDir, network string) error {
	if dataDir = strings.TrimSpace(dataDir); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if network = strings.TrimSpace(network); network != "" {
		parsed, err := config.ParseNetwork(network)
		if err != nil {
			return err
		}
		cfg.Network = parsed
	}
	return cfg.Validate()
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), telemetryTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
