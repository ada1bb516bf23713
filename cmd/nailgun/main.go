package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/nailgun/internal/config"
	"github.com/guseggert/nailgun/internal/logging"
	ngnet "github.com/guseggert/nailgun/internal/net"
	"github.com/guseggert/nailgun/internal/tlsutil"
	"github.com/guseggert/nailgun/nails/demo"
	"github.com/guseggert/nailgun/registry"
	"github.com/guseggert/nailgun/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "nailgun",
		Usage:     "a warm server that runs registered commands for short-lived clients",
		ArgsUsage: "[PORT | HOST:PORT | local:/path/to.sock]",
		Version:   version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a TOML config file. Defaults to the nearest " + config.DefaultFileName + " above the working directory.",
			},
			&cli.StringFlag{
				Name:  "admin-addr",
				Usage: "Address for the admin HTTP server (stats, metrics, websocket transport). Disabled when empty.",
			},
			&cli.BoolFlag{
				Name:  "allow-direct",
				Usage: "Allow running nails by canonical name when no alias matches.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "tls-ca",
				Usage: "CA cert PEM file clients must be signed by. Enables mutual TLS together with --tls-cert and --tls-key.",
			},
			&cli.StringFlag{
				Name:  "tls-cert",
				Usage: "Server cert PEM file.",
			},
			&cli.StringFlag{
				Name:  "tls-key",
				Usage: "Server key PEM file.",
			},
			&cli.DurationFlag{
				Name:  "flush-interval",
				Usage: "How often running nails' buffered output is sent to the client. 0 disables periodic flushing.",
				Value: server.DefaultFlushInterval,
			},
		},
		Action: run,
	}
}

// loadConfig merges the config file with flags, flags winning when set.
func loadConfig(c *cli.Context) (config.Config, error) {
	if c.NArg() > 1 {
		return config.Config{}, fmt.Errorf("expected at most one listen address, got %d arguments", c.NArg())
	}
	cfg, _, err := config.Resolve(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if c.NArg() == 1 {
		cfg.Listen = c.Args().First()
	}
	if c.IsSet("admin-addr") {
		cfg.AdminAddr = c.String("admin-addr")
	}
	if c.IsSet("allow-direct") {
		cfg.AllowDirect = c.Bool("allow-direct")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("tls-ca") {
		cfg.TLS.CAFile = c.String("tls-ca")
	}
	if c.IsSet("tls-cert") {
		cfg.TLS.CertFile = c.String("tls-cert")
	}
	if c.IsSet("tls-key") {
		cfg.TLS.KeyFile = c.String("tls-key")
	}
	if c.IsSet("flush-interval") {
		cfg.FlushInterval = c.Duration("flush-interval")
	}
	return cfg, cfg.Validate()
}

// buildServer constructs the server and its registry from cfg without binding anything.
func buildServer(cfg config.Config, logger *zap.Logger) (*server.Server, error) {
	catalog := registry.NewCatalog()
	demo.Provide(catalog)
	reg := registry.New(catalog)
	if cfg.DemoAliases {
		if err := demo.Register(reg); err != nil {
			return nil, fmt.Errorf("registering demo nails: %w", err)
		}
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithRegistry(reg),
		server.WithAllowDirect(cfg.AllowDirect),
		server.WithFlushInterval(cfg.FlushInterval),
		server.WithAdminAddr(cfg.AdminAddr),
		server.WithVersion(version),
	}
	if cfg.TLS.Enabled() {
		tlsConfig, err := tlsutil.LoadServerConfig(cfg.TLS.CAFile, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("building server TLS config: %w", err)
		}
		opts = append(opts, server.WithTLSConfig(tlsConfig))
	}

	srv, err := server.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("building server: %w", err)
	}
	for _, a := range cfg.Aliases {
		if err := srv.Registry().RegisterCanonical(a.Name, a.Nail, a.Description); err != nil {
			return nil, fmt.Errorf("registering alias %s: %w", a.Name, err)
		}
	}
	return srv, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	addr, err := ngnet.ParseListenAddr(cfg.Listen)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	srv, err := buildServer(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return srv.ListenAndServe(addr.Network, addr.Address)
	})
	group.Go(srv.ListenAndServeAdmin)
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx, false)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
