package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"gravity-gateway/internal/catalog"
	"gravity-gateway/internal/config"
	"gravity-gateway/internal/gateway"
	providerfactory "gravity-gateway/internal/provider/factory"
	"gravity-gateway/internal/rag"
	"gravity-gateway/internal/server"
)

const serveUsage = `Usage:
  gravity-gateway serve [--config <path>] [--port <port>]

Flags:
  --config string   Path to YAML configuration file (optional; environment
                    variables alone can configure the gateway)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	adapters, err := providerfactory.BuildConfiguredAdapters(cfg)
	if err != nil {
		return err
	}

	cat := catalog.New(adapters, cfg.CatalogTTL())
	augmenter := rag.New(cfg.Retrieval)
	gw := gateway.New(cat, augmenter, cfg.PostProcess)

	srv, err := server.New(cfg, gw)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
