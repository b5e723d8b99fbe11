// insightmeshd serves the insightmesh session API over HTTP.
//
// Configuration is read from the file given by --config or the
// INSIGHTMESH_CONFIG environment variable; without either the in-memory
// defaults are used. With --submit the daemon runs a single request file
// (JSON with comments) to completion, prints the resulting session and exits.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/hupe1980/insightmesh"
	"github.com/hupe1980/insightmesh/config"
	"github.com/hupe1980/insightmesh/core"
	"github.com/hupe1980/insightmesh/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		addr       string
		logLevel   string
		submitPath string
		timeout    time.Duration
	)

	flagSet := pflag.NewFlagSet("insightmeshd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML or JSONC config file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	flagSet.StringVar(&logLevel, "log-level", "", "log level, overrides log.level")
	flagSet.StringVar(&submitPath, "submit", "", "run one request file to completion and print the session")
	flagSet.DurationVar(&timeout, "timeout", 2*time.Minute, "how long --submit waits for the session")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger := cfg.Logger().WithComponent("insightmeshd")
	slog.SetDefault(cfg.Logger().Slog())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mesh, err := insightmesh.New(ctx, func(o *insightmesh.Options) {
		o.Config = cfg
		o.Logger = cfg.Logger()
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := mesh.Close(context.Background()); err != nil {
			logger.Error("insightmeshd.close_failed", "error", err.Error())
		}
	}()

	if submitPath != "" {
		return submit(ctx, mesh, submitPath, timeout)
	}

	srv := server.New(mesh, func(o *server.Options) {
		o.Logger = cfg.Logger().WithComponent("server")
		o.Metrics = mesh.Metrics().Handler()
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.Server.Addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("insightmeshd.shutdown", "timeout", cfg.Server.ShutdownTimeout.String())
		return srv.Shutdown(context.Background(), cfg.Server.ShutdownTimeout)
	}
}

func submit(ctx context.Context, mesh *insightmesh.InsightMesh, path string, timeout time.Duration) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	var req core.Request
	if err := json.Unmarshal(jsonc.ToJSON(data), &req); err != nil {
		return fmt.Errorf("parse request %s: %w", path, err)
	}

	id, err := mesh.Submit(ctx, req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := mesh.Wait(ctx, id)
	if err != nil {
		return fmt.Errorf("wait for session %s: %w", id, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sess); err != nil {
		return err
	}

	if sess.Status == core.StatusFailed {
		return fmt.Errorf("session %s failed: %v", id, sess.Metadata["error"])
	}

	return nil
}
