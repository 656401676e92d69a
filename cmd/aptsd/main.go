// Command aptsd is a TFTP (RFC 1350) server. It serves reads and writes
// from a configured root directory over UDP, one transfer per ephemeral
// session.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ilstam/apts/internal/config"
	"github.com/ilstam/apts/internal/listener"
	"github.com/ilstam/apts/internal/logging"
	"github.com/ilstam/apts/internal/metrics"
	"github.com/ilstam/apts/internal/privdrop"
)

var configFile string

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		if code, ok := err.(exitError); ok {
			return int(code)
		}
		return config.ExitConfigError
	}
	return config.ExitNormal
}

// exitError is an error that carries only a process exit code; the cause is
// printed or logged before it is returned.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit code %d", int(e)) }

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aptsd",
		Short: "A TFTP (RFC 1350) server",
		RunE:  runServer,
	}

	cmd.Flags().StringVar(&configFile, "config", "", "path to a YAML config file (optional)")

	return cmd
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, code, err := config.Load(cmd.Flags(), configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError(code)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError(config.ExitConfigError)
	}
	defer func() { _ = log.Sync() }()

	lis, err := listener.Bind(listener.Config{
		Addr:        cfg.Addr(),
		MetricsAddr: cfg.MetricsAddr,
		Root:        config.RootFS(cfg),
		Writable:    cfg.Writable,
		Logger:      log,
		Metrics:     metrics.New(prometheus.DefaultRegisterer),
	})
	if err != nil {
		log.Errorw("bind failed", "error", err)
		return exitError(config.ExitRootDirError)
	}

	if err := privdrop.To(cfg.User); err != nil {
		log.Errorw("privilege drop failed", "error", err)
		return exitError(config.ExitPrivilegeDrop)
	}

	log.Infow("serving TFTP", "addr", lis.Addr().String(), "root", cfg.TFTPRoot, "writable", cfg.Writable)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := lis.Serve(ctx); err != nil {
		log.Errorw("server stopped", "error", err)
		return exitError(config.ExitConfigError)
	}

	return nil
}
