// handoffd serves the handoff kernel over gRPC and HTTP.
//
// Usage:
//
//	handoffd serve --config config/handoff.yaml
//	handoffd validate-graph graphs/campaign.yaml
//	handoffd version
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/logging"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/observability"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "handoffd",
		Short:         "Agent handoff kernel",
		Long:          "handoffd tracks handoffs between agents and drives campaign workflows over their stage graphs.",
		Version:       observability.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HANDOFF_CONFIG or config/handoff.yaml)")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newServeCmd(&cfgFile),
		newValidateGraphCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(cfgFile *string) *cobra.Command {
	var grpcAddr, httpAddr, logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC and HTTP servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("grpc-addr") {
				cfg.Server.GRPCAddr = grpcAddr
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.Server.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("handoffd_starting", "version", observability.Version)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("handoffd_start_failed", "error", err.Error())
		return err
	}

	runErr := a.run(ctx, nil, nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		logger.Warn("handoffd_shutdown_incomplete", "error", err.Error())
	}
	logger.Info("handoffd_stopped")
	return runErr
}

func newValidateGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-graph <file>...",
		Short: "Check stage graph files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateGraphs(cmd.OutOrStdout(), args)
		},
	}
}

type graphReport struct {
	File   string   `json:"file"`
	Name   string   `json:"name,omitempty"`
	Valid  bool     `json:"valid"`
	Error  string   `json:"error,omitempty"`
	Order  []string `json:"order,omitempty"`
	Finals []string `json:"final_stages,omitempty"`
}

// validateGraphs writes one JSON report per file and fails if any graph is
// invalid.
func validateGraphs(w io.Writer, files []string) error {
	enc := json.NewEncoder(w)
	invalid := 0
	for _, file := range files {
		rep := graphReport{File: file}
		g, err := config.LoadStageGraph(file)
		if err != nil {
			rep.Error = err.Error()
			invalid++
		} else {
			rep.Valid = true
			rep.Name = g.Name
			rep.Order = g.TopologicalOrder()
			for _, s := range rep.Order {
				if g.IsFinal(s) {
					rep.Finals = append(rep.Finals, s)
				}
			}
		}
		if err := enc.Encode(rep); err != nil {
			return err
		}
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d graphs invalid", invalid, len(files))
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "handoffd %s\n", observability.Version)
		},
	}
}
