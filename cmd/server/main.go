// File Manager Server
//
// Serves a browser file manager over a single public root:
// - folder/file tree with stable path-derived ids
// - create, upload, rename and delete through a JSON API
// - SSE change stream and recent-activity log
// - Prometheus metrics & structured logging (zap)
// - local disk or S3 storage
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/filemanager/internal/config"
	"github.com/fruitsalade/filemanager/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "server",
		Short:        "Browser file manager server",
		SilenceUsage: true,
		// No subcommand means serve.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", os.Getenv("CONFIG_FILE"),
		"config file (.yaml, .yml or .toml); environment variables override it")

	root.AddCommand(newServeCmd(opts), newTreeCmd(opts), newIDCmd())
	return root
}

// load reads configuration and initializes logging.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return nil, fmt.Errorf("logging init error: %w", err)
	}
	return cfg, nil
}
