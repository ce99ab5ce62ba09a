package cli

import (
	"github.com/spf13/cobra"

	"relay/cmd/internal/app"
)

type serveFlags struct {
	config    string
	addr      string
	logLevel  string
	logFormat string
	sink      string
}

func newServeCommand() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the relay server until SIGINT or SIGTERM.

Configuration is layered: built-in defaults, then the YAML file given by
--config (or RELAY_CONFIG_FILE), then RELAY_* environment variables, then
the flags below.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveServeConfig(cmd, f)
			if err != nil {
				return err
			}
			return app.Serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&f.config, "config", "c", "", "YAML config file (overrides RELAY_CONFIG_FILE)")
	cmd.Flags().StringVar(&f.addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "", "Log format: json or pretty")
	cmd.Flags().StringVar(&f.sink, "notify-sink", "", "Notification sink: none, memory, sqlite, postgres, nats")
	return cmd
}

// resolveServeConfig applies only the flags the user actually set.
func resolveServeConfig(cmd *cobra.Command, f serveFlags) (app.Config, error) {
	load := app.LoadConfig
	if f.config != "" {
		load = func() (app.Config, error) { return app.LoadConfigFile(f.config) }
	}
	cfg, err := load()
	if err != nil {
		return app.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.HTTPAddr = f.addr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if flags.Changed("notify-sink") {
		cfg.NotifySink = f.sink
	}
	if err := cfg.Validate(); err != nil {
		return app.Config{}, err
	}
	return cfg, nil
}
