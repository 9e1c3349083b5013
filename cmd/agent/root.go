package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/benmeehan/iothub-amqp/internal/utils"
	"github.com/benmeehan/iothub-amqp/pkg/file"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	pretty     bool
}

// newRootCmd builds the agent command tree.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Talk to Azure IoT Hub over AMQP with CBS authorization",
		Long: `agent connects to an IoT Hub over AMQPS, authorizes with shared access
signature tokens through the claims-based security node and then runs either
the device side (telemetry, cloud-to-device commands) or the service side
(sending commands, reading delivery feedback).`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "configs/config.yaml", "Path to the configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (overrides log.level from the configuration)")
	cmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "Human readable console logs instead of JSON")

	cmd.AddCommand(newDeviceCmd(opts))
	cmd.AddCommand(newServiceCmd(opts))
	cmd.AddCommand(newTokenCmd(opts))
	return cmd
}

// newLogger builds the process logger. An empty level means info.
func newLogger(out io.Writer, level string, pretty bool) (zerolog.Logger, error) {
	if level == "" {
		level = zerolog.LevelInfoValue
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}

	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// load reads the configuration and builds the logger it asks for.
func (o *rootOptions) load() (*utils.Config, zerolog.Logger, error) {
	config, err := utils.LoadConfig(o.configPath, file.NewFileService())
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}

	level := config.Log.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	logger, err := newLogger(os.Stderr, level, o.pretty)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return config, logger, nil
}
