// Package cmd defines and implements the CLI commands for the sensorcrawl executable.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JakeFAU/sensor-archive-crawler/internal/config"
)

// exitCodeError ends the process with code without printing anything.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// newRootCmd creates and configures the root command. Every command shares v,
// so flags, config file and SENSORCRAWL_* variables resolve in one place.
func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "sensorcrawl",
		Short: "Downloads sensor measurement files from the sensor.community archive.",
		Long: `sensorcrawl retrieves the daily per-sensor CSV files published in the
sensor.community archive. It honors robots.txt, bounds concurrency, retries
transient failures with backoff and writes decompressed files under the
output directory as {output}/{sensor}/{file}.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return config.ReadFile(v, cfgFile)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().Bool("dev", false, "development logging (console, debug level)")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	mustBind(v, "logging.development", cmd.PersistentFlags().Lookup("dev"))
	mustBind(v, "logging.level", cmd.PersistentFlags().Lookup("log-level"))

	cmd.AddCommand(newCrawlCmd(v))
	return cmd
}

// Execute runs the CLI and returns the process exit status.
func Execute() int {
	return run(os.Args[1:])
}

func run(args []string) int {
	root := newRootCmd(config.New())
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	fmt.Fprintf(os.Stderr, "sensorcrawl: %v\n", err)
	return 1
}
