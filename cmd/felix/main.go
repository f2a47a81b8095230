package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

type app struct {
	cfgPath string

	cfg    config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "felix",
		Short: "Chat with an OpenAI-compatible model",
		Long: `felix talks to an OpenAI-compatible chat completion API and shows replies as they
stream in, either in a browser (felix serve) or in the terminal (felix ask).

The configuration is read from config.yaml in the user config directory unless
--config is given. The API key may be provided through FELIX_API_KEY.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.load()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "Path to a YAML or TOML config file")

	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newAskCmd(a))

	return rootCmd
}

func (a *app) load() error {
	cfg, err := loadConfig(a.cfgPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	level, err := cfg.logLevel()
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return nil
}
