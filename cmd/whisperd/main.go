// Command whisperd runs the Whisper traffic anomaly detector: it loads a
// JSON configuration document, builds the parser/analyzer/learner pipeline
// described in SPEC_FULL.md, and runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowsense/whisper/internal/config"
	"github.com/flowsense/whisper/internal/logging"
	"github.com/flowsense/whisper/internal/supervisor"
)

var configPath string

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "whisperd",
		Short:             "Line-rate traffic anomaly detector",
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		RunE:              run,
	}
	cmd.Flags().StringVar(&configPath, "config", "./configTemplate.json", "path to the JSON configuration document")
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	logger := logging.Init(logging.LevelInfo)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer sup.Close()

	return sup.Run(context.Background())
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
