package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	logLevel   string
	jsonOut    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "conclave",
		Short:         "Run clusters of cooperating coding agents",
		Long:          color.CyanString("conclave") + " coordinates CLI coding agents through a shared event bus.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.setup()
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (default $CONCLAVE_CONFIG or config/conclave.yaml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "print JSON instead of tables")

	root.AddCommand(
		newRunCmd(g),
		newServeCmd(g),
		newListCmd(g),
		newStatusCmd(g),
		newKillCmd(g),
		newWatchCmd(g),
		newEventsCmd(g),
		newExportCmd(g),
		newInspectCmd(g),
		newTemplatesCmd(g),
		newVersionCmd(),
	)

	return wrapErrors(root)
}

// wrapErrors prints a command's error in red before returning it.
func wrapErrors(root *cobra.Command) *cobra.Command {
	for _, cmd := range root.Commands() {
		run := cmd.RunE
		if run == nil {
			continue
		}
		cmd.RunE = func(c *cobra.Command, args []string) error {
			err := run(c, args)
			if err != nil {
				fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
			}
			return err
		}
	}
	return root
}

func (g *globalFlags) setup() error {
	var level slog.Level
	switch strings.ToLower(g.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", g.logLevel)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if g.configPath != "" {
		if err := os.Setenv("CONCLAVE_CONFIG", g.configPath); err != nil {
			return fmt.Errorf("set config path: %w", err)
		}
	}
	return nil
}

func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conclave %s\n", version)
		},
	}
}
