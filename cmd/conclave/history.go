package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mtzanidakis/conclave/internal/export"
	"github.com/spf13/cobra"
)

func newEventsCmd(g *globalFlags) *cobra.Command {
	var topic string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "events <cluster-id>",
		Short: "Print a cluster's recorded events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			if _, err := a.orch.Info(cmd.Context(), args[0]); err != nil {
				return err
			}
			events, err := a.store.ListEvents(cmd.Context(), args[0], topic)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(events)
			}
			for _, ev := range events {
				printEvent(os.Stdout, ev, verbose || topic != "")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "only events on this topic")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include agent output lines")
	return cmd
}

func newExportCmd(g *globalFlags) *cobra.Command {
	var out, archive string
	cmd := &cobra.Command{
		Use:   "export <cluster-id>",
		Short: "Export a cluster as Markdown or a tar.zst archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			rep, err := a.orch.Report(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if archive != "" {
				if err := writeArchive(archive, rep); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "archive written to %s\n", archive)
			}

			md := export.Markdown(rep)
			switch {
			case out != "":
				if err := os.WriteFile(out, []byte(md), 0o644); err != nil {
					return fmt.Errorf("write report: %w", err)
				}
			case archive == "":
				fmt.Print(md)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write Markdown to this file")
	cmd.Flags().StringVar(&archive, "archive", "", "write a tar.zst archive to this file")
	return cmd
}

func newInspectCmd(g *globalFlags) *cobra.Command {
	var events, verbose bool
	cmd := &cobra.Command{
		Use:   "inspect <archive.tar.zst>",
		Short: "Print the report or events stored in an export archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer f.Close()

			evs, report, err := export.ReadArchive(f)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(evs)
			}
			if !events {
				fmt.Print(report)
				return nil
			}
			for _, ev := range evs {
				printEvent(os.Stdout, ev, verbose)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "print events instead of the report")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include agent output lines")
	return cmd
}

func newTemplatesCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List cluster templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			templates, err := a.registry.List()
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(templates)
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Name", "Agents", "Path", "Error"})
			for _, t := range templates {
				tw.AppendRow(table.Row{t.Name, len(t.Agents), t.Path, t.Error})
			}
			tw.Render()
			return nil
		},
	}
}
