package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/conclave/internal/bus"
	"github.com/mtzanidakis/conclave/internal/cluster"
	"github.com/mtzanidakis/conclave/internal/natsbus"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

// listClusters asks the gateway when one is running, else reads the store.
func listClusters(ctx context.Context, g *globalFlags) ([]cluster.Info, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	resp, err := control(cfg, cluster.ControlRequest{Type: "list"})
	if err == nil {
		return resp.Clusters, nil
	}
	if !errors.Is(err, errNoGateway) {
		return nil, err
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer a.Close(ctx)
	return a.orch.List(ctx)
}

func newListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List clusters",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := listClusters(cmd.Context(), g)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(infos)
			}
			renderClusters(infos)
			return nil
		},
	}
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <cluster-id>",
		Short: "Show a cluster and its agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			var info cluster.Info
			resp, err := control(cfg, cluster.ControlRequest{Type: "status", ID: args[0]})
			switch {
			case err == nil:
				info = *resp.Cluster
			case errors.Is(err, errNoGateway):
				a, err := openApp(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer a.Close(cmd.Context())
				if info, err = a.orch.Info(cmd.Context(), args[0]); err != nil {
					return err
				}
			default:
				return err
			}

			if g.jsonOut {
				return printJSON(info)
			}
			renderCluster(info)
			return nil
		},
	}
}

func newKillCmd(g *globalFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "kill <cluster-id>",
		Short: "Kill a cluster running in the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			resp, err := control(cfg, cluster.ControlRequest{Type: "kill", ID: args[0], Reason: reason})
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(resp.Cluster)
			}
			fmt.Printf("cluster %s %s\n", args[0], colorState(resp.Cluster.State))
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the cluster")
	return cmd
}

func newWatchCmd(g *globalFlags) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "watch <cluster-id>",
		Short: "Stream a gateway cluster's events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			client, err := dialGateway(cfg)
			if err != nil {
				return err
			}
			defer client.Close()
			return watchCluster(cmd.Context(), client, args[0], verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show agent output lines")
	return cmd
}

func watchCluster(parent context.Context, client *natsbus.Client, id string, verbose bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := make(chan bus.Event, 256)
	states := make(chan cluster.Info, 16)

	evSub, err := client.Subscribe(natsbus.TopicClusterEvents(id), func(msg *nats.Msg) {
		var ev bus.Event
		if json.Unmarshal(msg.Data, &ev) != nil {
			return
		}
		select {
		case events <- ev:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer evSub.Unsubscribe()

	stSub, err := client.Subscribe(natsbus.TopicClusterState(id), func(msg *nats.Msg) {
		var info cluster.Info
		if json.Unmarshal(msg.Data, &info) != nil {
			return
		}
		select {
		case states <- info:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer stSub.Unsubscribe()

	resp, err := cluster.SendControl(client, cluster.ControlRequest{Type: "status", ID: id})
	if err != nil {
		return err
	}
	if resp.Cluster.State.Terminal() {
		fmt.Printf("cluster %s already %s\n", id, colorState(resp.Cluster.State))
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			printEvent(os.Stdout, ev, verbose)
		case info := <-states:
			if info.State.Terminal() {
				fmt.Printf("\ncluster %s %s", id, colorState(info.State))
				if info.Reason != "" {
					fmt.Printf(": %s", info.Reason)
				}
				fmt.Println()
				return nil
			}
		}
	}
}
