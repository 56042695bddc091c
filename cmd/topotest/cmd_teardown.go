package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/topotest/pkg/cli"
	"github.com/newtron-network/topotest/pkg/fabric"
	"github.com/newtron-network/topotest/pkg/util"
)

func newTeardownCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "teardown <topology.yaml | fabric>",
		Short: "Remove a fabric",
		Long: `Undo a fabric built by "topotest setup" or left up by "topotest run --keep",
using its saved handle. With --force every namespace the topology owns is
deleted whether or not a handle exists, which recovers from a crashed run.

  topotest teardown topology.yaml
  topotest teardown vrf-leak
  topotest teardown topology.yaml --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, name, err := loadTopologyArg(args[0])
			if err != nil {
				return err
			}
			if force && topo == nil {
				return fmt.Errorf("--force needs a topology file, %s is not one", args[0])
			}

			h, err := openHost(cfg)
			if err != nil {
				return err
			}
			defer h.Close()
			b := newBuilder(cfg, h, nil)

			var report *fabric.TeardownReport
			if force {
				report, err = b.Purge(cmd.Context(), topo)
				if err != nil {
					return err
				}
			} else {
				handle, err := fabric.LoadHandle(cfg.Dirs.State, name)
				if err != nil {
					if errors.Is(err, util.ErrNotFound) && topo != nil {
						return fmt.Errorf("%w; use --force to delete its namespaces anyway", err)
					}
					return err
				}
				report = b.Teardown(cmd.Context(), handle)
			}

			if !report.OK() {
				return errors.New(report.String())
			}
			fmt.Printf("fabric %s: %s (%d ops, %d already absent)\n",
				name, cli.Green("removed"), report.Attempted, report.Absent)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "delete every namespace of the topology without a handle")
	return cmd
}
