package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/topotest/pkg/cli"
	"github.com/newtron-network/topotest/pkg/fabric"
)

func newSetupCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "setup <topology.yaml>",
		Short: "Build a fabric and leave it running",
		Long: `Build the fabric a topology describes. The handle is saved in the state
directory so "topotest teardown" can undo exactly what was built.

  topotest setup scenarios/bgp_vrf_netns_leak/topology.yaml
  topotest setup topology.yaml --dry-run     # print the ip(8) commands`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := fabric.LoadTopology(args[0])
			if err != nil {
				return err
			}

			if dryRun {
				plan, err := fabric.Compile(topo)
				if err != nil {
					return err
				}
				for _, line := range plan.Script() {
					fmt.Println(line)
				}
				return nil
			}

			h, err := openHost(cfg)
			if err != nil {
				return err
			}
			defer h.Close()

			handle, err := newBuilder(cfg, h, nil).Setup(cmd.Context(), topo)
			if err != nil {
				if handle != nil {
					fmt.Printf("fabric %s is partially built; run %s\n", topo.Name,
						cli.Bold("topotest teardown "+args[0]))
				}
				return err
			}

			fmt.Printf("fabric %s: %s\n", topo.Name, cli.Green("ready"))
			t := cli.NewTable("NAMESPACE", "STATE").WithPrefix("  ")
			for _, ns := range handle.Namespaces() {
				t.Row(ns, handle.State(ns).String())
			}
			t.Flush()
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without executing it")
	return cmd
}
