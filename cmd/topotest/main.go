package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtron-network/topotest/pkg/cli"
	"github.com/newtron-network/topotest/pkg/settings"
	"github.com/newtron-network/topotest/pkg/util"
	"github.com/newtron-network/topotest/pkg/version"
)

var (
	verboseFlag bool
	configPath  string
	logLevel    string

	// cfg is loaded before every command runs.
	cfg *settings.Settings
)

// exitCode ends the process with a status without printing an error.
type exitCode int

func (c exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(c))
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "topotest",
		Short: "Topology tests for FRR routing daemons",
		Long: `Topotest builds throwaway network fabrics out of namespaces, veth pairs
and VRFs, starts FRR daemons and BGP peer emulators inside them, and checks
that the daemons converge on the expected state.

  topotest run                        # run every scenario under ./scenarios
  topotest run bgp_vrf_netns_leak     # run one scenario
  topotest setup topology.yaml        # build a fabric and leave it up
  topotest query r1 "show bgp summary"
  topotest status                     # fabrics left up and the last run
  topotest teardown topology.yaml     # remove a fabric`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				s.Log.Level = logLevel
			}
			if err := util.ConfigureLogging(s.Log.Level, s.Log.Format); err != nil {
				return err
			}
			cli.AutoColor(os.Stdout)
			cfg = s
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", settings.DefaultPath(), "Settings file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newRunCmd(),
		newSetupCmd(),
		newTeardownCmd(),
		newQueryCmd(),
		newStatusCmd(),
		newSettingsCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				if version.Version == "dev" {
					fmt.Println("topotest dev build (use 'make build' for version info)")
				} else {
					fmt.Printf("topotest %s\n", version.Full())
				}
			},
		},
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
