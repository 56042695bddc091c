package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/topotest/pkg/settings"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change harness settings",
		Long: `Settings are layered: built-in defaults, then the settings file
(--config, default ~/.topotest/settings.yaml), then TOPOTEST_ environment
variables with "__" between section and key.

  topotest settings show
  topotest settings keys
  topotest settings set poll.max_attempts 120
  TOPOTEST_SSH__HOST=lab1 topotest status`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective settings",
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := cfg.Dump()
				if err != nil {
					return err
				}
				fmt.Printf("# %s\n%s", configPath, out)
				return nil
			},
		},
		&cobra.Command{
			Use:   "keys",
			Short: "List settable keys",
			Run: func(cmd *cobra.Command, args []string) {
				for _, k := range settings.Keys() {
					fmt.Println(k)
				}
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set a key in the settings file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := settings.Set(configPath, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("%s = %s (%s)\n", args[0], args[1], configPath)
				return nil
			},
		},
	)
	return cmd
}
