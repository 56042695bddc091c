package main

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtron-network/topotest/pkg/cli"
	"github.com/newtron-network/topotest/pkg/fabric"
	"github.com/newtron-network/topotest/pkg/scenario"
)

type statusReport struct {
	Fabrics []*fabric.Handle   `json:"fabrics"`
	Run     *scenario.RunState `json:"run,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fabrics left running and the last run",
		Long: `Show fabrics whose handle is saved in the state directory, i.e. built by
"topotest setup", kept by "topotest run --keep" or left behind by a crash,
followed by the state of the most recent run.

  topotest status
  topotest status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stateDir := cfg.Dirs.State
			names, err := fabric.ListFabrics(stateDir)
			if err != nil {
				return err
			}
			var report statusReport
			for _, name := range names {
				h, err := fabric.LoadHandle(stateDir, name)
				if err != nil {
					fmt.Fprintf(os.Stderr, "  %s: %v\n", name, err)
					continue
				}
				report.Fabrics = append(report.Fabrics, h)
			}
			if report.Run, err = scenario.LoadRunState(stateDir); err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			printFabrics(report.Fabrics)
			fmt.Println()
			printRunState(report.Run)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "JSON output")
	return cmd
}

func printFabrics(handles []*fabric.Handle) {
	if len(handles) == 0 {
		fmt.Println("no fabrics running")
		return
	}
	t := cli.NewTable("FABRIC", "CREATED", "NAMESPACES", "STATE")
	for _, h := range handles {
		states := map[string]int{}
		for _, ns := range h.Namespaces() {
			states[h.State(ns).String()]++
		}
		var parts []string
		for _, s := range sortedKeys(states) {
			parts = append(parts, fmt.Sprintf("%d %s", states[s], s))
		}
		t.Row(h.Fabric, h.Created.Format(scenario.DateTimeFormat),
			fmt.Sprintf("%d", len(h.Namespaces())), strings.Join(parts, ", "))
	}
	t.Flush()
}

func printRunState(st *scenario.RunState) {
	if st == nil {
		fmt.Println("no run recorded")
		return
	}

	status := string(st.Status)
	switch {
	case st.Status == scenario.StatusRunning && !st.Active():
		status = cli.Red("aborted") + " (pid " + fmt.Sprint(st.PID) + " gone)"
	case st.Status == scenario.StatusRunning:
		status = cli.Yellow(status) + " (pid " + fmt.Sprint(st.PID) + ")"
	case st.Status == scenario.StatusComplete:
		status = cli.Green(status)
	default:
		status = cli.Red(status)
	}

	fmt.Printf("run: %s\n", st.ScenariosDir)
	fmt.Printf("  status:  %s\n", status)
	fmt.Printf("  started: %s\n", st.Started.Format(scenario.DateTimeFormat))
	fmt.Printf("  updated: %s\n\n", st.Updated.Format(scenario.DateTimeFormat))

	t := cli.NewTable("#", "SCENARIO", "TOPOLOGY", "STATUS", "DURATION").WithPrefix("  ")
	for i, s := range st.Scenarios {
		result := s.Status
		switch result {
		case "":
			result = cli.Dim("pending")
		case string(scenario.StepStatusPassed):
			result = cli.Green(result)
		case string(scenario.StepStatusSkipped):
			result = cli.Yellow(result)
		default:
			result = cli.Red(result)
		}
		t.Row(fmt.Sprintf("%d", i+1), s.Name, s.Topology, result, s.Duration)
	}
	t.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
