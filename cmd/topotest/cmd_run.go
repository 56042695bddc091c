package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/newtron-network/topotest/pkg/metrics"
	"github.com/newtron-network/topotest/pkg/scenario"
	"github.com/newtron-network/topotest/pkg/util"
)

func newRunCmd() *cobra.Command {
	var (
		dir          string
		keep         bool
		junitPath    string
		markdownPath string
	)

	cmd := &cobra.Command{
		Use:   "run [scenario...]",
		Short: "Run test scenarios",
		Long: `Run scenarios from the scenarios directory. Without arguments every
scenario runs, in dependency order. A scenario is named by its directory, its
file stem or its name field.

Exit status is 1 when a scenario failed and 2 when one hit an infrastructure
error. Skipped scenarios do not change it.

  topotest run
  topotest run bgp_vrf_netns_leak --keep
  topotest run --junit reports/junit.xml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scenarios, err := scenario.Load(dir, args)
			if err != nil {
				return err
			}

			h, err := openHost(cfg)
			if err != nil {
				return err
			}
			defer h.Close()

			collector := metrics.NewCollector(nil)
			r := newScenarioRunner(cfg, h, collector)
			r.Keep = keep
			r.Progress = &scenario.StateReporter{
				Inner: scenario.NewConsoleProgress(verboseFlag),
				Dir:   cfg.Dirs.State,
				State: &scenario.RunState{ScenariosDir: dir},
			}

			results, err := r.Run(cmd.Context(), scenarios)
			if err != nil {
				return err
			}

			gen := &scenario.ReportGenerator{Results: results}
			if markdownPath == "" {
				markdownPath = filepath.Join(cfg.Dirs.Reports, "report.md")
			}
			if err := gen.WriteMarkdown(markdownPath); err != nil {
				util.Logger.Warnf("writing markdown report: %v", err)
			}
			if junitPath != "" {
				if err := gen.WriteJUnit(junitPath); err != nil {
					util.Logger.Warnf("writing junit report: %v", err)
				}
			}
			if cfg.Metrics.Textfile != "" {
				if err := collector.WriteTextfile(cfg.Metrics.Textfile); err != nil {
					util.Logger.Warnf("%v", err)
				}
			}

			// 2 = infra error, 1 = test failure
			hasFailure, hasInfraError := false, false
			for _, res := range results {
				switch res.Status {
				case scenario.StepStatusError:
					hasInfraError = true
				case scenario.StepStatusFailed:
					hasFailure = true
				}
			}
			if hasInfraError {
				return exitCode(2)
			}
			if hasFailure {
				return exitCode(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "scenarios", "directory containing scenarios")
	cmd.Flags().BoolVar(&keep, "keep", false, "leave fabric, daemons and peers running")
	cmd.Flags().StringVar(&junitPath, "junit", "", "JUnit XML output path")
	cmd.Flags().StringVar(&markdownPath, "markdown", "", "markdown report path (default <reports dir>/report.md)")

	return cmd
}
