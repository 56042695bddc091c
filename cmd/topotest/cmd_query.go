package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/topotest/pkg/cli"
	"github.com/newtron-network/topotest/pkg/jsoncmp"
	"github.com/newtron-network/topotest/pkg/poll"
	"github.com/newtron-network/topotest/pkg/query"
)

func newQueryCmd() *cobra.Command {
	var (
		namespace  string
		shell      bool
		redis      bool
		expectFile string
		attempts   int
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "query <node> <command>",
		Short: "Query a running node",
		Long: `Run a vtysh command against a node's daemons and print the output. With
--shell the command runs through sh inside the namespace instead, and with
--redis it is a redis query (HGETALL, GET, KEYS, TABLE) and node is ignored.

With --expect the JSON output is polled until it matches the file, using the
configured poll budget, and the last difference is printed on timeout.

  topotest query r1 "show bgp vrf r1-cust1 summary"
  topotest query r1 "show bgp vrf r1-cust1 summary json" --expect r1/summary_peer1.json
  topotest query r1 "ip -j route" --shell --namespace r1-cust1
  topotest query - "TABLE ROUTE_TABLE:*" --redis`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, command := args[0], args[1]
			if shell && redis {
				return errors.New("--shell and --redis are exclusive")
			}
			if namespace == "" {
				namespace = node
			}

			h, err := openHost(cfg)
			if err != nil {
				return err
			}
			defer h.Close()

			var q query.Querier
			switch {
			case redis:
				if cfg.Redis.Addr == "" {
					return errors.New("redis.addr is not set")
				}
				rq := newRedis(cfg, h)
				defer rq.Close()
				q = rq
			case shell:
				q = &query.Shell{Runner: h, Namespace: namespace}
			default:
				v := query.NewVtysh(h, node, namespace)
				v.Path = cfg.FRR.Vtysh
				q = v
			}

			ctx := cmd.Context()
			if expectFile == "" {
				out, err := q.Command(ctx, command)
				fmt.Print(out)
				if out != "" && !strings.HasSuffix(out, "\n") {
					fmt.Println()
				}
				return err
			}

			expected, err := jsoncmp.Load(expectFile)
			if err != nil {
				return err
			}
			policy := cfg.PollPolicy().Named("query " + node)
			if cmd.Flags().Changed("attempts") {
				policy.MaxAttempts = attempts
			}
			if cmd.Flags().Changed("interval") {
				policy.Interval = interval
			}

			conv := poll.JSON(ctx, policy, q, command, expected)
			switch {
			case conv.Converged:
				fmt.Printf("%s after %d attempts\n", cli.Green("matched"), conv.Attempts)
				return nil
			case conv.Err != nil:
				return conv.Err
			default:
				fmt.Printf("%s after %d attempts\n", cli.Red("not converged"), conv.Attempts)
				for _, line := range strings.Split(conv.LastDiff.String(), "\n") {
					fmt.Printf("  %s\n", line)
				}
				return exitCode(1)
			}
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "namespace to run in (default: node)")
	cmd.Flags().BoolVar(&shell, "shell", false, "run the command through sh instead of vtysh")
	cmd.Flags().BoolVar(&redis, "redis", false, "run the command against the configured redis database")
	cmd.Flags().StringVarP(&expectFile, "expect", "e", "", "JSON or YAML file the output must match")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "poll attempts (default from settings)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default from settings)")

	return cmd
}
