package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"yqhp/sim-engine/api/rest"
	"yqhp/sim-engine/internal/execution"
	"yqhp/sim-engine/internal/master"
	"yqhp/sim-engine/internal/model"
	"yqhp/sim-engine/internal/runner"
	"yqhp/sim-engine/internal/sink"
	"yqhp/sim-engine/internal/slave"
	"yqhp/sim-engine/pkg/logger"
)

var (
	runStrategy     string
	runWorkers      int
	runWipe         bool
	runSinkDriver   string
	runSinkPath     string
	runStatusAddr   string
	runLocalWorkers bool
	runJSONOutput   string
	runFilter       filterFlags
)

var runCmd = &cobra.Command{
	Use:   "run <tree.yaml|tree.hcl>",
	Short: "Run the simulations of a model tree",
	Long: `Discover and run every simulation of a model tree, then run its
analyses and checks.

Strategies:
  - sync:        one item at a time, in tree order
  - concurrent:  a goroutine pool sharing one result sink
  - distributed: worker processes pulling items over TCP`,
	Example: `  # run everything with the configured strategy
  sim-engine run tree.yaml

  # four worker processes, results in SQLite
  sim-engine run -s distributed -w 4 --sink sqlite --sink-path out.db tree.yaml

  # only simulations matching a playlist, with a status endpoint
  sim-engine run --playlist nightly.txt --status-addr :8089 tree.hcl`,
	Args: cobra.ExactArgs(1),
	RunE: runTree,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runStrategy, "strategy", "s", "", "execution strategy (sync, concurrent, distributed)")
	runCmd.Flags().IntVarP(&runWorkers, "workers", "w", 0, "worker count (0 picks one from the CPU count)")
	runCmd.Flags().BoolVar(&runWipe, "wipe", false, "drop every result table before running")
	runCmd.Flags().StringVar(&runSinkDriver, "sink", "", "result store driver (memory, sqlite)")
	runCmd.Flags().StringVar(&runSinkPath, "sink-path", "", "result store path")
	runCmd.Flags().StringVar(&runStatusAddr, "status-addr", "", "serve run status over HTTP on this address")
	runCmd.Flags().BoolVar(&runLocalWorkers, "local-workers", false, "run distributed workers as goroutines of this process")
	runCmd.Flags().StringVar(&runJSONOutput, "out-json", "", "write the run summary as JSON to this file")
	runFilter.register(runCmd)
	_ = runCmd.Flags().MarkHidden("local-workers")
}

func runTree(cmd *cobra.Command, args []string) error {
	root, err := model.Load(args[0])
	if err != nil {
		return err
	}
	filter, err := runFilter.build(root)
	if err != nil {
		return err
	}

	if runSinkDriver != "" {
		cfg.Sink.Driver = runSinkDriver
	}
	if runSinkPath != "" {
		cfg.Sink.Path = runSinkPath
	}
	sk, err := sink.Open(cfg.Sink, logger.Default("sink"))
	if err != nil {
		return err
	}
	defer sk.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var status *rest.Server
	statusAddr := runStatusAddr
	if statusAddr == "" && cfg.Status.Enabled {
		statusAddr = cfg.Status.Address
	}
	if statusAddr != "" {
		sc := rest.FromStatusConfig(cfg.Status)
		sc.Address = statusAddr
		status = rest.NewServer(nil, sc)
		go func() {
			if err := status.Start(); err != nil {
				logger.Warn("status server: %v", err)
			}
		}()
		defer func() { _ = status.ShutdownWithTimeout(time.Second) }()
	}

	opts := runner.RunOptions{
		Root:     root,
		Sink:     sk,
		Filter:   filter,
		Strategy: execution.Name(runStrategy),
		Workers:  runWorkers,
		Wipe:     runWipe,
		Config:   cfg,
		OnStart: func(s *runner.Session) {
			if status != nil {
				status.SetSource(s)
			}
		},
		Log: logger.Default("run"),
	}
	if runLocalWorkers {
		opts.Spawner = func(addr string) master.Spawner {
			wc := slave.FromConfig(cfg.Distributed)
			return &slave.LocalSpawner{Config: *wc, Addr: addr}
		}
	}
	if !quiet {
		opts.OnProgress = printProgress
		opts.PollInterval = time.Second
	}

	result, err := runner.Run(ctx, opts)
	if err != nil {
		return err
	}
	if !quiet {
		printSummary(result)
	}
	if runJSONOutput != "" {
		if err := writeJSON(runJSONOutput, result); err != nil {
			return err
		}
	}
	for _, e := range result.Errors {
		fmt.Fprintln(os.Stderr, e)
	}
	if result.Failed() {
		return fmt.Errorf("run %s finished with %d errors", result.RunID, len(result.Errors))
	}
	return nil
}

func printProgress(st runner.Status) {
	fmt.Printf("\r%5.1f%%  %d/%d done  %d running  %d errors  %s   ",
		st.Progress*100, st.Completed, st.Total, len(st.Running), st.Errors, st.Elapsed.Round(time.Second))
	if st.Done {
		fmt.Println()
	}
}

func printSummary(r *runner.RunResult) {
	s := r.Summary
	fmt.Printf("\nrun %s (%s)\n", r.RunID, r.Strategy)
	fmt.Printf("  items      %d completed, %d failed, %d total\n", s.Completed, s.Failed, s.Total)
	fmt.Printf("  elapsed    %s\n", s.Elapsed.Round(time.Millisecond))
	if s.Completed > 0 {
		fmt.Printf("  item time  mean %s  p50 %s  p95 %s  max %s\n",
			s.MeanItem.Round(time.Microsecond), s.P50Item, s.P95Item, s.MaxItem)
	}
	for table, n := range s.Rows {
		fmt.Printf("  %-10s %d rows\n", table, n)
	}
}

func writeJSON(path string, r *runner.RunResult) error {
	errs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e.Error()
	}
	data, err := json.MarshalIndent(struct {
		Summary any      `json:"summary"`
		Items   []string `json:"items"`
		Errors  []string `json:"errors"`
	}{r.Summary, r.Items, errs}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
