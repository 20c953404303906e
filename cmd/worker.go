package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"yqhp/sim-engine/internal/slave"
	"yqhp/sim-engine/pkg/logger"
)

var (
	workerMaster string
	workerID     string
)

// workerCmd is started by the distributed strategy, one per worker.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Pull and run items from a coordinator",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		wc := slave.FromConfig(cfg.Distributed)
		wc.ID = workerID
		if workerMaster != "" {
			wc.MasterAddress = workerMaster
		}
		wc.Log = logger.Default("worker " + workerID)

		w := slave.NewWorkerSlave(wc, nil)
		if err := w.Run(ctx); err != nil {
			return fmt.Errorf("worker %s: %w", workerID, err)
		}
		done, failed := w.Counts()
		logger.Debug("worker %s: %d items, %d failed", workerID, done, failed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringVar(&workerMaster, "master", "", "coordinator address")
	workerCmd.Flags().StringVar(&workerID, "id", "", "worker id")
	_ = workerCmd.MarkFlagRequired("id")
}
