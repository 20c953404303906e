package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"yqhp/sim-engine/internal/model"
	"yqhp/sim-engine/internal/runner"
)

var listFilter filterFlags

var listCmd = &cobra.Command{
	Use:   "list <tree.yaml|tree.hcl>",
	Short: "Print the items a run would execute",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := model.Load(args[0])
		if err != nil {
			return err
		}
		filter, err := listFilter.build(root)
		if err != nil {
			return err
		}
		names, err := runner.Discover(context.Background(), runner.RunOptions{Root: root, Filter: filter, Config: cfg})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, n := range names {
			fmt.Fprintln(out, n)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sim-engine version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(listCmd, versionCmd)
	listFilter.register(listCmd)
}
