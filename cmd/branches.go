package main

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var branchesCmd = &cobra.Command{
	Use:   "branches",
	Short: "Manage branches that imported clients may belong to",
}

var branchesAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name := strings.TrimSpace(args[0])
		if name == "" {
			return eris.New("branch name is required")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		exists, err := env.Store.BranchExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			return eris.Errorf("branch %q already exists", name)
		}
		b, err := env.Store.CreateBranch(ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added branch %s (%s)\n", b.Name, b.ID)
		return nil
	},
}

var branchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List branches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		branches, err := env.Store.ListBranches(ctx)
		if err != nil {
			return err
		}
		for _, b := range branches {
			fmt.Fprintln(cmd.OutOrStdout(), b.Name)
		}
		return nil
	},
}

func init() {
	branchesCmd.AddCommand(branchesAddCmd, branchesListCmd)
	rootCmd.AddCommand(branchesCmd)
}
