package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	migratePhonesDryRun bool
	migratePhonesFormat string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return eris.Wrap(err, "init store")
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return err
		}
		zap.L().Info("migration complete", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

var migratePhonesCmd = &cobra.Command{
	Use:   "migrate-phones",
	Short: "Rewrite stored phone numbers into canonical form",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		changes, err := env.Clients.MigratePhones(ctx, migratePhonesDryRun)
		if err != nil {
			return err
		}

		failed := 0
		for _, c := range changes {
			if c.Error != "" {
				failed++
			}
		}
		zap.L().Info("phone migration finished",
			zap.Bool("dry_run", migratePhonesDryRun),
			zap.Int("changes", len(changes)),
			zap.Int("failed", failed),
		)

		out := cmd.OutOrStdout()
		if migratePhonesFormat != "text" {
			return writeFormatted(out, migratePhonesFormat, changes)
		}
		for _, c := range changes {
			state := "updated"
			switch {
			case c.Error != "":
				state = "error: " + c.Error
			case !c.Applied:
				state = "would update"
			}
			fmt.Fprintf(out, "%s (%s): %q -> %q [%s]\n", c.Name, c.Branch, c.OldPhone, c.NewPhone, state)
		}
		if failed > 0 {
			return eris.Errorf("%d client(s) could not be updated", failed)
		}
		return nil
	},
}

func init() {
	migratePhonesCmd.Flags().BoolVar(&migratePhonesDryRun, "dry-run", false, "report changes without writing them")
	migratePhonesCmd.Flags().StringVar(&migratePhonesFormat, "format", "text", "output format: text, json or yaml")
	rootCmd.AddCommand(migrateCmd, migratePhonesCmd)
}
