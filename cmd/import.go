package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/clientbook/internal/model"
	"github.com/sells-group/clientbook/internal/rowsource"
)

var (
	importFile   string
	importBranch string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a client spreadsheet synchronously",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("import"); err != nil {
			return err
		}

		info, err := os.Stat(importFile)
		if err != nil {
			return eris.Wrap(err, "import: stat file")
		}
		name := filepath.Base(importFile)
		if err := rowsource.Validate(name, info.Size(), cfg.Import.MaxUploadBytes); err != nil {
			return eris.Wrap(err, "import")
		}
		data, err := os.ReadFile(importFile)
		if err != nil {
			return eris.Wrap(err, "import: read file")
		}
		rows, err := rowsource.Decode(name, data)
		if err != nil {
			return eris.Wrap(err, "import")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Ledger.Create(ctx, name, &model.JobPayload{Rows: rows, DefaultBranch: importBranch})
		if err != nil {
			return err
		}

		summary, runErr := env.Orchestrator.Run(ctx, job.ID, rows, importBranch)
		final, err := env.Ledger.Get(ctx, job.ID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "job %s %s\n", final.ID, final.Status)
		if final.Message != "" {
			fmt.Fprintln(out, final.Message)
		}
		for _, d := range final.SkippedDetails {
			fmt.Fprintf(out, "  row %d %s: %s\n", d.Row, d.Name, d.Reason)
		}
		for _, e := range final.Errors {
			fmt.Fprintf(out, "  error: %s\n", e)
		}

		zap.L().Info("import complete",
			zap.String("job_id", final.ID),
			zap.Int("imported", summary.Imported),
			zap.Int("failed", summary.Failed),
			zap.Int("skipped", summary.Skipped),
		)
		if runErr != nil {
			return eris.Wrap(runErr, "import")
		}
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path to .xlsx or .csv file (required)")
	importCmd.Flags().StringVar(&importBranch, "branch", "", "branch for rows without a branch column")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
