package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/clientbook/internal/model"
	"github.com/sells-group/clientbook/internal/store"
)

var (
	jobsFormat string
	jobsStatus string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect import jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent import jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		filter := store.JobFilter{Status: model.JobStatus(jobsStatus), Limit: jobsLimit}
		if filter.Status != "" && !filter.Status.Valid() {
			return eris.Errorf("unknown job status %q", jobsStatus)
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Ledger.List(ctx, filter)
		if err != nil {
			return err
		}
		if jobsFormat == "table" {
			return writeJobTable(cmd.OutOrStdout(), jobs)
		}
		return writeFormatted(cmd.OutOrStdout(), jobsFormat, jobs)
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one import job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Ledger.Get(ctx, args[0])
		if err != nil {
			return err
		}
		format := jobsFormat
		if format == "table" {
			format = "yaml"
		}
		return writeFormatted(cmd.OutOrStdout(), format, job)
	},
}

// writeFormatted encodes v as json or yaml.
func writeFormatted(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(v), "encode json")
	case "yaml":
		// Round-trip through JSON so yaml keys match the API field names.
		raw, err := json.Marshal(v)
		if err != nil {
			return eris.Wrap(err, "encode json")
		}
		var generic any
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return eris.Wrap(err, "decode json as yaml")
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return eris.Wrap(enc.Close(), "encode yaml")
	default:
		return eris.Errorf("unsupported format %q (use table, json or yaml)", format)
	}
}

func writeJobTable(w io.Writer, jobs []model.ImportJob) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILE\tSTATUS\tPROGRESS\tTOTAL\tSUCCESS\tFAILED\tSKIPPED\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%d\t%d\t%d\t%d\t%s\n",
			j.ID, j.FileName, j.Status, j.Progress, j.Total, j.Success, j.Failed, j.Skipped,
			j.CreatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func init() {
	jobsCmd.PersistentFlags().StringVar(&jobsFormat, "format", "table", "output format: table, json or yaml")
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 20, "max jobs to list")
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd)
	rootCmd.AddCommand(jobsCmd)
}
