package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/franksops/dmove/store"
)

var (
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "List the jobs in the state store",
		Args:  cobra.NoArgs,
		RunE:  statusMain,
	}

	statusStates []string
	statusJSON   bool
)

func init() {
	statusCmd.Flags().StringSliceVar(&statusStates, "state", nil, "Only show jobs in these states (Pending, InProgress, Completed, Failed, Skipped)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the job records as JSON")
}

func statusMain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	states := make([]store.JobState, 0, len(statusStates))
	for _, s := range statusStates {
		states = append(states, store.JobState(s))
	}
	return printStatus(cmd.OutOrStdout(), st, states, statusJSON)
}

func printStatus(out io.Writer, st store.Store, states []store.JobState, asJSON bool) error {
	recs, err := st.ListJobs(states...)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	sort.Slice(recs, func(i, k int) bool {
		if recs[i].TransferID != recs[k].TransferID {
			return recs[i].TransferID < recs[k].TransferID
		}
		return recs[i].Source < recs[k].Source
	})

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	if len(recs) == 0 {
		fmt.Fprintln(out, "No jobs.")
		return nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("JOB", "STATE", "PROGRESS", "SOURCE", "DESTINATION", "DETAIL")
	for _, rec := range recs {
		detail := rec.Error
		if detail == "" && rec.CopyID != "" {
			detail = "copy " + rec.CopyID
		}
		t.Row(rec.ID, string(rec.State), progressOf(rec), rec.Source, rec.Destination, detail)
	}
	fmt.Fprintln(out, t.Render())
	return nil
}

func progressOf(rec *store.JobRecord) string {
	if rec.TotalBytes <= 0 {
		if rec.State == store.StateCompleted {
			return "100%"
		}
		return "-"
	}
	return fmt.Sprintf("%.0f%%", 100*float64(rec.BytesTransferred)/float64(rec.TotalBytes))
}
