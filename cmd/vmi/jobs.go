package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var jobsLimit int

func init() {
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum number of jobs to show")
	jobsCmd.Flags().StringVar(&dbPath, "db", defaultDBPath(), "job catalog database")
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent conversion jobs",
	Long: `List recent conversion jobs from the job catalog, newest first.

Shows each job's id, endpoints, final state, and bytes written. Failed
jobs show the error classification instead of a byte count.`,
	Args: exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open job catalog: %w", err)
		}
		defer st.Close()

		records, err := st.Recent(cmd.Context(), jobsLimit)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}

		if len(records) == 0 {
			fmt.Println("No jobs recorded")
			return nil
		}

		fmt.Printf("%-26s %-12s %12s  %-30s %s\n", "ID", "STATE", "WRITTEN", "SOURCE", "DESTINATION")
		fmt.Println(strings.Repeat("-", 100))
		for _, r := range records {
			written := fmt.Sprintf("%d", r.BytesWritten)
			if r.ErrorKind != "" {
				written = r.ErrorKind
			}
			fmt.Printf("%-26s %-12s %12s  %-30s %s\n", r.ID, r.State, written, r.Source, r.Destination)
		}
		fmt.Printf("\nTotal: %d job(s)\n", len(records))
		return nil
	},
}
