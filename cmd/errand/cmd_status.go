package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"errand/internal/types"
)

var statusDomain string

var allStatuses = []types.TaskStatus{
	types.StatusReceived,
	types.StatusAwaitingConfirmation,
	types.StatusPending,
	types.StatusProcessing,
	types.StatusNeedsReview,
	types.StatusCompleted,
	types.StatusFailed,
	types.StatusCancelled,
}

var pageKinds = []types.ActionKind{
	types.ActionNavigate,
	types.ActionBrowse,
	types.ActionClick,
	types.ActionFillForm,
	types.ActionExtract,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task counts, method rankings, and failure memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		fmt.Println("Tasks:")
		for _, status := range allStatuses {
			ids, err := app.store.TasksByStatus(status)
			if err != nil {
				return err
			}
			if len(ids) > 0 {
				fmt.Printf("  %-22s %d\n", status, len(ids))
			}
		}

		if statusDomain == "" {
			return nil
		}

		fmt.Printf("\nMethod performance on %s:\n", statusDomain)
		found := false
		for _, kind := range pageKinds {
			stats, err := app.store.MethodStatsFor(statusDomain, kind)
			if err != nil {
				return err
			}
			for _, st := range stats {
				found = true
				fmt.Printf("  %-10s %-8s %3d tries  %5.1f%% ok  avg %s\n",
					st.ActionKind, st.Method, st.Attempts(), st.SuccessRate()*100, st.AvgDuration())
			}
		}
		if !found {
			fmt.Println("  no history yet")
		}

		fmt.Printf("\nKnown failures on %s:\n", statusDomain)
		entries, err := app.store.KnownFailures(statusDomain)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("  none recorded")
		}
		for _, e := range entries {
			fix := "no fix yet"
			if e.FixedBy != "" {
				fix = "fixed by " + e.FixedBy
			}
			fmt.Printf("  %s %q (%d hits, %s): %s\n", e.ActionKind, e.Selector, e.HitCount, fix, e.LastError)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusDomain, "domain", "", "show rankings and failure memory for one site")
}
