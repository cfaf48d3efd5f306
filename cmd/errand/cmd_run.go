package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"errand/internal/types"
)

var (
	runOwner   string
	runChannel string
	runOrigin  string
	runJSON    bool
)

var runCmd = &cobra.Command{
	Use:   "run [task text]",
	Short: "Run one task synchronously and print the result",
	Long: `run takes a task straight through the pipeline in the foreground.
A task that needs confirmation stops there; approve it with 'errand confirm'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := cmd.Context()
		task, err := app.worker.Intake(ctx, types.TaskRequest{
			OwnerID: runOwner,
			Origin:  runOrigin,
			Body:    strings.Join(args, " "),
			Channel: types.Channel(runChannel),
		})
		if err != nil {
			return err
		}
		fmt.Printf("task %s accepted\n", task.ID)

		if err := app.worker.Process(ctx, task.ID); err != nil {
			return err
		}

		done, err := app.store.GetTask(task.ID)
		if err != nil {
			return err
		}
		if runJSON {
			out, err := json.MarshalIndent(done.Result(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		fmt.Printf("status: %s", done.Status)
		if done.BestScore > 0 {
			fmt.Printf(" (verified %.0f)", done.BestScore)
		}
		fmt.Println()
		if done.Status == types.StatusAwaitingConfirmation {
			fmt.Printf("confirm with: errand confirm %s\n", done.ID)
			return nil
		}
		if done.ResponseText != "" {
			fmt.Println()
			fmt.Println(done.ResponseText)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runOwner, "owner", "default", "owner ID the task runs for")
	runCmd.Flags().StringVar(&runChannel, "channel", "web", "origin channel tag (email, sms, voice, web)")
	runCmd.Flags().StringVar(&runOrigin, "origin", "", "reply address on the origin channel")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full task result as JSON")
}
