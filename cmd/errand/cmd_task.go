package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	confirmReject   bool
	confirmRevision string
	resumeInput     string
)

var confirmCmd = &cobra.Command{
	Use:   "confirm [task-id]",
	Short: "Approve, revise, or reject a task awaiting confirmation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()
		ctx := cmd.Context()
		id := args[0]

		if confirmRevision != "" {
			task, err := app.worker.Revise(ctx, id, confirmRevision)
			if err != nil {
				return err
			}
			fmt.Printf("task %s revised, new confirmation sent\n", task.ID)
			return nil
		}

		task, err := app.worker.Confirm(ctx, id, !confirmReject)
		if err != nil {
			return err
		}
		if confirmReject {
			fmt.Printf("task %s cancelled\n", task.ID)
			return nil
		}
		fmt.Printf("task %s approved, running\n", task.ID)
		return app.worker.Process(ctx, task.ID)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task that has not started executing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		task, err := app.worker.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("task %s cancelled\n", task.ID)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [task-id]",
	Short: "Resume a needs_review task, optionally with supplied input",
	Long: `resume re-enters processing for a task parked in needs_review, for
example after the owner supplies a verification code the site asked for.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()
		ctx := cmd.Context()

		task, err := app.worker.Resume(ctx, args[0], resumeInput)
		if err != nil {
			return err
		}
		fmt.Printf("task %s resumed\n", task.ID)
		return app.worker.Process(ctx, task.ID)
	},
}

func init() {
	confirmCmd.Flags().BoolVar(&confirmReject, "reject", false, "cancel the task instead of approving it")
	confirmCmd.Flags().StringVar(&confirmRevision, "revise", "", "correction text; keeps the task awaiting confirmation")
	resumeCmd.Flags().StringVar(&resumeInput, "input", "", "owner-supplied input, e.g. a verification code")
}
