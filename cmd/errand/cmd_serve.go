package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"errand/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task worker pool until interrupted",
	Long: `serve recovers any tasks stranded by a previous run, then processes
queued tasks until SIGINT or SIGTERM. Interrupted tasks resume from their
last checkpoint on the next start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			logging.Boot("received %s, draining workers", sig)
			cancel()
		}()

		recovered := app.pool.Recover()
		fmt.Printf("errand serving (%d workers, %d tasks recovered)\n", concurrency, recovered)

		err = app.pool.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Println("errand stopped")
		return nil
	},
}
