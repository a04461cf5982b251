package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Reload queued failed URLs that are due",
	Long:  "Loads failed URLs whose next retry time has passed. Entries that now store or are rejected leave the queue; the rest are rescheduled with a longer delay.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, overridesFromFlags(cmd))
		if err != nil {
			return err
		}
		defer env.Close()
		if env.Store == nil {
			return eris.New("retry-failed needs a manifest (manifest.driver is none)")
		}

		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		rep, err := env.Runner.RetryFailed(ctx, env.Store, limit)
		if err != nil {
			return err
		}
		if rep.Total() == 0 {
			fmt.Fprintln(os.Stderr, "No failed URLs due for retry.")
			return nil
		}

		remaining, err := env.Store.CountFailures(ctx)
		if err != nil {
			return eris.Wrap(err, "count failures")
		}
		if err := writeReport(os.Stdout, rep, asJSON); err != nil {
			return err
		}
		if !asJSON {
			fmt.Fprintf(os.Stdout, "Still queued: %d\n", remaining)
		}
		return nil
	},
}

func init() {
	addLoaderFlags(retryFailedCmd)
	retryFailedCmd.Flags().Int("limit", 100, "max number of queued URLs to retry")
	retryFailedCmd.Flags().Bool("json", false, "print results as JSON")
	rootCmd.AddCommand(retryFailedCmd)
}
