package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fetchstore/internal/batch"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>...",
	Short: "Fetch URLs once each and store the allowed ones",
	Long:  "Loads each URL in order with a single attempt. Rejected content types are reported and their messages printed to stderr at the end, but are not errors; any hard failure makes the command exit non-zero.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, overridesFromFlags(cmd))
		if err != nil {
			return err
		}
		defer env.Close()

		asJSON, _ := cmd.Flags().GetBool("json")

		items := fetchURLs(ctx, env, args)
		if asJSON {
			if err := writeItemsJSON(os.Stdout, items); err != nil {
				return err
			}
		} else {
			formatItems(os.Stdout, items)
		}
		printRejections(os.Stderr, env)

		return itemsErr(items)
	},
}

func init() {
	addLoaderFlags(fetchCmd)
	fetchCmd.Flags().Bool("json", false, "print results as JSON")
	rootCmd.AddCommand(fetchCmd)
}

// fetchURLs loads each URL sequentially through the environment's loader.
func fetchURLs(ctx context.Context, env *fetchEnv, urls []string) []batch.Item {
	items := make([]batch.Item, 0, len(urls))
	for _, u := range urls {
		res, err := env.Loader.Load(ctx, u)
		if err != nil {
			zap.L().Error("fetch failed", zap.String("url", u), zap.Error(err))
		}
		items = append(items, batch.Item{URL: u, Result: res, Err: err, Attempts: 1})
	}
	return items
}

func itemsErr(items []batch.Item) error {
	failed := 0
	for _, it := range items {
		if it.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return eris.Errorf("%d of %d urls failed", failed, len(items))
	}
	return nil
}

func printRejections(w io.Writer, env *fetchEnv) {
	for _, msg := range env.Loader.Errors() {
		_, _ = fmt.Fprintln(w, msg)
	}
}
