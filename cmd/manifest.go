package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/fetchstore/internal/resilience"
	"github.com/sells-group/fetchstore/internal/store"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect stored files and queued failures",
	Long:  "Commands for listing the manifest of stored files and the failed-URL queue.",
}

// -- manifest list --

var manifestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored files",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openManifest(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		contentType, _ := cmd.Flags().GetString("content-type")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		files, err := st.ListStored(ctx, store.Filter{
			ContentType: contentType,
			Limit:       limit,
			Offset:      offset,
		})
		if err != nil {
			return eris.Wrap(err, "manifest list")
		}

		if len(files) == 0 {
			fmt.Fprintln(os.Stderr, "No stored files found.")
			return nil
		}

		formatStoredList(os.Stdout, files)
		return nil
	},
}

// -- manifest show --

var manifestShowCmd = &cobra.Command{
	Use:   "show <path>",
	Short: "Show the manifest entry for a stored path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openManifest(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		f, err := st.GetStored(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "manifest show")
		}
		if f == nil {
			return eris.Errorf("no manifest entry for %s", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(f)
	},
}

// -- manifest failures --

var manifestFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List queued failed URLs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openManifest(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		errType, _ := cmd.Flags().GetString("error-type")
		due, _ := cmd.Flags().GetBool("due")
		limit, _ := cmd.Flags().GetInt("limit")

		failures, err := st.ListFailures(ctx, resilience.FailureFilter{
			ErrorType: errType,
			DueOnly:   due,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "manifest failures")
		}

		if len(failures) == 0 {
			fmt.Fprintln(os.Stderr, "No failed URLs queued.")
			return nil
		}

		formatFailureList(os.Stdout, failures, time.Now())
		return nil
	},
}

func init() {
	manifestListCmd.Flags().String("content-type", "", "filter by content type (e.g. image/png)")
	manifestListCmd.Flags().Int("limit", 50, "max number of files to display")
	manifestListCmd.Flags().Int("offset", 0, "number of files to skip")

	manifestFailuresCmd.Flags().String("error-type", "", "filter by error type (transient, permanent)")
	manifestFailuresCmd.Flags().Bool("due", false, "only show entries due for retry")
	manifestFailuresCmd.Flags().Int("limit", 50, "max number of entries to display")

	manifestCmd.AddCommand(manifestListCmd)
	manifestCmd.AddCommand(manifestShowCmd)
	manifestCmd.AddCommand(manifestFailuresCmd)
	rootCmd.AddCommand(manifestCmd)
}

// openManifest opens and migrates the configured manifest store.
func openManifest(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, eris.New("manifest is disabled (manifest.driver is none)")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate manifest")
	}
	return st, nil
}

// formatStoredList writes a tabular list of stored files to w.
func formatStoredList(out io.Writer, files []store.StoredFile) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PATH\tTYPE\tSIZE\tDIGEST\tFETCHES\tLAST_STORED")
	_, _ = fmt.Fprintln(w, "----\t----\t----\t------\t-------\t-----------")

	for _, f := range files {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s:%s\t%d\t%s\n",
			f.Path,
			f.ContentType,
			datasize.ByteSize(f.Size).HumanReadable(),
			f.Algorithm,
			shortDigest(f.Digest),
			f.FetchCount,
			f.LastStoredAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatFailureList writes a tabular list of queued failures to w. NEXT_RETRY
// is relative to now.
func formatFailureList(out io.Writer, failures []resilience.FailedURL, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "URL\tTYPE\tRETRIES\tNEXT_RETRY\tERROR")
	_, _ = fmt.Fprintln(w, "---\t----\t-------\t----------\t-----")

	for _, f := range failures {
		next := "never"
		if f.CanRetry() {
			if wait := f.NextRetryAt.Sub(now); wait > 0 {
				next = "in " + wait.Round(time.Second).String()
			} else {
				next = "due"
			}
		}

		msg := f.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			f.URL,
			f.ErrorType,
			f.RetryCount,
			f.MaxRetries,
			next,
			msg,
		)
	}
	_ = w.Flush()
}
