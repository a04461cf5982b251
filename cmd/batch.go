package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/sells-group/fetchstore/internal/batch"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Fetch a list of URLs concurrently",
	Long:  "Reads one URL per line from --file (or stdin) and loads them with retries and per-host circuit breakers. URLs that share a destination path are loaded one after another. Hard failures are queued in the manifest for 'fetchstore retry-failed'.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		file, _ := cmd.Flags().GetString("file")
		urls, err := readURLFile(file)
		if err != nil {
			return err
		}
		if len(urls) == 0 {
			fmt.Fprintln(os.Stderr, "No URLs to fetch.")
			return nil
		}

		env, err := initEnv(ctx, overridesFromFlags(cmd))
		if err != nil {
			return err
		}
		defer env.Close()

		asJSON, _ := cmd.Flags().GetBool("json")
		quiet, _ := cmd.Flags().GetBool("quiet")

		runner := env.Runner
		var bar *progressbar.ProgressBar
		if !quiet {
			bar = newProgressBar(os.Stderr, len(urls), "fetch")
			runner = runner.WithOnDone(func(batch.Item) { _ = bar.Add(1) })
		}

		rep, err := runner.Run(ctx, urls)
		if bar != nil {
			_ = bar.Finish()
		}
		if err != nil {
			return err
		}

		if err := writeReport(os.Stdout, rep, asJSON); err != nil {
			return err
		}
		if len(rep.Failed) > 0 {
			return eris.Errorf("%d of %d urls failed", len(rep.Failed), rep.Total())
		}
		return nil
	},
}

func init() {
	addLoaderFlags(batchCmd)
	batchCmd.Flags().StringP("file", "f", "-", "file with one URL per line, '-' for stdin")
	batchCmd.Flags().Bool("json", false, "print results as JSON")
	batchCmd.Flags().BoolP("quiet", "q", false, "hide the progress bar")
	rootCmd.AddCommand(batchCmd)
}

func newProgressBar(w io.Writer, n int, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions(
		n,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription(fmt.Sprintf("%s(%d urls)", desc, n)),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			_, _ = fmt.Fprintln(w)
		}),
	)
}

func readURLFile(path string) ([]string, error) {
	if path == "" || path == "-" {
		return readURLs(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open url file")
	}
	defer f.Close() //nolint:errcheck
	return readURLs(f)
}

// readURLs returns the non-empty lines of r. Lines starting with '#' are
// comments.
func readURLs(r io.Reader) ([]string, error) {
	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "read urls")
	}
	return urls, nil
}

func writeReport(w io.Writer, rep *batch.Report, asJSON bool) error {
	items := reportItems(rep)
	if asJSON {
		return writeItemsJSON(w, items)
	}
	formatItems(w, items)
	_, _ = fmt.Fprintln(w)
	formatSummary(w, rep)
	return nil
}
