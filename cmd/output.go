package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/c2h5oh/datasize"

	"github.com/sells-group/fetchstore/internal/batch"
	"github.com/sells-group/fetchstore/internal/loader"
)

// itemJSON is the JSON shape of one URL outcome.
type itemJSON struct {
	URL         string `json:"url"`
	Outcome     string `json:"outcome"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Digest      string `json:"digest,omitempty"`
	Algorithm   string `json:"algorithm,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Unchanged   bool   `json:"unchanged,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
}

func toItemJSON(it batch.Item) itemJSON {
	out := itemJSON{URL: it.URL, Attempts: it.Attempts}
	if it.Err != nil {
		out.Outcome = "failed"
		out.Error = it.Err.Error()
		return out
	}
	if res := it.Result; res != nil {
		out.Outcome = res.Outcome.String()
		out.Path = res.Path
		out.ContentType = res.ContentType
		out.Digest = res.Digest
		out.Algorithm = res.Algorithm
		out.Size = res.Size
		out.Unchanged = res.Unchanged
		out.Reason = res.Reason
	}
	return out
}

// writeItemsJSON writes items as an indented JSON array.
func writeItemsJSON(w io.Writer, items []batch.Item) error {
	out := make([]itemJSON, len(items))
	for i, it := range items {
		out[i] = toItemJSON(it)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// formatItems writes a tabular list of URL outcomes to w.
func formatItems(out io.Writer, items []batch.Item) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "OUTCOME\tURL\tPATH\tDETAIL")
	_, _ = fmt.Fprintln(w, "-------\t---\t----\t------")

	for _, it := range items {
		j := toItemJSON(it)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.Outcome, it.URL, j.Path, itemDetail(it))
	}
	_ = w.Flush()
}

func itemDetail(it batch.Item) string {
	if it.Err != nil {
		return it.Err.Error()
	}
	res := it.Result
	if res == nil {
		return ""
	}
	if res.Outcome == loader.OutcomeRejected {
		return res.Reason
	}
	detail := fmt.Sprintf("%s %s:%s", res.ContentType, res.Algorithm, shortDigest(res.Digest))
	detail += " " + datasize.ByteSize(res.Size).HumanReadable()
	if res.Unchanged {
		detail += " (unchanged)"
	}
	return detail
}

// formatSummary writes the per-outcome counts of a report to w.
func formatSummary(out io.Writer, rep *batch.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total:\t%d\n", rep.Total())
	_, _ = fmt.Fprintf(w, "Stored:\t%d\n", len(rep.Stored))
	_, _ = fmt.Fprintf(w, "Rejected:\t%d\n", len(rep.Rejected))
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", len(rep.Failed))
	_ = w.Flush()
}

// reportItems flattens a report back into one list, stored first.
func reportItems(rep *batch.Report) []batch.Item {
	items := make([]batch.Item, 0, rep.Total())
	items = append(items, rep.Stored...)
	items = append(items, rep.Rejected...)
	return append(items, rep.Failed...)
}

// shortDigest returns the first 12 characters of a hex digest for compact display.
func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
