package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/fetchstore/internal/digest"
	"github.com/sells-group/fetchstore/internal/filestore"
)

// -- algos --

var algosCmd = &cobra.Command{
	Use:   "algos",
	Short: "List supported hash algorithms",
	RunE: func(cmd *cobra.Command, _ []string) error {
		formatAlgos(os.Stdout, digest.Names(), cfg.Store.HashAlgo)
		return nil
	},
}

// -- path --

var pathCmd = &cobra.Command{
	Use:   "path <url>...",
	Short: "Print the destination path of each URL without fetching",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("upload-dir")
		if dir == "" {
			dir = cfg.Store.UploadDir
		}
		return formatPaths(os.Stdout, dir, args)
	},
}

// -- hash --

var hashCmd = &cobra.Command{
	Use:   "hash <file>...",
	Short: "Print the digest of local files",
	Long:  "Prints each file's digest with the configured algorithm, the same value used to detect conflicting content on store.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("hash-algo")
		if name == "" {
			name = cfg.Store.HashAlgo
		}
		algo, err := digest.Lookup(name)
		if err != nil {
			return err
		}
		return hashFiles(os.Stdout, algo, args)
	},
}

func init() {
	pathCmd.Flags().String("upload-dir", "", "override store.upload_dir")
	hashCmd.Flags().String("hash-algo", "", "override store.hash_algo")

	rootCmd.AddCommand(algosCmd)
	rootCmd.AddCommand(pathCmd)
	rootCmd.AddCommand(hashCmd)
}

// formatAlgos writes the algorithm names to w, marking current.
func formatAlgos(w io.Writer, names []string, current string) {
	for _, n := range names {
		mark := " "
		if n == current {
			mark = "*"
		}
		_, _ = fmt.Fprintf(w, "%s %s\n", mark, n)
	}
}

// formatPaths writes "url<TAB>path" lines. Every URL is reported; the
// returned error counts those with no derivable path.
func formatPaths(out io.Writer, dir string, urls []string) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	bad := 0
	for _, u := range urls {
		name, err := filestore.FileName(u)
		if err != nil {
			bad++
			_, _ = fmt.Fprintf(w, "%s\t!%s\n", u, err)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", u, filepath.Join(dir, name))
	}
	_ = w.Flush()
	if bad > 0 {
		return eris.Errorf("%d of %d urls have no destination path", bad, len(urls))
	}
	return nil
}

// hashFiles writes "digest  path" lines in the style of sha256sum.
func hashFiles(w io.Writer, algo digest.Algorithm, paths []string) error {
	for _, p := range paths {
		sum, err := algo.SumFile(p)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "%s  %s\n", sum, p)
	}
	return nil
}
