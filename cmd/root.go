package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fetchstore/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "fetchstore",
	Short: "Fetch remote files and store them by URL path",
	Long:  "Downloads files over HTTP(S), admits only allow-listed MIME types, and writes them under an upload directory at a path derived from the URL. Existing files with different content are never overwritten.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
