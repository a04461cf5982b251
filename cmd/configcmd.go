package main

import (
	"io"
	"net/url"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/fetchstore/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration (file, env and defaults) as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := writeConfigYAML(os.Stdout, cfg); err != nil {
			return err
		}
		check, _ := cmd.Flags().GetBool("validate")
		if check {
			return cfg.Validate()
		}
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("validate", false, "exit non-zero if the configuration is invalid")
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

// writeConfigYAML writes c to w in the same layout config.yaml uses. The
// manifest database URL is redacted when it carries a password.
func writeConfigYAML(w io.Writer, c *config.Config) error {
	out := *c
	out.Manifest.DatabaseURL = redactURL(c.Manifest.DatabaseURL)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&out); err != nil {
		return eris.Wrap(err, "encode config")
	}
	return enc.Close()
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); !ok {
		return raw
	}
	return u.Redacted()
}
