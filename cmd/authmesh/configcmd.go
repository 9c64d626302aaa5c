package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print an example config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		example := map[string]any{
			"server": map[string]any{
				"port":          8080,
				"read_timeout":  "15s",
				"write_timeout": "15s",
				"idle_timeout":  "60s",
			},
			"tokens": map[string]any{
				"signing_key":     "change-me-to-at-least-32-random-bytes!!",
				"algorithm":       "HS256",
				"issuer":          "authmesh",
				"audience":        "authmesh-clients",
				"ttl":             "1h",
				"max_permissions": 500,
			},
			"database": map[string]any{
				"type":    "postgres",
				"migrate": true,
				"postgres": map[string]any{
					"host":     "localhost",
					"port":     5432,
					"database": "authmesh",
					"user":     "authmesh",
					"password": "",
					"sslmode":  "disable",
				},
			},
			"messaging": map[string]any{
				"type": "nats",
				"nats": map[string]any{"url": "nats://localhost:4222"},
			},
			"cache": map[string]any{
				"enabled":        true,
				"addr":           "localhost:6379",
				"blacklist_ttl":  "30s",
				"permission_ttl": "60s",
			},
			"idp": map[string]any{
				"base_url":      "https://id.example.com",
				"client_id":     "authmesh",
				"client_secret": "",
				"redirect_uri":  "https://app.example.com/callback",
				"timeout":       "10s",
			},
			"logging": map[string]any{
				"level":  "info",
				"format": "json",
			},
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(example)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Tokens.SigningKey != "" {
			shown.Tokens.SigningKey = "<redacted>"
		}
		if shown.Audit.SigningKey != "" {
			shown.Audit.SigningKey = "<redacted>"
		}
		if shown.Database.Postgres.Password != "" {
			shown.Database.Postgres.Password = "<redacted>"
		}
		if shown.IdP.ClientSecret != "" {
			shown.IdP.ClientSecret = "<redacted>"
		}
		out, err := yaml.Marshal(shown)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configExampleCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
