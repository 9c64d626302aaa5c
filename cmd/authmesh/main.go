// Command authmesh runs the authorization server and its operational
// subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/authmesh/authmesh/internal/config"
	"github.com/authmesh/authmesh/pkg/logging"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "authmesh",
	Short: "Multi-tenant hierarchical authorization server",
	Long: `authmesh issues scoped access tokens over a rooted organization
tree: permissions resolve through role assignments and inheritable roles on
ancestor organizations, tokens carry the resolved set, and every
authentication and administration event lands in an immutable audit log.`,
	Version: "0.1.0",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (default: ./config.yaml, /etc/authmesh/config.yaml)")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *logging.Logger {
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With("service", "authmesh")
	logging.SetDefault(logger)
	return logger
}
