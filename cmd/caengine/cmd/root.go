package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pkisouverain/caengine/internal/config"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "caengine",
	Short: "caengine is a certificate authority engine",
	Long: `A certificate authority engine: generates root and intermediate CAs,
signs PKCS#10 requests, revokes certificates and publishes CRLs.
CA keys are kept in password-protected PKCS#12 containers.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional .env file with CAENGINE_* overrides")
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath, envFile)
}
