// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/sap/internal/config"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sapd",
	Short: "sapd - Session Announcement Protocol (RFC 2974) listener and announcer",
	Long: `sapd keeps a directory of the multicast sessions announced on the SAP channel
(224.2.127.254:9875) and announces locally authored SDP documents to it.

Each announced session is persisted as an SDP document named after its title
and removed again when the sender withdraws it or stops re-announcing it.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults plus SAP_* environment when empty)")

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(announceCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(validateCmd)
}

// loadConfig reads the global config, lets apply override fields, then
// validates the result again.
func loadConfig(path string, apply func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if apply != nil {
		apply(cfg)
		if err := cfg.ValidateAndApplyDefaults(); err != nil {
			return nil, fmt.Errorf("invalid flags: %w", err)
		}
	}
	return cfg, nil
}
