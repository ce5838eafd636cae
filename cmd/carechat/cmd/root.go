package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nfrund/carechat/internal/config"
	"github.com/nfrund/carechat/internal/logging"
)

var (
	participantFlag string
	roleFlag        string
	providerFlag    string
)

var rootCmd = &cobra.Command{
	Use:   "carechat",
	Short: "Real-time care conversation client",
	Long: `carechat joins care conversations hosted by a chat provider.

Available commands:
  session    Open a channel and chat from the terminal
  simulate   Run an in-memory provider for local development
  version    Print the version

Settings are read from CARECHAT_* environment variables or a .env file.
Flags override the environment.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.New()
	},
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&participantFlag, "participant", "p", "", "Local participant id (CARECHAT_PARTICIPANT_ID)")
	rootCmd.PersistentFlags().StringVar(&roleFlag, "role", "", "Local participant role: staff or patient (CARECHAT_ROLE)")
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "Provider base URL (CARECHAT_PROVIDER_URL)")
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() *config.Config {
	cfg := config.Load()
	if participantFlag != "" {
		cfg.ParticipantID = participantFlag
	}
	if roleFlag != "" {
		cfg.Role = roleFlag
	}
	if providerFlag != "" {
		cfg.ProviderURL = providerFlag
	}
	return cfg
}
