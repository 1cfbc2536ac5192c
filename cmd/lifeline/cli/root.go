package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lifeline",
		Short: "Emergency medical credential broker",
		Long: `Lifeline brokers emergency access to clinical systems. Clinicians file a
credential request, a vault owner signs off, and the broker issues a
single-use retrieval token that fetches records from the backing PACS,
LIS, or file target. Every transition is stamped into a tamper-evident
audit ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./lifeline.yaml)")

	cobra.OnInitialize(initConfig)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newKeysCmd())
	cmd.AddCommand(newVaultCmd())
	cmd.AddCommand(newAuditCmd())

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("lifeline")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.lifeline")
	}

	viper.SetEnvPrefix("LIFELINE")
	viper.AutomaticEnv()
	viper.ReadInConfig() // config file is optional
}
