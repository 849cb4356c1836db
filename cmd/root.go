package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"shardgate/internal/config"
)

type rootOptions struct {
	config string
}

// configPath prefers --config, then SHARDGATE_CONFIG. Empty means defaults
// and environment only.
func (o *rootOptions) configPath() string {
	if o.config != "" {
		return o.config
	}
	return os.Getenv(config.EnvPrefix + "_CONFIG")
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "shardgate",
		Short:         "shardgate: rate-limited REST scheduling and sharded gateway sessions",
		Long:          "shardgate connects a bot's gateway shards under the session-start budget and schedules its REST calls per rate-limit bucket.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.config, "config", "c", "", "config file (yaml, toml or json), defaults to $SHARDGATE_CONFIG")

	rootCmd.AddCommand(
		newVersionCmd(),
		newGatewayCmd(opts),
		newRunCmd(opts),
	)

	return rootCmd
}
