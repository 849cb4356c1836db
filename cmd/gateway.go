package cmd

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newGatewayCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Print the gateway URL, recommended shard count and session-start budget",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp(opts.configPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			bot, err := a.rest.GatewayBot(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetch gateway info: %w", err)
			}

			out := cmd.OutOrStdout()

			if asJSON {
				payload, err := json.MarshalIndent(bot, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, string(payload))
				return err
			}

			limit := bot.SessionStartLimit
			resetAfter := time.Duration(limit.ResetAfter) * time.Millisecond

			_, err = fmt.Fprintf(out,
				"url:                %s\nrecommended shards: %d\nsession starts:     %d/%d remaining, resets in %s\nmax concurrency:    %d\n",
				bot.URL, bot.Shards, limit.Remaining, limit.Total, resetAfter.Round(time.Second), limit.MaxConcurrency)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw response as JSON")

	return cmd
}
