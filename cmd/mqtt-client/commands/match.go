package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/client"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/topic"
)

func newMatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "match <topic> <filter>",
		Short: "Check whether a topic name matches a filter",
		Example: `  mqtt-client match a/x/c a/+/c
  mqtt-client match '$SYS/uptime' '#'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, filter := args[0], args[1]
			if err := topic.ValidateFilter(filter); err != nil {
				return fmt.Errorf("invalid filter %q: %w", filter, err)
			}
			if client.TopicMatches(name, filter) {
				_, err := color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "match")
				return err
			}
			_, err := color.New(color.FgRed).Fprintln(cmd.OutOrStdout(), "no match")
			return err
		},
	}
}
