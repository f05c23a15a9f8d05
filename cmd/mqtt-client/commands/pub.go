package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/topic"
)

func newPubCmd(flags *globalFlags) *cobra.Command {
	var (
		qos    uint8
		retain bool
	)
	cmd := &cobra.Command{
		Use:   "pub <topic> <payload>",
		Short: "Publish a single message",
		Long: `Publish a single message and disconnect once the broker
has acknowledged it according to the requested QoS.

Example:
  mqtt-client pub sensors/kitchen/temperature 21.5 --qos 1 --retain`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, payload := args[0], args[1]
			if qos > 2 {
				return fmt.Errorf("--qos must be 0, 1 or 2, got %d", qos)
			}
			if err := topic.ValidateTopic(name); err != nil {
				return fmt.Errorf("invalid topic %q: %w", name, err)
			}

			s, err := newSession(flags)
			if err != nil {
				return err
			}
			defer func() { _ = s.cleaner.Clean() }()

			if err := s.connect(); err != nil {
				return err
			}
			if err := s.client.Publish(name, []byte(payload), qos, retain); err != nil {
				return err
			}
			logger.InfoF("[%s] Published %d bytes to %s", s.client.ClientID(), len(payload), name)
			return nil
		},
	}
	cmd.Flags().Uint8VarP(&qos, "qos", "q", 0, "QoS of the message")
	cmd.Flags().BoolVarP(&retain, "retain", "r", false, "Ask the broker to retain the message")
	return cmd
}
