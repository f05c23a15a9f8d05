package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/archive"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/client"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/topic"
)

func newSubCmd(flags *globalFlags) *cobra.Command {
	var qos uint8
	cmd := &cobra.Command{
		Use:   "sub <filter>...",
		Short: "Subscribe to topic filters and print incoming messages",
		Long: `Subscribe to one or more topic filters and print every message
until interrupted. When archive.enabled is set, messages are also
stored in MongoDB.

Example:
  mqtt-client sub 'sensors/+/temperature' 'alerts/#' --qos 1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if qos > 2 {
				return fmt.Errorf("--qos must be 0, 1 or 2, got %d", qos)
			}
			for _, filter := range args {
				if err := topic.ValidateFilter(filter); err != nil {
					return fmt.Errorf("invalid filter %q: %w", filter, err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSub(ctx, flags, cmd.OutOrStdout(), args, qos)
		},
	}
	cmd.Flags().Uint8VarP(&qos, "qos", "q", 0, "Requested QoS for every filter")
	return cmd
}

func runSub(ctx context.Context, flags *globalFlags, out io.Writer, filters []string, qos byte) error {
	s, err := newSession(flags)
	if err != nil {
		return err
	}
	defer func() { _ = s.cleaner.Clean() }()

	var store *archive.Store
	if s.cfg.Archive.Enabled {
		store, err = archive.Connect(ctx, s.cfg.Archive, s.cfg.AppName)
		if err != nil {
			return err
		}
		s.cleaner.Add(store)
	}

	if err := s.connect(); err != nil {
		return err
	}
	for _, filter := range filters {
		if err := s.client.Subscribe(filter, qos, nil); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	s.serveMetrics(gctx, g)
	g.Go(func() error {
		err := s.client.Run(gctx, func(msg client.Message) {
			printMessage(out, msg)
			if store == nil {
				return
			}
			if err := store.Save(gctx, s.client.ClientID(), []client.Message{msg}); err != nil {
				logger.WarnF("Fail to archive message on %s, details: %v", msg.Topic, err)
			}
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

var (
	topicColor   = color.New(color.FgCyan, color.Bold)
	payloadColor = color.New(color.FgWhite)
	timeColor    = color.New(color.FgHiBlack)
)

func printMessage(out io.Writer, msg client.Message) {
	_, _ = timeColor.Fprintf(out, "%s ", time.Now().Format(time.TimeOnly))
	_, _ = topicColor.Fprint(out, msg.Topic)
	_, _ = fmt.Fprint(out, " ")
	_, _ = payloadColor.Fprintln(out, string(msg.Payload))
}
