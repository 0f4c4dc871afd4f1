package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/captainteodor/vibess/pkg/config"
	"github.com/captainteodor/vibess/pkg/events"
)

var (
	eventsCmd = &cobra.Command{
		Use:   "events",
		Short: "Inspect published vote events",
	}
	eventsTailCmd = &cobra.Command{
		Use:   "tail",
		Short: "Print vote events from the Redis channel until interrupted",
		RunE:  runEventsTail,
	}
)

func init() {
	eventsCmd.AddCommand(eventsTailCmd)
	rootCmd.AddCommand(eventsCmd)
}

func runEventsTail(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Events.Backend != config.EventsRedis {
		return fmt.Errorf("events tail needs the %s events backend, got %q", config.EventsRedis, cfg.Events.Backend)
	}

	sub, err := events.NewRedisPublisher(cfg.Events.Redis, logger)
	if err != nil {
		return err
	}
	defer sub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	err = sub.Subscribe(ctx, func(ev events.VoteEvent) {
		fmt.Fprintf(out, "%s %s voter=%s candidate=%s traits=%d/%d/%d tags=%v\n",
			ev.Timestamp.Format("2006-01-02T15:04:05Z07:00"), ev.Type, ev.VoterID, ev.CandidateID,
			ev.Traits.Confident, ev.Traits.NicePersonality, ev.Traits.Attractive, ev.FeedbackTags)
	})
	if err != nil {
		return err
	}

	logger.Info("Tailing vote events", zap.String("channel", cfg.Events.Redis.Channel))
	<-ctx.Done()
	return nil
}
