// queue-watch follows the caller's ticket on a queue service and raises the
// "about five minutes left" and "your turn" alerts locally.
//
// Usage:
//
//	queue-watch --session SID [--join --place ID [--counter ID]]
//	queue-watch --session SID --cancel
//	queue-watch --session SID --place ID --call-next
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/virtual-queue/internal/client"
	"qms/virtual-queue/internal/config"
	"qms/virtual-queue/internal/feed"
	"qms/virtual-queue/internal/logging"
	"qms/virtual-queue/internal/models"
	"qms/virtual-queue/internal/notify"

	"github.com/spf13/pflag"
)

type options struct {
	baseURL      string
	session      string
	placeID      string
	counterID    string
	join         bool
	cancel       bool
	complete     bool
	callNext     bool
	clear        bool
	watchPlace   bool
	transport    string
	webhookURL   string
	webhookToken string
	logFormat    string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	config.LoadEnv()
	defaults := config.LoadClient()

	var opts options
	flagSet := pflag.NewFlagSet("queue-watch", pflag.ContinueOnError)
	flagSet.StringVar(&opts.baseURL, "url", defaults.BaseURL, "queue service base URL")
	flagSet.StringVar(&opts.session, "session", defaults.Session, "session id sent as the bearer token")
	flagSet.StringVarP(&opts.placeID, "place", "p", "", "place id")
	flagSet.StringVarP(&opts.counterID, "counter", "c", "", "counter id (empty for the place's default line)")
	flagSet.BoolVar(&opts.join, "join", false, "take a ticket at --place before watching")
	flagSet.BoolVar(&opts.cancel, "cancel", false, "cancel the held ticket and exit")
	flagSet.BoolVar(&opts.complete, "complete", false, "mark the ticket being served as done and exit")
	flagSet.BoolVar(&opts.callNext, "call-next", false, "staff: call the next ticket at --place and exit")
	flagSet.BoolVar(&opts.clear, "clear-history", false, "delete finished tickets and exit")
	flagSet.BoolVar(&opts.watchPlace, "watch-place", false, "also follow every change at --place")
	flagSet.StringVar(&opts.transport, "transport", defaults.Transport, "alert transport: log, noop, webhook or a webhook URL")
	flagSet.StringVar(&opts.webhookURL, "webhook-url", defaults.WebhookURL, "webhook endpoint for --transport webhook")
	flagSet.StringVar(&opts.webhookToken, "webhook-token", defaults.WebhookToken, "bearer token for the webhook")
	flagSet.StringVar(&opts.logFormat, "log-format", defaults.LogFormat, "json or console")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.session == "" {
		return errors.New("--session (or QUEUE_SESSION) is required")
	}
	if (opts.join || opts.callNext || opts.watchPlace) && opts.placeID == "" {
		return errors.New("--place is required")
	}

	logger, err := logging.New(opts.logFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.New(opts.baseURL, opts.session, client.Options{})
	switch {
	case opts.callNext:
		result, err := api.CallNext(ctx, opts.placeID, opts.counterID)
		if err != nil {
			return err
		}
		fmt.Printf("now serving %s (ticket %s), completed %d\n", result.Token, result.Promoted.TicketID, len(result.Completed))
		return nil
	case opts.clear:
		removed, err := api.ClearHistory(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d finished tickets\n", removed)
		return nil
	}

	transport := notify.NewTransport(notify.TransportConfig{
		Kind:         opts.transport,
		WebhookURL:   opts.webhookURL,
		WebhookToken: opts.webhookToken,
	}, logger.Named("alert"))
	scheduler := notify.NewScheduler(transport, notify.SchedulerOptions{Logger: logger.Named("scheduler")})
	defer scheduler.Stop()

	session := client.NewSession(api, client.SessionOptions{
		Scheduler: scheduler,
		Logger:    logger,
		OnUpdate:  printStatus,
	})

	switch {
	case opts.cancel:
		return session.Cancel(ctx)
	case opts.complete:
		return session.Complete(ctx)
	case opts.join:
		if _, err := session.Join(ctx, client.JoinRequest{PlaceID: opts.placeID, CounterID: opts.counterID}); err != nil {
			return err
		}
	}

	subscriptions := []feed.SubscribeMessage{{Action: feed.ActionSubscribe, Self: true}}
	if opts.watchPlace {
		subscriptions[0].PlaceID = opts.placeID
		subscriptions[0].CounterID = opts.counterID
	} else if current, active := session.Current(); active {
		subscriptions[0].PlaceID = current.Ticket.PlaceID
		subscriptions[0].CounterID = current.Ticket.Counter()
	}

	subscriber := client.NewSubscriber(opts.baseURL, opts.session, subscriptions, client.SubscriberOptions{Logger: logger.Named("feed")})
	err = subscriber.Run(ctx, client.Handlers{
		Connected: session.Resync,
		Change:    session.HandleChange,
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printStatus(status models.TicketStatus, active bool) {
	if !active {
		fmt.Println("no active ticket")
		return
	}
	ticket := status.Ticket
	switch ticket.Status {
	case models.StatusServing:
		fmt.Printf("%s %s: being served\n", time.Now().Format(time.Kitchen), ticket.TokenNumber)
	default:
		fmt.Printf("%s %s: %d ahead, about %d min (eta %s), now serving %s\n",
			time.Now().Format(time.Kitchen), ticket.TokenNumber, status.Position, status.WaitMinutes,
			status.ETA.Local().Format(time.Kitchen), orDash(status.CurrentServingToken))
	}
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
