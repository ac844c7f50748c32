package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsehr/mailqueue"
	"github.com/pulsehr/mailqueue/contracts"
	"github.com/pulsehr/mailqueue/internal/config"
	"github.com/pulsehr/mailqueue/internal/rabbitmq"
	"github.com/pulsehr/mailqueue/mail"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mailqueue-worker",
		Short:   "Durable email delivery worker",
		Long:    "mailqueue-worker runs the email delivery pipeline: it consumes queued email jobs one at a time, sends them through the configured transport, and retries or dead-letters failures.",
		Version: fmt.Sprintf("%s (commit: %s)", version, gitCommit),
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the delivery worker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(verbose)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print queue and dead-letter depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(verbose)
		},
	}

	var (
		to       string
		subject  string
		text     string
		priority string
	)
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Enqueue a test email job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return publishTestJob(verbose, to, subject, text, priority)
		},
	}
	publishCmd.Flags().StringVar(&to, "to", "", "Recipient address")
	publishCmd.Flags().StringVar(&subject, "subject", "Test message", "Subject line")
	publishCmd.Flags().StringVar(&text, "text", "Hello from mailqueue", "Plain text body")
	publishCmd.Flags().StringVar(&priority, "priority", "normal", "Priority: high, normal or low")
	_ = publishCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(runCmd, statusCmd, publishCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient(verbose bool) (*mailqueue.Client, error) {
	cfg := config.Load()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	topo := rabbitmq.EmailTopology{
		Exchange:           cfg.Exchange,
		Queue:              cfg.Queue,
		DeadLetterExchange: cfg.DeadLetterExchange,
		DeadLetterQueue:    cfg.DeadLetterQueue,
		RoutingKey:         cfg.RoutingKey,
		RetryTTL:           cfg.RetryTTL,
		DeadLetterTTL:      cfg.DeadLetterTTL,
		MaxPriority:        10,
		PrefetchCount:      cfg.PrefetchCount,
	}

	var sender mail.Sender
	if cfg.SMTPHost != "" {
		sender = mail.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom)
	} else {
		logger.Warn("no SMTP host configured, using log-only sender")
		sender = mail.NewLogSender(logger)
	}

	client, err := mailqueue.NewClient(cfg.BrokerURL,
		mailqueue.WithClientLogger(logger),
		mailqueue.WithTopology(topo),
		mailqueue.WithSender(sender),
		mailqueue.WithMaxRetries(cfg.MaxRetries),
		mailqueue.WithHeartbeat(cfg.Heartbeat),
		mailqueue.WithConnectTimeout(cfg.ConnectTimeout),
	)
	return client, err
}

func runWorker(verbose bool) error {
	client, err := newClient(verbose)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// An unreachable broker at startup is not fatal; the connection
	// manager keeps retrying and the worker subscribes once ready.
	_ = client.Connect(ctx)

	if err := client.StartWorker(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return client.StopWorker(stopCtx)
}

func printStatus(verbose bool) error {
	client, err := newClient(verbose)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	status, err := client.QueueStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue status: %w", err)
	}

	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func publishTestJob(verbose bool, to, subject, text, priority string) error {
	client, err := newClient(verbose)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	accepted, err := client.Publish(ctx, &contracts.EmailJob{
		To:       to,
		Subject:  subject,
		Text:     text,
		Priority: contracts.Priority(priority),
	})
	if err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	if !accepted {
		return fmt.Errorf("publish not accepted: broker not ready")
	}

	fmt.Printf("published to %s\n", to)
	return nil
}
