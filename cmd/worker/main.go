package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/outreach-engine/internal/config"
	"github.com/unclebandit/outreach-engine/internal/db"
	"github.com/unclebandit/outreach-engine/internal/metrics"
	"github.com/unclebandit/outreach-engine/internal/queue"
	"github.com/unclebandit/outreach-engine/internal/repository"
	"github.com/unclebandit/outreach-engine/internal/sender"
	"github.com/unclebandit/outreach-engine/internal/service"
)

const maxRetries = 3

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// Instances have to be shared with the server, so a memory store is useless here.
	if cfg.Store != "postgres" {
		return fmt.Errorf("worker requires OUTREACH_STORE=postgres, got %q", cfg.Store)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	conn, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBConnMaxIdle)
	if err != nil {
		return err
	}
	defer conn.Close()
	store := repository.NewPostgresStore(conn)

	amqpConn, ch, err := queue.Dial(cfg.AMQPURL)
	if err != nil {
		return err
	}
	defer amqpConn.Close()
	defer ch.Close()

	templates := &service.TemplateService{Templates: store.Templates}
	var channelSender service.ChannelSender = &sender.LogSender{Templates: templates, Logger: logger}
	if cfg.Sender == "amqp" {
		// deliveries publish concurrently with the consumer's republishes
		sendCh, err := queue.OpenChannel(amqpConn)
		if err != nil {
			return err
		}
		defer sendCh.Close()
		if err := sender.DeclareDeliveryExchange(sendCh, cfg.DeliveryExchange); err != nil {
			return err
		}
		channelSender = &sender.AMQPSender{Channel: sendCh, Exchange: cfg.DeliveryExchange, Templates: templates, Logger: logger}
	}
	engine := service.NewEngine(store, channelSender, logger)
	engine.Tracker.Lease = cfg.SendLease

	q, err := queue.DeclareAdvanceQueue(ch, cfg.AdvanceQueue)
	if err != nil {
		return err
	}
	if err := ch.Qos(cfg.WorkerLimit, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	msgs, err := ch.Consume(
		q.Name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	consumer := &queue.Consumer{
		Engine:     engine,
		Republish:  ch,
		Queue:      q.Name,
		MaxRetries: maxRetries,
		Logger:     logger,
	}
	logger.Info("Worker running, waiting for advance jobs", slog.String("queue", q.Name), slog.Int("workers", cfg.WorkerLimit))
	err = process(ctx, consumer, msgs, cfg.WorkerLimit)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// process runs workers consumers over one delivery stream until ctx is
// cancelled or the stream closes.
func process(ctx context.Context, consumer *queue.Consumer, deliveries <-chan amqp.Delivery, workers int) error {
	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			return consumer.Run(gctx, deliveries)
		})
	}
	return g.Wait()
}
