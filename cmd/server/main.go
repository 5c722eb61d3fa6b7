// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/outreach-engine/internal/config"
	"github.com/unclebandit/outreach-engine/internal/controller"
	"github.com/unclebandit/outreach-engine/internal/db"
	"github.com/unclebandit/outreach-engine/internal/handler"
	"github.com/unclebandit/outreach-engine/internal/metrics"
	"github.com/unclebandit/outreach-engine/internal/queue"
	"github.com/unclebandit/outreach-engine/internal/repository"
	"github.com/unclebandit/outreach-engine/internal/sender"
	"github.com/unclebandit/outreach-engine/internal/service"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// publishChannels returns the channels for the sender and the advance
// publisher. When both publish they get separate channels.
func publishChannels(conn queue.ChannelOpener, first *amqp.Channel, both bool) (send, advance *amqp.Channel, err error) {
	if !both {
		return first, first, nil
	}
	advance, err = queue.OpenChannel(conn)
	if err != nil {
		return nil, nil, err
	}
	return first, advance, nil
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	var (
		store *repository.Store
		ping  func(ctx context.Context) error
	)
	switch cfg.Store {
	case "memory":
		mem := repository.NewMemoryStore()
		seedDemo(mem)
		store = mem.Store()
		logger.Warn("using in-memory store; state is lost on restart")
	default:
		conn, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBConnMaxIdle)
		if err != nil {
			return err
		}
		defer conn.Close()
		store = repository.NewPostgresStore(conn)
		ping = conn.PingContext
	}

	var sendCh, advanceCh *amqp.Channel
	if cfg.UsesAMQP() {
		conn, ch, err := queue.Dial(cfg.AMQPURL)
		if err != nil {
			return err
		}
		defer conn.Close()
		defer ch.Close()
		sendCh, advanceCh, err = publishChannels(conn, ch, cfg.Sender == "amqp" && cfg.DispatchMode == "amqp")
		if err != nil {
			return err
		}
		if advanceCh != sendCh {
			defer advanceCh.Close()
		}
	}

	templates := &service.TemplateService{Templates: store.Templates}
	var channelSender service.ChannelSender = &sender.LogSender{Templates: templates, Logger: logger}
	if cfg.Sender == "amqp" {
		if err := sender.DeclareDeliveryExchange(sendCh, cfg.DeliveryExchange); err != nil {
			return err
		}
		channelSender = &sender.AMQPSender{Channel: sendCh, Exchange: cfg.DeliveryExchange, Templates: templates, Logger: logger}
	}

	engine := service.NewEngine(store, channelSender, logger)
	engine.Tracker.Lease = cfg.SendLease
	var dispatcher service.Dispatcher = &service.PoolDispatcher{Engine: engine, WorkerLimit: cfg.WorkerLimit, Logger: logger}
	// requests never wait on deliveries; the scheduler keeps the blocking dispatcher
	var (
		requestDispatcher service.Dispatcher
		background        *service.AsyncDispatcher
	)
	if cfg.DispatchMode == "amqp" {
		q, err := queue.DeclareAdvanceQueue(advanceCh, cfg.AdvanceQueue)
		if err != nil {
			return err
		}
		dispatcher = &queue.AdvancePublisher{Channel: advanceCh, Queue: q.Name, Logger: logger}
		requestDispatcher = dispatcher
	} else {
		background = &service.AsyncDispatcher{Inner: dispatcher, Logger: logger}
		requestDispatcher = background
	}

	schema := cfg.Schema()
	steps := &service.StepService{Campaigns: store.Campaigns, Steps: store.Steps, Templates: store.Templates, Schema: schema}
	admitter := &service.Admitter{
		Campaigns:  store.Campaigns,
		Recipients: store.Recipients,
		Audience:   service.AttributeAudience{},
		Engine:     engine,
		BatchSize:  cfg.BatchSize,
		Logger:     logger,
	}
	campaignService := &service.CampaignService{
		CampaignRepo: store.Campaigns,
		InstanceRepo: store.Instances,
		SendRepo:     store.Sends,
		StepService:  steps,
		Admitter:     admitter,
		Engine:       engine,
		Dispatcher:   requestDispatcher,
		Schema:       schema,
		BatchSize:    cfg.BatchSize,
		Logger:       logger,
	}
	scheduler := &service.Scheduler{
		Campaigns:  store.Campaigns,
		Instances:  store.Instances,
		Admitter:   admitter,
		Dispatcher: dispatcher,
		Interval:   cfg.SchedulerInterval,
		BatchSize:  cfg.BatchSize,
		Logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(handler.Instrument)

	health := &handler.HealthHandler{Check: ping}
	r.Get("/healthz", health.Healthz)
	r.Handle("/metrics", promhttp.Handler())
	controller.Routes(r,
		&controller.CampaignController{CampaignService: campaignService},
		&controller.StepController{StepService: steps},
		&controller.EventController{CampaignService: campaignService},
		&handler.CampaignHandler{Service: campaignService},
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server running", slog.String("addr", srv.Addr), slog.String("store", cfg.Store), slog.String("dispatch", cfg.DispatchMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("Shutting down server")
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	if background != nil {
		background.Wait()
	}
	return err
}
