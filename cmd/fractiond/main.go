package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"glowfund/alerts"
	"glowfund/chainverify"
	"glowfund/config"
	"glowfund/control"
	"glowfund/events"
	"glowfund/ledger"
	"glowfund/models"
	"glowfund/observability/logging"
	"glowfund/retryqueue"
	"glowfund/sched"
	"glowfund/server"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logging.Setup("fractiond", cfg.Environment)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	book, err := ledger.New(ledger.Config{
		DB:                db,
		Location:          cfg.MarketTZ,
		GLWToken:          cfg.GLWToken,
		SGCTLToken:        cfg.SGCTLToken,
		USDCToken:         cfg.USDCToken,
		CrowdsaleLifetime: cfg.CrowdsaleLifetime,
	})
	if err != nil {
		log.Fatalf("ledger init error: %v", err)
	}

	evmClient, err := chainverify.Dial(cfg.EVMEndpoint)
	if err != nil {
		log.Fatalf("evm dial error: %v", err)
	}
	verifier, err := chainverify.New(evmClient, cfg.FractionContract)
	if err != nil {
		log.Fatalf("chain verifier init error: %v", err)
	}

	controlClient, err := control.NewClient(control.Config{
		BaseURL: cfg.ControlBaseURL,
		APIKey:  cfg.ControlAPIKey,
		Timeout: cfg.ControlTimeout,
	})
	if err != nil {
		log.Fatalf("control client init error: %v", err)
	}

	var alerter alerts.Alerter = alerts.Nop{}
	if cfg.AlertWebhookURL != "" {
		webhook, err := alerts.NewWebhook(cfg.AlertWebhookURL, 10*time.Second, log.Printf)
		if err != nil {
			log.Fatalf("alert webhook init error: %v", err)
		}
		alerter = webhook
	}

	retry, err := retryqueue.New(retryqueue.Config{
		DB:        db,
		Ledger:    book,
		Control:   controlClient,
		Alerter:   alerter,
		BatchSize: cfg.RetryBatchSize,
	})
	if err != nil {
		log.Fatalf("retry service init error: %v", err)
	}

	sweeper, err := sched.New(sched.Config{
		DB:            db,
		Ledger:        book,
		EscalationAge: cfg.EscalationAge,
	})
	if err != nil {
		log.Fatalf("sweeper init error: %v", err)
	}

	reconciler, err := events.NewReconciler(events.ReconcilerConfig{
		DB:          db,
		Ledger:      book,
		Verifier:    verifier,
		Environment: cfg.Environment,
	})
	if err != nil {
		log.Fatalf("reconciler init error: %v", err)
	}
	reconciler.RegisterRetryHandlers(retry)

	consumer, err := events.NewConsumer(events.ConsumerConfig{
		URL:        cfg.BrokerURL,
		Queue:      cfg.EventQueue,
		Reconciler: reconciler,
	})
	if err != nil {
		log.Fatalf("consumer init error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := consumer.Start(ctx); err != nil {
		log.Fatalf("consumer start error: %v", err)
	}
	defer consumer.Stop()

	scheduler := sched.NewScheduler(sched.SchedulerConfig{
		Sweeper:          sweeper,
		ExpireInterval:   cfg.ExpireInterval,
		EscalateInterval: cfg.EscalateInterval,
	})
	scheduler.Start(ctx)

	go retryLoop(ctx, retry, cfg.RetryInterval)

	srv := server.New(server.Config{
		Ledger:  book,
		Sweeper: sweeper,
		Retry:   retry,
		Events:  reconciler,
	})

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("starting fractiond on %s", httpSrv.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

func retryLoop(ctx context.Context, retry *retryqueue.Service, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := retry.Sweep(ctx); err != nil {
				log.Printf("retry sweep error: %v", err)
			}
		}
	}
}
