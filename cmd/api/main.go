package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/punchamoorthee/loanpay/internal/api"
	"github.com/punchamoorthee/loanpay/internal/config"
	"github.com/punchamoorthee/loanpay/internal/domain"
	"github.com/punchamoorthee/loanpay/internal/events"
	"github.com/punchamoorthee/loanpay/internal/gateway"
	"github.com/punchamoorthee/loanpay/internal/notify"
	"github.com/punchamoorthee/loanpay/internal/scheduler"
	"github.com/punchamoorthee/loanpay/internal/service"
	"github.com/punchamoorthee/loanpay/internal/store"
	"github.com/punchamoorthee/loanpay/internal/webhook"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal(err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("Unable to migrate database: %v", err)
	}

	// Money movement
	ledger := db.Ledger()
	gw := gateway.NewClient(gateway.Config{
		BaseURL:         cfg.Gateway.BaseURL,
		ClientID:        cfg.Gateway.ClientID,
		ClientSecret:    cfg.Gateway.ClientSecret,
		Timeout:         cfg.Gateway.Timeout(),
		SafetyMargin:    cfg.Gateway.SafetyMargin(),
		BulkConcurrency: cfg.Gateway.BulkConcurrency,
	}, ledger, logger)

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		log.Fatalf("Unable to create settlement publisher: %v", err)
	}
	defer publisher.Close()

	processor := webhook.NewProcessor(cfg.Webhook.Secret, ledger, db.Effects(), logger)
	service.NewSettlementService(publisher, logger).Register(processor)

	// Notifications
	var smsProvider, emailProvider notify.Provider
	if cfg.SMS.BaseURL != "" {
		smsProvider = notify.NewSMSProvider(cfg.SMS.BaseURL, cfg.SMS.APIKey, cfg.SMS.SenderID, cfg.SMS.Timeout())
	}
	if cfg.SMTP.Host != "" {
		emailProvider = notify.NewEmailProvider(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From, cfg.SMTP.Timeout())
	}
	notes := db.Notifications()
	composer := notify.NewComposer(notify.ComposerConfig{
		SMSEnabled:              cfg.Notify.SMSEnabled,
		EmailEnabled:            cfg.Notify.EmailEnabled,
		ReminderOffsets:         cfg.Notify.ReminderOffsets,
		EscalationThresholdDays: cfg.Notify.EscalationThresholdDays,
	})
	dispatcher := notify.NewDispatcher(notes, smsProvider, emailProvider, cfg.Notify.HumanHandoffDays, logger)
	sweeper := notify.NewSweeper(db.Installments(), notes, composer, dispatcher, notify.SweeperConfig{
		Concurrency:   cfg.Notify.SweepConcurrency,
		RecoveryAfter: cfg.Notify.PendingRecoveryAfter(),
	}, logger)

	// Scheduler
	var locker scheduler.Locker
	if cfg.Redis.URL != "" {
		rdb, err := scheduler.Connect(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Unable to connect to redis: %v", err)
		}
		defer rdb.Close()
		locker = scheduler.NewRedisLocker(rdb, "")
	}
	sched := scheduler.New(scheduler.Config{
		MaxRetries: cfg.Scheduler.MaxRetries,
		RetryDelay: cfg.Scheduler.RetryDelay(),
		LockTTL:    cfg.Scheduler.LockTTL(),
	}, db.Tasks(), locker, logger)
	if err := registerTasks(ctx, sched, sweeper, cfg.Scheduler); err != nil {
		log.Fatalf("Unable to register scheduled tasks: %v", err)
	}
	if cfg.Scheduler.AutoStart {
		sched.Start(ctx)
	}

	handler := api.NewHandler(gw, ledger, processor, sched, notes, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "environment", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	sched.Stop()
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return events.NewLogPublisher(logger), nil
	}
	return events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
}

// registerTasks installs the three notification jobs. Interval and name
// come from config; enabled state and retry count survive restarts.
func registerTasks(ctx context.Context, sched *scheduler.Scheduler, sweeper *notify.Sweeper, cfg config.SchedulerConfig) error {
	tasks := []struct {
		def domain.ScheduledTask
		job scheduler.Job
	}{
		{
			def: domain.ScheduledTask{ID: scheduler.ReminderSweep, Name: "Payment reminders", IntervalMinutes: cfg.ReminderIntervalMinutes, Enabled: true},
			job: func(ctx context.Context) error { _, err := sweeper.ReminderSweep(ctx); return err },
		},
		{
			def: domain.ScheduledTask{ID: scheduler.EscalationSweep, Name: "Overdue escalations", IntervalMinutes: cfg.EscalationIntervalMinutes, Enabled: true},
			job: func(ctx context.Context) error { _, err := sweeper.EscalationSweep(ctx); return err },
		},
		{
			def: domain.ScheduledTask{ID: scheduler.PendingRecovery, Name: "Pending notification recovery", IntervalMinutes: cfg.RecoveryIntervalMinutes, Enabled: true},
			job: func(ctx context.Context) error { _, err := sweeper.RecoverySweep(ctx); return err },
		},
	}
	for _, t := range tasks {
		if err := sched.Register(ctx, t.def, t.job); err != nil {
			return err
		}
	}
	return nil
}
