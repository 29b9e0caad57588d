package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/agent"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/availability"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/calendar"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/config"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/database"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/events"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/llm"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/messaging"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/metrics"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/reminders"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/server"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/session"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/sweeper"
)

func main() {
	_ = godotenv.Load()

	// Initialize logger
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger()

	cfg, err := config.Load(os.Getenv("BOT_CONFIG_PATH"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.LLM.BaseURL == "" || cfg.LLM.Model == "" {
		logger.Fatal().Msg("set llm.base_url and llm.model in config")
	}
	if cfg.WhatsApp.BaseURL == "" || cfg.WhatsApp.Instance == "" {
		logger.Fatal().Msg("set whatsapp.base_url and whatsapp.instance in config")
	}

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db error")
	}
	defer db.Close()

	clinic, err := config.NewClinicProvider(cfg.Clinic.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("load clinic config error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.WatchClinic(ctx, clinic, cfg.ClinicWatchInterval(), func(c *config.ClinicConfig) {
		logger.Info().Str("summary", c.String()).Msg("clinic config updated")
	}); err != nil {
		logger.Fatal().Err(err).Msg("watch clinic config error")
	}

	// Session store: sqlite is durable; redis, when configured, fronts it.
	locks := session.NewLocks()
	sqliteStore := session.NewSQLiteStore(db)
	var store session.Store = sqliteStore
	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisStore := session.NewRedisStore(rdb, cfg.SessionTTL())
		store = session.NewFailoverStore(redisStore, sqliteStore, &logger)
	}

	engine := availability.New(db)
	completer := llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model,
		cfg.LLM.Temperature, cfg.LLM.MaxTokens)
	whatsapp := messaging.New(cfg.WhatsApp.BaseURL, cfg.WhatsApp.Instance, cfg.WhatsApp.APIKey,
		cfg.WhatsApp.TypingDelay, cfg.WhatsApp.SendRate, &logger)

	var cal agent.CalendarSyncer = calendar.Noop{}
	if cfg.Calendar.Enabled {
		gcal, err := calendar.NewGoogle(ctx, cfg.Calendar.CredentialsFile,
			cfg.Calendar.CalendarID, cfg.Calendar.TimeZone, &logger)
		if err != nil {
			logger.Warn().Err(err).Msg("calendar disabled: service init failed")
		} else {
			cal = gcal
		}
	}

	bus := events.NewBus()
	bus.Subscribe("", func(e events.Event) {
		logger.Warn().Str("event", e.Type).Str("sender", e.Sender).
			Str("detail", e.Detail).Msg("operator flag")
	})

	metrics.Register()

	bot := agent.New(store, locks, engine, db, completer, cal, clinic, bus, &logger, cfg.HandoffPause())

	sweep := sweeper.New(sweeper.Config{
		Interval:      cfg.SweepInterval(),
		IdleThreshold: cfg.IdleThreshold(),
	}, db, store, locks, whatsapp, &logger)
	sweep.Start(ctx)
	defer sweep.Stop()

	if cfg.Reminders.Enabled {
		remind := reminders.New(reminders.Config{
			CheckInterval: cfg.ReminderCheckInterval(),
			SendAfterHour: cfg.Reminders.SendAfterHour,
		}, db, whatsapp, &logger)
		remind.Start(ctx)
		defer remind.Stop()
	}

	backup := database.NewBackupService(cfg.Database.Path, database.BackupConfig{
		Enabled:       cfg.Backup.Enabled,
		IntervalHours: cfg.Backup.IntervalHours,
		Path:          cfg.Backup.Path,
		RetentionDays: cfg.Backup.RetentionDays,
	}, &logger)
	go backup.Start(ctx)

	if cfg.Server.HealthPort == 0 {
		cfg.Server.HealthPort = 8090
	}
	go startHealthServer(ctx, cfg.Server.HealthPort, db, rdb, &logger)

	if cfg.Server.MetricsEnable {
		if cfg.Server.MetricsPort == 0 {
			cfg.Server.MetricsPort = 9090
		}
		go startMetricsServer(ctx, cfg.Server.MetricsPort, &logger)
	}

	srv := server.New(bot, whatsapp, db, clinic, cfg.Server.AdminToken, &logger)
	logger.Info().Str("addr", cfg.Server.Address).Msg("clinic bot started")
	if err := srv.Run(ctx, cfg.Server.Address); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func startHealthServer(ctx context.Context, port int, db *database.DB, rdb *redis.Client, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ctxPing, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := db.PingContext(ctxPing); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if rdb != nil {
			if err := rdb.Ping(ctxPing).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("health server error")
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
