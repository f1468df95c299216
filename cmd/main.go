package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"token-alert-bot/config"
	"token-alert-bot/internal/alert"
	"token-alert-bot/internal/database"
	"token-alert-bot/internal/metrics"
	"token-alert-bot/internal/price"
	"token-alert-bot/internal/telegram"
	"token-alert-bot/lib/translation"
)

func init() {
	config.InitConfig()
	setupLogging()
}

func main() {
	translation.Configure("locales", config.GetString("lang"))
	log.Infof("Using language %s", translation.GetLanguage())

	db, err := database.InitDB(config.GetString("db_path"))
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	engineMetrics := metrics.NewEngineMetrics(prometheus.DefaultRegisterer)
	botMetrics := metrics.NewBotMetrics(prometheus.DefaultRegisterer)
	loadMetrics(db, engineMetrics, botMetrics)

	quotes := price.NewClient(price.Config{
		BaseURL:       config.GetString("dexscreener_url"),
		Timeout:       config.GetDuration("quote_timeout"),
		RatePerSecond: config.GetFloat64("quote_rate_limit"),
	})
	service := alert.NewService(db, quotes)

	bot, err := telegram.NewBot(telegram.BotConfig{
		Token:          config.GetString("telegram_bot_token"),
		Debug:          config.GetBool("debug"),
		UpdatesTimeout: 60,
	}, service, botMetrics)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}

	engine := alert.NewEngine(db, quotes, bot, alert.Config{
		Interval:      config.GetDuration("poll_interval"),
		QuoteTimeout:  config.GetDuration("quote_timeout"),
		NotifyTimeout: config.GetDuration("notify_timeout"),
		ExpiryWindow:  config.GetDuration("expiry_window"),
		Concurrency:   config.GetInt("eval_concurrency"),
		RetainSettled: config.GetBool("retain_settled"),
		RetryMin:      config.GetDuration("retry_min_backoff"),
		RetryMax:      config.GetDuration("retry_max_backoff"),
	}, alert.WithMetrics(engineMetrics))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	updates, err := bot.GetUpdatesChannel()
	if err != nil {
		log.Fatalf("Failed to get updates channel: %v", err)
	}
	go bot.HandleUpdates(updates)

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(ctx); err != nil {
			log.Errorf("Alert engine stopped: %v", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(config.GetDuration("metrics_save_interval"))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				saveMetrics(db, engineMetrics, botMetrics)
			}
		}
	}()

	server := newMetricsAndHealthServer(config.GetInt("metrics_port"), db)
	go func() {
		log.Infof("Launching metrics and health endpoint on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start metrics and health server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	bot.StopReceivingUpdates()
	<-engineDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Failed to stop metrics server: %v", err)
	}

	saveMetrics(db, engineMetrics, botMetrics)
	log.Println("Metrics saved, bye")
}

func setupLogging() {
	log.SetLevel(log.InfoLevel)
	if config.GetBool("debug") {
		log.SetLevel(log.DebugLevel)
	}
	log.Debug("Starting token alert bot...")
}

func newMetricsAndHealthServer(port int, db *database.DB) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func loadMetrics(db *database.DB, engine *metrics.EngineMetrics, bot *metrics.BotMetrics) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	values, err := db.LoadMetrics(ctx)
	if err != nil {
		log.Errorf("Failed to load metrics: %v", err)
		return
	}
	metrics.Restore(engine, bot, values)
	log.Println("Metrics loaded from database.")
}

func saveMetrics(db *database.DB, engine *metrics.EngineMetrics, bot *metrics.BotMetrics) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.SaveMetrics(ctx, metrics.Snapshot(engine, bot)); err != nil {
		log.Errorf("Failed to save metrics: %v", err)
		return
	}
	log.Debug("Metrics saved to database.")
}
