package config

import (
	"github.com/spf13/viper"
	"strconv"
	"strings"
	"sync"
	"time"
)

var once sync.Once

func InitConfig() {
	once.Do(func() {
		viper.AutomaticEnv()

		viper.BindEnv("metrics_port", "METRICS_PORT")
		viper.BindEnv("telegram_bot_token", "TELEGRAM_BOT_TOKEN")
		viper.BindEnv("db_path", "DB_PATH")
		viper.BindEnv("debug", "DEBUG")
		viper.BindEnv("lang", "LANG")

		// alert engine
		viper.BindEnv("poll_interval", "POLL_INTERVAL")
		viper.BindEnv("quote_timeout", "QUOTE_TIMEOUT")
		viper.BindEnv("notify_timeout", "NOTIFY_TIMEOUT")
		viper.BindEnv("expiry_window", "EXPIRY_WINDOW")
		viper.BindEnv("eval_concurrency", "EVAL_CONCURRENCY")
		viper.BindEnv("retain_settled", "RETAIN_SETTLED")
		viper.BindEnv("retry_min_backoff", "RETRY_MIN_BACKOFF")
		viper.BindEnv("retry_max_backoff", "RETRY_MAX_BACKOFF")
		viper.BindEnv("metrics_save_interval", "METRICS_SAVE_INTERVAL")

		// quote source
		viper.BindEnv("dexscreener_url", "DEXSCREENER_URL")
		viper.BindEnv("quote_rate_limit", "QUOTE_RATE_LIMIT")

		viper.SetDefault("metrics_port", 9090)
		viper.SetDefault("db_path", "/app/data/alerts.db")
		viper.SetDefault("debug", false)
		viper.SetDefault("lang", "en")

		viper.SetDefault("poll_interval", 30*time.Second)
		viper.SetDefault("quote_timeout", 10*time.Second)
		viper.SetDefault("notify_timeout", 15*time.Second)
		viper.SetDefault("expiry_window", 24*time.Hour)
		viper.SetDefault("eval_concurrency", 8)
		viper.SetDefault("retain_settled", true)
		viper.SetDefault("retry_min_backoff", 5*time.Second)
		viper.SetDefault("retry_max_backoff", 5*time.Minute)
		viper.SetDefault("metrics_save_interval", 5*time.Minute)

		viper.SetDefault("dexscreener_url", "https://api.dexscreener.com")
		viper.SetDefault("quote_rate_limit", 4.0)
	})
}

func GetString(key string) string {
	InitConfig()
	return viper.GetString(key)
}

func GetInt(key string) int {
	InitConfig()
	return viper.GetInt(key)
}

func GetBool(key string) bool {
	InitConfig()
	return viper.GetBool(key)
}

func GetFloat64(key string) float64 {
	InitConfig()
	return viper.GetFloat64(key)
}

// GetDuration accepts Go duration strings ("45s", "2m") from the environment.
// A bare number is read as seconds, not nanoseconds.
func GetDuration(key string) time.Duration {
	InitConfig()
	if n, err := strconv.ParseInt(strings.TrimSpace(viper.GetString(key)), 10, 64); err == nil {
		return time.Duration(n) * time.Second
	}
	return viper.GetDuration(key)
}
