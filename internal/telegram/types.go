package telegram

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"token-alert-bot/internal/alert"
	"token-alert-bot/internal/metrics"
	"token-alert-bot/internal/types"
)

// BotConfig configuration of the bot
type BotConfig struct {
	Token          string
	Debug          bool
	UpdatesTimeout int
}

// AlertService is the command surface the bot drives.
type AlertService interface {
	Create(ctx context.Context, req alert.CreateRequest) (types.Alert, error)
	List(ctx context.Context, owner int64) ([]types.Alert, error)
	Delete(ctx context.Context, owner int64, id string) error
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bot telegram interaction client
type Bot struct {
	Bot     *tgbotapi.BotAPI
	Config  BotConfig
	alerts  AlertService
	metrics *metrics.BotMetrics
	api     sender
}

// Message a telegram message struct
type Message struct {
	ChatID    int64
	MessageID int
	Text      string
}
