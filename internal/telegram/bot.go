package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"token-alert-bot/internal/metrics"
	"token-alert-bot/internal/types"
	"token-alert-bot/lib/helpers"
	"token-alert-bot/lib/translation"
)

const commandTimeout = 20 * time.Second

// NewBot creates new telegram bot
func NewBot(c BotConfig, alerts AlertService, m *metrics.BotMetrics) (*Bot, error) {
	bot, err := tgbotapi.NewBotAPI(c.Token)
	if err != nil {
		return nil, errors.Wrap(err, "could not create telegram bot")
	}

	bot.Debug = c.Debug
	if m == nil {
		m = metrics.NewBotMetrics(nil)
	}

	return &Bot{
		Bot:     bot,
		Config:  c,
		alerts:  alerts,
		metrics: m,
		api:     bot,
	}, nil
}

// GetUpdatesChannel gets new updates updates
func (b *Bot) GetUpdatesChannel() (tgbotapi.UpdatesChannel, error) {
	updatesConfig := tgbotapi.NewUpdate(0)
	if b.Config.UpdatesTimeout > 0 {
		updatesConfig.Timeout = b.Config.UpdatesTimeout
	}
	return b.Bot.GetUpdatesChan(updatesConfig), nil
}

// StopReceivingUpdates closes the updates channel.
func (b *Bot) StopReceivingUpdates() {
	b.Bot.StopReceivingUpdates()
}

// SendMessage sends a telegram message
func (b *Bot) SendMessage(m Message) error {
	msg := tgbotapi.NewMessage(m.ChatID, m.Text)
	msg.ReplyToMessageID = m.MessageID
	msg.DisableWebPagePreview = true
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	_, err := b.api.Send(msg)
	return errors.Wrapf(err, "could not send message to %d", m.ChatID)
}

// Notify delivers a triggered alert to its owner. The Telegram client has no
// context support, so the send is abandoned (not cancelled) when ctx ends.
func (b *Bot) Notify(ctx context.Context, n types.Notification) error {
	done := make(chan error, 1)
	go func() {
		done <- b.SendMessage(Message{ChatID: n.Owner, Text: FormatNotification(n)})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "notify %d", n.Owner)
	}
}

// HandleUpdates answers commands until updates is closed.
func (b *Bot) HandleUpdates(updates tgbotapi.UpdatesChannel) {
	for update := range updates {
		if update.Message == nil || !update.Message.IsCommand() {
			log.Debug("Received non-message or non-command")
			continue
		}
		b.metrics.MessagesHandled.Inc()
		b.handleCommand(update)
	}
}

func (b *Bot) handleCommand(update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Recovered from panic handling %q: %v", update.Message.Text, r)
		}
	}()

	text := b.HandleUpdate(update)
	if text == "" {
		return
	}

	err := b.SendMessage(Message{
		ChatID:    update.Message.Chat.ID,
		Text:      text,
		MessageID: update.Message.MessageID,
	})
	if err != nil {
		log.Errorf("Failed to send message: %v", err)
	} else {
		b.metrics.CommandsProcessed.WithLabelValues(update.Message.Command()).Inc()
	}
}

// HandleUpdate processes Telegram updates and returns the MarkdownV2 reply.
func (b *Bot) HandleUpdate(u tgbotapi.Update) string {
	chatID := u.Message.Chat.ID
	args := u.Message.CommandArguments()
	log.Debugf("received command: %s", u.Message.Command())

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch u.Message.Command() {
	case "add":
		return b.handleAdd(ctx, chatID, args)
	case "list":
		return b.handleList(ctx, chatID, false)
	case "history":
		return b.handleList(ctx, chatID, true)
	case "delete":
		return b.handleDelete(ctx, chatID, args)
	case "start":
		return helpers.EscapeMarkdownV2(translation.Translate("Welcome! Use /add to create alerts, /list to see them.")) +
			"\n\n" + usage()
	default:
		return usage()
	}
}

func usage() string {
	return helpers.EscapeMarkdownV2(translation.Translate(
		"Usage:\n" +
			"/add <token> above|below <price>\n" +
			"/add <token> up|down|move <percent> [5m|1h|6h|24h]\n" +
			"/add <token> pump|dump <percent>\n" +
			"/list, /history, /delete <id>\n\n" +
			"<token> is a contract address, optionally prefixed with its chain (solana:<mint>)."))
}

func (b *Bot) handleAdd(ctx context.Context, chatID int64, args string) string {
	req, err := ParseAddArguments(chatID, args)
	if err != nil {
		log.Debugf("bad /add arguments %q: %v", args, err)
		return usage()
	}

	a, err := b.alerts.Create(ctx, req)
	switch {
	case errors.Is(err, types.ErrQuoteUnavailable):
		return helpers.EscapeMarkdownV2(translation.Translate("Could not resolve token %s. Check the address and try again.", req.Target.String()))
	case errors.Is(err, types.ErrInvalidAlert):
		return helpers.EscapeMarkdownV2(translation.Translate("Could not create alert: %s", reason(err)))
	case err != nil:
		log.WithError(err).Error("Failed to create alert")
		return helpers.EscapeMarkdownV2(translation.Translate("Could not create alert. Please try again later."))
	}

	b.metrics.AlertsCreated.Inc()
	return fmt.Sprintf("✅ %s *%s*\n▫️ %s\n▫️ `%s`",
		helpers.EscapeMarkdownV2(translation.Translate("Alert added for")),
		helpers.EscapeMarkdownV2(displayName(a.Name, a.Symbol, a.Target)),
		describeRule(a.Kind, a.Direction, a.Timeframe, a.Threshold),
		a.ID,
	)
}

func reason(err error) string {
	var invalid *types.InvalidAlertError
	if errors.As(err, &invalid) {
		return invalid.Reason
	}
	return err.Error()
}

func (b *Bot) handleList(ctx context.Context, chatID int64, settled bool) string {
	alerts, err := b.alerts.List(ctx, chatID)
	if err != nil {
		log.WithError(err).Error("Error fetching alerts")
		return helpers.EscapeMarkdownV2(translation.Translate("Failed to fetch alerts. Please try again later."))
	}

	var selected []types.Alert
	for _, a := range alerts {
		if a.State.Terminal() == settled {
			selected = append(selected, a)
		}
	}

	if len(selected) == 0 {
		if settled {
			return helpers.EscapeMarkdownV2(translation.Translate("No alert history."))
		}
		return helpers.EscapeMarkdownV2(translation.Translate("No active alerts."))
	}

	header := translation.TranslateN("%d active alert", "%d active alerts", len(selected), len(selected))
	if settled {
		header = translation.TranslateN("%d past alert", "%d past alerts", len(selected), len(selected))
	}
	return FormatAlertList(header, selected, time.Now())
}

func (b *Bot) handleDelete(ctx context.Context, chatID int64, args string) string {
	id := strings.TrimSpace(args)
	if id == "" {
		return usage()
	}

	err := b.alerts.Delete(ctx, chatID, id)
	switch {
	case errors.Is(err, types.ErrNotFound):
		return helpers.EscapeMarkdownV2(translation.Translate("Alert not found."))
	case err != nil:
		log.WithError(err).Error("Failed to delete alert")
		return helpers.EscapeMarkdownV2(translation.Translate("Could not delete alert. Please try again later."))
	}
	return helpers.EscapeMarkdownV2(translation.Translate("✅ Alert deleted."))
}
