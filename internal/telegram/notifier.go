// Package telegram pages the on-duty doctors' Telegram group when users ask
// for a consultation.
package telegram

import (
	"careline/backend/internal/config"
	"careline/backend/internal/localization"
	"careline/backend/internal/models"
	"careline/backend/internal/storage"
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Sender is the part of *tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier watches the pending-request queue and posts one message per new request.
type Notifier struct {
	Bot       Sender
	ChatID    int64
	Storage   storage.Storage
	Localizer *localization.Localizer
	Lang      string
	// RetryDelay is how long Run waits before trying failed announcements
	// again when the queue itself has not changed.
	RetryDelay time.Duration
	log        *zap.Logger

	// notified holds request ids already announced and still pending.
	notified map[string]struct{}
}

// NewBotAPI authorizes the bot token.
func NewBotAPI(token string, log *zap.Logger) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram authorization: %w", err)
	}
	bot.Debug = false
	log.Info("telegram bot authorized", zap.String("username", bot.Self.UserName))
	return bot, nil
}

// NewNotifier creates a new Notifier instance.
func NewNotifier(bot Sender, chatID int64, s storage.Storage, l *localization.Localizer, lang string, log *zap.Logger) *Notifier {
	return &Notifier{
		Bot:        bot,
		ChatID:     chatID,
		Storage:    s,
		Localizer:  l,
		Lang:       lang,
		RetryDelay: config.NotifyRetryDelay,
		log:        log.Named("notifier"),
		notified:   make(map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	updates := make(chan []models.ChatRequest, 1)
	sub := n.Storage.WatchPendingRequests(func(reqs []models.ChatRequest, err error) {
		if err != nil {
			n.log.Warn("pending request watch failed", zap.Error(err))
			return
		}
		// Keep only the newest snapshot.
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- reqs:
		default:
		}
	})
	defer sub.Cancel()

	n.log.Info("on-duty notifier started", zap.Int64("chat_id", n.ChatID))
	var (
		last  []models.ChatRequest
		retry *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reqs := <-updates:
			last = reqs
		case <-fire:
		}
		if retry != nil {
			retry.Stop()
			retry, fire = nil, nil
		}
		if failed := n.Handle(ctx, last); failed > 0 {
			retry = time.NewTimer(n.RetryDelay)
			fire = retry.C
		}
	}
}

// Handle announces requests not seen in earlier snapshots and returns how
// many announcements failed. A user who is accepted and later asks again is
// announced again.
func (n *Notifier) Handle(ctx context.Context, reqs []models.ChatRequest) int {
	failed := 0
	current := make(map[string]struct{}, len(reqs))
	for _, r := range reqs {
		if !r.Pending() {
			continue
		}
		current[r.UserID] = struct{}{}
		if _, ok := n.notified[r.UserID]; ok {
			continue
		}
		if err := n.announce(ctx, r); err != nil {
			n.log.Error("failed to notify on-duty chat", zap.String("user_id", r.UserID), zap.Error(err))
			// Left out of notified so the next snapshot tries again.
			delete(current, r.UserID)
			failed++
			continue
		}
	}
	n.notified = current
	return failed
}

func (n *Notifier) announce(ctx context.Context, r models.ChatRequest) error {
	text := n.Localizer.GetString(n.Lang, "request_pending_anonymous")
	profile, err := n.Storage.GetProfile(ctx, r.UserID)
	switch {
	case err == nil && profile.Name != "":
		text = n.Localizer.Format(n.Lang, "request_pending", profile.Name)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		n.log.Warn("requester profile lookup failed", zap.String("user_id", r.UserID), zap.Error(err))
	}

	msg := tgbotapi.NewMessage(n.ChatID, text)
	if _, err := n.Bot.Send(msg); err != nil {
		return err
	}
	n.log.Info("on-duty chat notified", zap.String("user_id", r.UserID))
	return nil
}
