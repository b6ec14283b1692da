// Package telegram adapts the Telegram Bot API (telebot) to the
// transport.Channel contract and hosts the bot's own command surface:
// /connect binds a chat to a subscription through a one-time code,
// /stop disconnects it, /status reports the subscription state.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"fiscalbot/internal/store"
	"fiscalbot/internal/transport"
	logx "fiscalbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendTimeout bounds every Bot API call at the HTTP client level.
	SendTimeout time.Duration
}

// BotStore is the slice of the store the command handlers need.
type BotStore interface {
	ConsumeConnectCode(ctx context.Context, code string, now time.Time) (*store.ConnectCode, error)
	CreateConnection(ctx context.Context, subscriptionID, chatID int64, title string) (int64, error)
	DeactivateConnectionsByChat(ctx context.Context, chatID int64, reason string) (int64, error)
	SubscriptionsForChat(ctx context.Context, chatID int64) ([]int64, error)
	SubscriptionByID(ctx context.Context, id int64) (*store.Subscription, error)
	PreferencesFor(ctx context.Context, subscriptionID int64) (store.Preferences, error)
	PendingCount(ctx context.Context, subscriptionID int64) (int, error)
}

// Adapter owns the telebot instance. SendMessage classifies Bot API
// failures into the transport error taxonomy the delivery queue acts on.
type Adapter struct {
	cfg Config
	bot *tele.Bot
	st  BotStore
	log logx.Logger

	runMu   sync.Mutex
	running bool
}

func New(cfg Config, st BotStore, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		// The long-poll request must outlive the poll timeout; sends are
		// bounded well below it.
		Client: &http.Client{Timeout: cfg.PollTimeout + cfg.SendTimeout},
	})
	if err != nil {
		return nil, err
	}

	a := &Adapter{cfg: cfg, bot: b, st: st, log: log.With(logx.String("comp", "telegram"))}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return
	}
	a.running = true

	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()
	go func() {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	}()
}

func (a *Adapter) Stop(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	// telebot Stop is expected to be fast; run it async just in case.
	go a.bot.Stop()
}

// SendMessage implements transport.Channel.
func (a *Adapter) SendMessage(ctx context.Context, chatID int64, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg, err := a.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		return "", classifySendError(chatID, err)
	}
	return fmt.Sprintf("%d", msg.ID), nil
}

func classifySendError(chatID int64, err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.RateLimitedError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup),
		errors.Is(err, tele.ErrKickedFromChannel):
		return &transport.DestinationInvalidError{ChatID: chatID, Reason: err.Error()}
	}
	return err
}

// ---- command surface ----

const handlerTimeout = 10 * time.Second

func (a *Adapter) registerHandlers() {
	a.bot.Handle("/start", a.handleStart)
	a.bot.Handle("/connect", a.handleConnect)
	a.bot.Handle("/stop", a.handleStop)
	a.bot.Handle("/status", a.handleStatus)
}

func (a *Adapter) handleStart(c tele.Context) error {
	return c.Send("Send /connect <code> with the code from your client portal to receive terminal alerts here.\n" +
		"/status shows your subscription, /stop disconnects this chat.")
}

func (a *Adapter) handleConnect(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	code := strings.TrimSpace(c.Message().Payload)
	if code == "" {
		return c.Send("Usage: /connect <code>")
	}

	cc, err := a.st.ConsumeConnectCode(ctx, code, time.Now())
	if errors.Is(err, store.ErrCodeInvalid) {
		return c.Send("That code is invalid or has expired. Generate a new one in the portal.")
	}
	if err != nil {
		a.log.Error("connect code lookup failed", logx.Int64("chat_id", c.Chat().ID), logx.Err(err))
		return c.Send("Something went wrong, please try again.")
	}

	if _, err := a.st.CreateConnection(ctx, cc.SubscriptionID, c.Chat().ID, chatTitle(c.Chat())); err != nil {
		a.log.Error("creating connection failed",
			logx.Int64("chat_id", c.Chat().ID),
			logx.Int64("subscription_id", cc.SubscriptionID), logx.Err(err))
		return c.Send("Something went wrong, please try again.")
	}
	a.log.Info("chat connected",
		logx.Int64("chat_id", c.Chat().ID),
		logx.Int64("subscription_id", cc.SubscriptionID))
	return c.Send("Connected. Terminal alerts for your subscription will arrive in this chat.")
}

func (a *Adapter) handleStop(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	n, err := a.st.DeactivateConnectionsByChat(ctx, c.Chat().ID, "stopped by user")
	if err != nil {
		a.log.Error("disconnect failed", logx.Int64("chat_id", c.Chat().ID), logx.Err(err))
		return c.Send("Something went wrong, please try again.")
	}
	if n == 0 {
		return c.Send("This chat is not connected to any subscription.")
	}
	return c.Send("Disconnected. This chat will no longer receive alerts.")
}

func (a *Adapter) handleStatus(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	subIDs, err := a.st.SubscriptionsForChat(ctx, c.Chat().ID)
	if err != nil {
		a.log.Error("status lookup failed", logx.Int64("chat_id", c.Chat().ID), logx.Err(err))
		return c.Send("Something went wrong, please try again.")
	}
	if len(subIDs) == 0 {
		return c.Send("This chat is not connected to any subscription. Use /connect <code>.")
	}

	var b strings.Builder
	for _, id := range subIDs {
		sub, err := a.st.SubscriptionByID(ctx, id)
		if err != nil || sub == nil {
			continue
		}
		prefs, err := a.st.PreferencesFor(ctx, id)
		if err != nil {
			continue
		}
		pending, _ := a.st.PendingCount(ctx, id)

		sevs := make([]string, 0, len(prefs.Severities))
		for _, s := range prefs.Severities {
			sevs = append(sevs, string(s))
		}
		fmt.Fprintf(&b, "Subscription for %s: %s, expires %s\n",
			sub.ClientINN, sub.Status, sub.ExpiresAt.Format("02.01.2006"))
		fmt.Fprintf(&b, "Alert levels: %s\n", strings.Join(sevs, ", "))
		fmt.Fprintf(&b, "Queued alerts: %d\n", pending)
	}
	if b.Len() == 0 {
		return c.Send("Subscription details are unavailable right now.")
	}
	return c.Send(strings.TrimRight(b.String(), "\n"))
}

func chatTitle(chat *tele.Chat) string {
	if chat == nil {
		return ""
	}
	if chat.Title != "" {
		return chat.Title
	}
	return strings.TrimSpace(chat.FirstName + " " + chat.LastName)
}
