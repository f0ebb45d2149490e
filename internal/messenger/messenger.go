// Package messenger sends bot-initiated messages: channel notifications,
// admin alerts and the inactive-driver prompt.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/m3rciful/taxibot/core/logger"
	"github.com/m3rciful/taxibot/core/telegram/keyboard"
	"github.com/m3rciful/taxibot/core/telegram/sender"
	"github.com/m3rciful/taxibot/internal/model"

	tele "gopkg.in/telebot.v4"
)

// Callback identifiers of the inactive prompt keyboard.
const (
	InactiveUnique = "inactive"
	InactiveOK     = "ok"
	InactiveHelp   = "help"
)

var (
	// ErrNotBound is returned before the bot runtime is attached.
	ErrNotBound = errors.New("messenger: bot not bound")
	// ErrNoChat is returned when the target chat setting is missing.
	ErrNoChat = errors.New("messenger: chat not configured")
)

// API is the part of *tele.Bot used for sending.
type API interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Settings resolves chat ids stored as settings.
type Settings interface {
	Setting(ctx context.Context, key string) (string, bool, error)
}

// Languages resolves a user's preferred language.
type Languages interface {
	UserLanguage(ctx context.Context, telegramID int64) (string, error)
}

// Messenger is safe for concurrent use. Sends fail with ErrNotBound until
// Bind is called.
type Messenger struct {
	settings     Settings
	langs        Languages
	inactiveDays int

	mu  sync.RWMutex
	api API
	out Poster
}

// Poster queues outbound calls; *sender.Outbox implements it.
type Poster interface {
	Post(ctx context.Context, j sender.Job) error
}

// New creates an unbound Messenger.
func New(settings Settings, langs Languages, inactiveDays int) *Messenger {
	return &Messenger{settings: settings, langs: langs, inactiveDays: inactiveDays}
}

// Bind attaches the bot and the optional outbound queue.
func (m *Messenger) Bind(api API, out Poster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.api = api
	m.out = out
}

func (m *Messenger) bound() (API, Poster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.api == nil {
		return nil, nil, ErrNotBound
	}
	return m.api, m.out, nil
}

// Send delivers text to a chat synchronously.
func (m *Messenger) Send(ctx context.Context, to tele.Recipient, text string, opts ...interface{}) error {
	api, _, err := m.bound()
	if err != nil {
		return err
	}
	if _, err := api.Send(to, text, opts...); err != nil {
		return fmt.Errorf("messenger: send to %s: %w", to.Recipient(), err)
	}
	return nil
}

// Notify posts text to the update info channel. A missing channel setting
// skips the notification.
func (m *Messenger) Notify(ctx context.Context, text string) error {
	return m.post(ctx, model.SettingUpdateChannel, text)
}

// NotifyAdmins posts text to the admin group.
func (m *Messenger) NotifyAdmins(ctx context.Context, text string) error {
	return m.post(ctx, model.SettingAdminGroup, text)
}

func (m *Messenger) post(ctx context.Context, key, text string) error {
	api, out, err := m.bound()
	if err != nil {
		return err
	}
	to, err := m.chat(ctx, key)
	if errors.Is(err, ErrNoChat) {
		logger.Info(ctx, logger.CompTGSender, "notify.skip",
			slog.String("status", "skip"),
			slog.String("setting", key),
		)
		return nil
	}
	if err != nil {
		return err
	}
	send := func(context.Context) error {
		_, err := api.Send(to, text)
		return err
	}
	if out == nil {
		return send(ctx)
	}
	err = out.Post(ctx, sender.Job{Kind: key, Chat: chatKey(to), Run: send})
	if errors.Is(err, sender.ErrFull) || errors.Is(err, sender.ErrClosed) {
		return send(ctx)
	}
	return err
}

func (m *Messenger) chat(ctx context.Context, key string) (tele.Recipient, error) {
	v, ok, err := m.settings.Setting(ctx, key)
	if err != nil {
		return nil, err
	}
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return nil, ErrNoChat
	}
	return ParseChat(v)
}

// ParseChat accepts a numeric chat id or an @username.
func ParseChat(v string) (tele.Recipient, error) {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "@") && len(v) > 1 {
		return chatName(v), nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("messenger: invalid chat %q", v)
	}
	return tele.ChatID(id), nil
}

type chatName string

func (c chatName) Recipient() string { return string(c) }

// chatKey orders queued posts per destination; named channels share a lane
// keyed by a hash of the name.
func chatKey(to tele.Recipient) int64 {
	if id, ok := to.(tele.ChatID); ok {
		return int64(id)
	}
	var h int64
	for _, r := range to.Recipient() {
		h = h*31 + int64(r)
	}
	return h
}

// SendInactivePrompt asks a driver whether everything is fine, with a
// two-button keyboard.
func (m *Messenger) SendInactivePrompt(ctx context.Context, d model.Driver) error {
	lang := m.language(ctx, d.TelegramID)
	return m.Send(ctx, tele.ChatID(d.TelegramID),
		T(lang, TextInactivePrompt, m.inactiveDays),
		InactiveKeyboard(lang),
	)
}

// InactiveKeyboard renders the need-help / all-good buttons.
func InactiveKeyboard(lang string) *tele.ReplyMarkup {
	return keyboard.Column(InactiveUnique,
		keyboard.Choice{Label: T(lang, TextInactiveOK), Payload: InactiveOK},
		keyboard.Choice{Label: T(lang, TextInactiveHelp), Payload: InactiveHelp},
	)
}

func (m *Messenger) language(ctx context.Context, telegramID int64) string {
	if m.langs == nil {
		return model.LangUz
	}
	lang, err := m.langs.UserLanguage(ctx, telegramID)
	if err != nil {
		logger.Warn(ctx, logger.CompTGSender, "user.language", slog.String("status", "fail"), logger.Err(err))
	}
	return lang
}
