package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/m3rciful/taxibot/core/logger"
	tg "github.com/m3rciful/taxibot/core/telegram"
	"github.com/m3rciful/taxibot/core/telegram/callbacks"
	tghelpers "github.com/m3rciful/taxibot/core/telegram/helpers"
	"github.com/m3rciful/taxibot/core/telegram/state"
	"github.com/m3rciful/taxibot/internal/messenger"
	"github.com/m3rciful/taxibot/internal/model"
	"github.com/m3rciful/taxibot/internal/scheduler"
	"github.com/m3rciful/taxibot/internal/storage"

	tele "gopkg.in/telebot.v4"
)

// Conversation states.
const (
	StateAwaitSetting      state.State = "await_setting"
	StateAwaitProblem      state.State = "await_problem"
	StateAwaitRejectReason state.State = "await_reject_reason"
)

const (
	tempSettingKey   = "setting_key"
	tempRejectTarget = "reject_target"
	maxRecentDays    = 30
	tripTimeLayout   = "02.01.2006 15:04"
)

// Store is the persistence used by chat handlers.
type Store interface {
	DriverByTelegramID(ctx context.Context, telegramID int64) (model.Driver, error)
	CreateDriver(ctx context.Context, telegramID int64, fleetID string) (model.Driver, error)
	EnsureUser(ctx context.Context, telegramID int64, language string) (model.User, error)
	SetRegistrationStatus(ctx context.Context, telegramID int64, status string) error
	UserLanguage(ctx context.Context, telegramID int64) (string, error)
	Setting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	Settings(ctx context.Context) (map[string]string, error)
	LogAction(ctx context.Context, a model.AdminAction) error

	CountUsers(ctx context.Context) (int, error)
	CountPendingRegistrations(ctx context.Context) (int, error)
	CountDrivers(ctx context.Context) (int, error)
	ActiveDrivers(ctx context.Context) ([]model.Driver, error)
	InactiveDrivers(ctx context.Context, since time.Time) ([]model.Driver, error)
}

// Syncer refreshes one driver.
type Syncer interface {
	SyncDriver(ctx context.Context, telegramID int64) bool
}

// Jobs queues background sync work.
type Jobs interface {
	EnqueueDriverSync(telegramID int64)
	EnqueueFullSweep(ctx context.Context)
	EnqueueRecentSweep(ctx context.Context, days int)
	Entries() []scheduler.Entry
}

// QueueStatus reports the task queue load.
type QueueStatus interface {
	Len() int
	Active() int
}

// Messenger delivers messages outside the current chat.
type Messenger interface {
	Send(ctx context.Context, to tele.Recipient, text string, opts ...interface{}) error
	NotifyAdmins(ctx context.Context, text string) error
}

// Handlers implements the bot commands, callbacks and conversation steps.
type Handlers struct {
	Store     Store
	Syncer    Syncer
	Jobs      Jobs
	Queue     QueueStatus
	Messenger Messenger
	Sessions  state.Manager

	IsAdmin        func(userID int64) bool
	ManualCooldown time.Duration
	RecentDays     int
	InactiveDays   int
	Location       *time.Location
	Now            func() time.Time
}

// Register binds every command, callback and conversation state.
func (h *Handlers) Register(reg *tg.Registry) error {
	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Location == nil {
		h.Location = time.UTC
	}
	if h.InactiveDays <= 0 {
		h.InactiveDays = 7
	}

	cmds := []tg.Command{
		{Name: "/start", Description: "Start", Handler: h.start},
		{Name: "/refresh", Description: "Refresh my data", Handler: h.refresh},
		{Name: "/balance", Description: "My balance", Handler: h.balance},
		{Name: "/cancel", Access: tg.Hidden, Handler: h.cancel},

		{Name: "/sync_full", Description: "Run a full fleet sync", Access: tg.Admin, Handler: h.syncFull},
		{Name: "/sync_recent", Description: "Sync recently added drivers [days]", Access: tg.Admin, Handler: h.syncRecent},
		{Name: "/queue", Description: "Sync queue status", Access: tg.Admin, Handler: h.queueStatus},
		{Name: "/approve", Description: "Link a driver: <telegram_id> <fleet_id>", Access: tg.Admin, Handler: h.approve},
		{Name: "/reject", Description: "Reject a registration: <telegram_id>", Access: tg.Admin, Handler: h.reject},
		{Name: "/stats", Description: "Bot statistics", Access: tg.Admin, Handler: h.stats},
		{Name: "/settings", Description: "Show settings", Access: tg.Admin, Handler: h.settings},
		{Name: "/set", Description: "Change a setting: <key> [value]", Access: tg.Admin, Handler: h.set},
	}
	var errs []error
	for _, cmd := range cmds {
		errs = append(errs, reg.Command(cmd))
	}
	errs = append(errs, reg.Callback(messenger.InactiveUnique, h.inactiveAnswer))
	if err := errors.Join(errs...); err != nil {
		return err
	}

	reg.SetTextFallback(h.unknownText)
	reg.SetCallbackNotFound(h.staleCallback)

	h.Sessions.Handle(StateAwaitSetting, h.settingValue)
	h.Sessions.Handle(StateAwaitProblem, h.problemText)
	h.Sessions.Handle(StateAwaitRejectReason, h.rejectReason)
	return nil
}

func senderID(c tele.Context) int64 {
	if u := c.Sender(); u != nil {
		return u.ID
	}
	return 0
}

func (h *Handlers) lang(ctx context.Context, userID int64) string {
	lang, err := h.Store.UserLanguage(ctx, userID)
	if err != nil {
		logger.Warn(ctx, logger.CompTG, "user.language", slog.String("status", "fail"), logger.Err(err))
	}
	return lang
}

func (h *Handlers) start(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	userID := senderID(c)

	lang := model.LangUz
	if u := c.Sender(); u != nil && strings.HasPrefix(u.LanguageCode, model.LangRu) {
		lang = model.LangRu
	}
	user, err := h.Store.EnsureUser(ctx, userID, lang)
	if err != nil {
		return err
	}

	d, err := h.Store.DriverByTelegramID(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return tghelpers.SendText(c, messenger.T(user.Language, messenger.TextWelcome))
	case err != nil:
		return err
	}
	name := d.Name
	if name == "" {
		name = c.Sender().FirstName
	}
	return tghelpers.SendText(c, messenger.T(user.Language, messenger.TextWelcomeDriver, name))
}

// refresh syncs the caller directly, skipping the queue, at most once per
// cooldown period.
func (h *Handlers) refresh(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	userID := senderID(c)
	lang := h.lang(ctx, userID)

	d, err := h.Store.DriverByTelegramID(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && d.FleetID() == "") {
		return tghelpers.SendText(c, messenger.T(lang, messenger.TextNotRegistered))
	}
	if err != nil {
		return err
	}
	if last := d.LastManualSyncAt; last != nil && h.ManualCooldown > 0 && h.Now().Sub(*last) < h.ManualCooldown {
		return tghelpers.SendText(c, messenger.T(lang, messenger.TextRefreshCooldown))
	}

	if err := tghelpers.SendText(c, messenger.T(lang, messenger.TextRefreshStarted)); err != nil {
		return err
	}
	if !h.Syncer.SyncDriver(ctx, userID) {
		return tghelpers.SendText(c, messenger.T(lang, messenger.TextRefreshFailed))
	}
	if err := tghelpers.SendText(c, messenger.T(lang, messenger.TextRefreshOK)); err != nil {
		return err
	}
	return h.balance(c)
}

func (h *Handlers) balance(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	userID := senderID(c)
	lang := h.lang(ctx, userID)

	d, err := h.Store.DriverByTelegramID(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return tghelpers.SendText(c, messenger.T(lang, messenger.TextNotRegistered))
	}
	if err != nil {
		return err
	}
	lastTrip := messenger.T(lang, messenger.TextNoTrips)
	if d.LastTripAt != nil {
		lastTrip = d.LastTripAt.In(h.Location).Format(tripTimeLayout)
	}
	return tghelpers.SendText(c, messenger.T(lang, messenger.TextBalance,
		formatMoney(d.Balance), lastTrip, formatMoney(d.LastTripSum)))
}

func (h *Handlers) cancel(c tele.Context) error {
	h.Sessions.Clear(senderID(c))
	return tghelpers.SendText(c, "Cancelled.")
}

func (h *Handlers) unknownText(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	return tghelpers.SendText(c, messenger.T(h.lang(ctx, senderID(c)), messenger.TextUnknown))
}

// staleCallback answers buttons whose handler no longer exists.
func (h *Handlers) staleCallback(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	return c.Respond(&tele.CallbackResponse{Text: messenger.T(h.lang(ctx, senderID(c)), messenger.TextError)})
}

func (h *Handlers) inactiveAnswer(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	userID := senderID(c)
	lang := h.lang(ctx, userID)

	switch callbacks.Payload(c) {
	case messenger.InactiveHelp:
		h.Sessions.SetState(userID, StateAwaitProblem)
		return tghelpers.SendText(c, messenger.T(lang, messenger.TextInactiveAsk))
	case messenger.InactiveOK:
		return tghelpers.SendText(c, messenger.T(lang, messenger.TextInactiveThanks))
	}
	return nil
}

// problemText forwards an inactive driver's description to the admin group.
func (h *Handlers) problemText(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	userID := senderID(c)
	text := strings.TrimSpace(c.Text())
	if text == "" {
		return nil
	}
	h.Sessions.Clear(userID)

	who := strconv.FormatInt(userID, 10)
	if d, err := h.Store.DriverByTelegramID(ctx, userID); err == nil {
		who = fmt.Sprintf("%s (id %d, callsign %s)", d.Name, userID, d.Callsign)
	}
	if err := h.Messenger.NotifyAdmins(ctx, fmt.Sprintf("🆘 Driver %s needs help:\n\n%s", who, text)); err != nil {
		return err
	}
	return tghelpers.SendText(c, messenger.T(h.lang(ctx, userID), messenger.TextInactiveSent))
}

func (h *Handlers) logAction(ctx context.Context, a model.AdminAction) {
	if err := h.Store.LogAction(ctx, a); err != nil {
		logger.Warn(ctx, logger.CompTG, "admin.action_log",
			slog.String("status", "fail"),
			slog.String("action", a.ActionType),
			logger.Err(err),
		)
	}
}

func (h *Handlers) syncFull(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	h.Jobs.EnqueueFullSweep(ctx)
	h.logAction(ctx, model.AdminAction{AdminID: senderID(c), ActionType: model.ActionSyncFull})
	return tghelpers.SendText(c, fmt.Sprintf("Full sync queued (%d tasks waiting).", h.Queue.Len()))
}

func (h *Handlers) syncRecent(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	days := h.RecentDays
	if args := c.Args(); len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 || n > maxRecentDays {
			return tghelpers.SendText(c, fmt.Sprintf("Usage: /sync_recent [days], 1..%d", maxRecentDays))
		}
		days = n
	}
	h.Jobs.EnqueueRecentSweep(ctx, days)
	h.logAction(ctx, model.AdminAction{
		AdminID:    senderID(c),
		ActionType: model.ActionSyncRecent,
		Reason:     strconv.Itoa(days) + "d",
	})
	return tghelpers.SendText(c, fmt.Sprintf("Recent sync for %d day(s) queued (%d tasks waiting).", days, h.Queue.Len()))
}

func (h *Handlers) queueStatus(c tele.Context) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Queue: %d waiting, %d running.", h.Queue.Len(), h.Queue.Active())
	for _, e := range h.Jobs.Entries() {
		next := "—"
		if !e.Next.IsZero() {
			next = e.Next.In(h.Location).Format(tripTimeLayout)
		}
		fmt.Fprintf(&b, "\n%s: next %s", e.Name, next)
	}
	return tghelpers.SendText(c, b.String())
}

// approve links a Telegram user to a fleet profile and queues its first sync.
func (h *Handlers) approve(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	args := c.Args()
	if len(args) != 2 {
		return tghelpers.SendText(c, "Usage: /approve <telegram_id> <fleet_driver_id>")
	}
	telegramID, err := strconv.ParseInt(args[0], 10, 64)
	fleetID := strings.TrimSpace(args[1])
	if err != nil || telegramID <= 0 || fleetID == "" {
		return tghelpers.SendText(c, "Usage: /approve <telegram_id> <fleet_driver_id>")
	}

	if _, err := h.Store.EnsureUser(ctx, telegramID, model.LangUz); err != nil {
		return err
	}
	if _, err := h.Store.CreateDriver(ctx, telegramID, fleetID); err != nil {
		if errors.Is(err, storage.ErrDuplicateFleetID) {
			return tghelpers.SendText(c, "Driver or fleet id is already linked.")
		}
		return err
	}
	if err := h.Store.SetRegistrationStatus(ctx, telegramID, model.RegistrationApproved); err != nil {
		return err
	}
	h.logAction(ctx, model.AdminAction{
		AdminID:    senderID(c),
		ActionType: model.ActionApprove,
		TargetID:   telegramID,
		Reason:     fleetID,
	})
	h.Jobs.EnqueueDriverSync(telegramID)

	lang := h.lang(ctx, telegramID)
	if err := h.Messenger.Send(ctx, tele.ChatID(telegramID), messenger.T(lang, messenger.TextApproved)); err != nil {
		logger.Warn(ctx, logger.CompTG, "approve.notify", slog.String("status", "fail"), logger.Err(err))
	}
	return tghelpers.SendText(c, fmt.Sprintf("Driver %d linked to %s, sync queued.", telegramID, fleetID))
}

// reject asks for the reason of a rejection; rejectReason applies it.
func (h *Handlers) reject(c tele.Context) error {
	args := c.Args()
	var telegramID int64
	var err error
	if len(args) == 1 {
		telegramID, err = strconv.ParseInt(args[0], 10, 64)
	}
	if len(args) != 1 || err != nil || telegramID <= 0 {
		return tghelpers.SendText(c, "Usage: /reject <telegram_id>")
	}
	userID := senderID(c)
	h.Sessions.SetState(userID, StateAwaitRejectReason)
	h.Sessions.SetTemp(userID, tempRejectTarget, telegramID)
	return tghelpers.SendText(c, fmt.Sprintf("Send the rejection reason for %d, or /cancel.", telegramID))
}

func (h *Handlers) rejectReason(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	userID := senderID(c)
	v, _ := h.Sessions.GetTemp(userID, tempRejectTarget)
	target, ok := v.(int64)
	if !ok || h.IsAdmin == nil || !h.IsAdmin(userID) {
		h.Sessions.Clear(userID)
		return nil
	}
	reason := strings.TrimSpace(c.Text())
	if reason == "" {
		return tghelpers.SendText(c, fmt.Sprintf("Send the rejection reason for %d, or /cancel.", target))
	}
	h.Sessions.Clear(userID)

	err := h.Store.SetRegistrationStatus(ctx, target, model.RegistrationRejected)
	if errors.Is(err, storage.ErrNotFound) {
		return tghelpers.SendText(c, "User not found.")
	}
	if err != nil {
		return err
	}
	h.logAction(ctx, model.AdminAction{
		AdminID:    userID,
		ActionType: model.ActionReject,
		TargetID:   target,
		Reason:     reason,
	})

	lang := h.lang(ctx, target)
	if err := h.Messenger.Send(ctx, tele.ChatID(target), messenger.T(lang, messenger.TextRejected, reason)); err != nil {
		logger.Warn(ctx, logger.CompTG, "reject.notify", slog.String("status", "fail"), logger.Err(err))
	}
	summary := fmt.Sprintf("❌ Registration rejected\n\nDriver ID: %d\nRejected by: %s (id %d)\n\nReason: %s",
		target, c.Sender().FirstName, userID, reason)
	if err := h.Messenger.NotifyAdmins(ctx, summary); err != nil {
		logger.Warn(ctx, logger.CompTG, "reject.notify_admins", slog.String("status", "fail"), logger.Err(err))
	}
	return tghelpers.SendText(c, "Rejection sent to the driver.")
}

// stats reports user, registration and driver activity counts.
func (h *Handlers) stats(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	users, err := h.Store.CountUsers(ctx)
	if err != nil {
		return err
	}
	pending, err := h.Store.CountPendingRegistrations(ctx)
	if err != nil {
		return err
	}
	drivers, err := h.Store.CountDrivers(ctx)
	if err != nil {
		return err
	}
	active, err := h.Store.ActiveDrivers(ctx)
	if err != nil {
		return err
	}
	inactive, err := h.Store.InactiveDrivers(ctx, h.Now().AddDate(0, 0, -h.InactiveDays))
	if err != nil {
		return err
	}
	return tghelpers.SendText(c, fmt.Sprintf("📊 Bot statistics\n\n"+
		"👥 Users: %d\n🚗 Drivers: %d\n📋 Pending registrations: %d\n"+
		"🟢 Active drivers: %d\n🔴 Inactive drivers (%d+ days): %d",
		users, drivers, pending, len(active), h.InactiveDays, len(inactive)))
}

func (h *Handlers) settings(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	all, err := h.Store.Settings(ctx)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("Settings:")
	for _, key := range model.SettingKeys {
		v, ok := all[key]
		switch {
		case !ok || v == "":
			v = "—"
		case model.Secret(key):
			v = mask(v)
		}
		fmt.Fprintf(&b, "\n%s = %s", key, v)
	}
	return tghelpers.SendText(c, b.String())
}

// set stores a setting given inline, or asks for the value as the next
// message.
func (h *Handlers) set(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	args := c.Args()
	if len(args) == 0 || !slices.Contains(model.SettingKeys, args[0]) {
		return tghelpers.SendText(c, "Usage: /set <key> [value]\nKeys: "+strings.Join(model.SettingKeys, ", "))
	}
	key := args[0]
	if len(args) > 1 {
		return h.saveSetting(ctx, c, key, strings.Join(args[1:], " "))
	}
	userID := senderID(c)
	h.Sessions.SetState(userID, StateAwaitSetting)
	h.Sessions.SetTemp(userID, tempSettingKey, key)
	return tghelpers.SendText(c, fmt.Sprintf("Send the new value for %s, or /cancel.", key))
}

func (h *Handlers) settingValue(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	userID := senderID(c)
	key, ok := h.Sessions.GetTempString(userID, tempSettingKey)
	if !ok || h.IsAdmin == nil || !h.IsAdmin(userID) {
		h.Sessions.Clear(userID)
		return nil
	}
	value := strings.TrimSpace(c.Text())
	if value == "" {
		return tghelpers.SendText(c, fmt.Sprintf("Send the new value for %s, or /cancel.", key))
	}
	h.Sessions.Clear(userID)
	return h.saveSetting(ctx, c, key, value)
}

func (h *Handlers) saveSetting(ctx context.Context, c tele.Context, key, value string) error {
	value = strings.TrimSpace(value)
	if key == model.SettingUpdateChannel || key == model.SettingAdminGroup {
		if _, err := messenger.ParseChat(value); err != nil {
			return tghelpers.SendText(c, "Chat must be a numeric id or @username.")
		}
	}
	if err := h.Store.SetSetting(ctx, key, value); err != nil {
		return err
	}
	h.logAction(ctx, model.AdminAction{AdminID: senderID(c), ActionType: model.ActionSetSetting, Reason: key})
	return tghelpers.SendText(c, fmt.Sprintf("Saved %s.", key))
}

func mask(v string) string {
	if len(v) <= 4 {
		return "****"
	}
	return v[:2] + strings.Repeat("*", len(v)-4) + v[len(v)-2:]
}

func formatMoney(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	s = strings.TrimSuffix(s, ".00")
	return s
}
