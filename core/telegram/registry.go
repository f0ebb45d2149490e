package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/m3rciful/taxibot/core/logger"

	tele "gopkg.in/telebot.v4"
)

// Access decides who may run a command and which menu lists it.
type Access uint8

const (
	// Public commands are listed for everyone.
	Public Access = iota
	// Admin commands run only for configured admins and are listed in their chats.
	Admin
	// Hidden commands run for everyone and are never listed.
	Hidden
)

// Command is a slash command bound to a handler.
type Command struct {
	Name        string
	Description string
	Access      Access
	Handler     tele.HandlerFunc
}

var (
	// ErrInvalid reports a command or callback missing its name or handler.
	ErrInvalid = errors.New("telegram: invalid registration")
	// ErrDuplicate reports a second registration under the same name.
	ErrDuplicate = errors.New("telegram: duplicate registration")
)

// Registry collects commands and callback handlers before the bot starts.
// Lookups are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	commands  []Command
	byName    map[string]int
	callbacks map[string]tele.HandlerFunc

	staleCallback tele.HandlerFunc
	textFallback  tele.HandlerFunc
}

// NewRegistry returns an empty registry. Unknown callbacks are acknowledged
// silently until SetCallbackNotFound replaces the default.
func NewRegistry() *Registry {
	return &Registry{
		byName:    make(map[string]int),
		callbacks: make(map[string]tele.HandlerFunc),
		staleCallback: func(c tele.Context) error {
			return c.Respond()
		},
	}
}

// Command registers cmd. Names carry the leading slash; listed commands
// also need a description for the menu.
func (r *Registry) Command(cmd Command) error {
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	switch {
	case cmd.Handler == nil, len(name) < 2, name[0] != '/':
		return fmt.Errorf("%w: command %q", ErrInvalid, cmd.Name)
	case cmd.Access != Hidden && cmd.Description == "":
		return fmt.Errorf("%w: command %s has no description", ErrInvalid, name)
	}
	cmd.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: command %s", ErrDuplicate, name)
	}
	r.byName[name] = len(r.commands)
	r.commands = append(r.commands, cmd)
	return nil
}

// Callback registers h for inline buttons carrying the given unique key.
func (r *Registry) Callback(unique string, h tele.HandlerFunc) error {
	if unique == "" || h == nil {
		return fmt.Errorf("%w: callback %q", ErrInvalid, unique)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.callbacks[unique]; ok {
		return fmt.Errorf("%w: callback %s", ErrDuplicate, unique)
	}
	r.callbacks[unique] = h
	return nil
}

// Commands returns the registered commands in registration order.
func (r *Registry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Command(nil), r.commands...)
}

// Find resolves the command named by the first word of text. A trailing
// @botname is ignored.
func (r *Registry) Find(text string) (Command, bool) {
	word, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	word, _, _ = strings.Cut(word, "@")
	word = strings.ToLower(word)
	if word == "" {
		return Command{}, false
	}
	if word[0] != '/' {
		word = "/" + word
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byName[word]
	if !ok {
		return Command{}, false
	}
	return r.commands[i], true
}

// CallbackFor returns the handler registered for unique.
func (r *Registry) CallbackFor(unique string) (tele.HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.callbacks[unique]
	return h, ok
}

// Menu lists commands for the bot menu: public ones, plus admin ones when
// admin is set.
func (r *Registry) Menu(admin bool) []tele.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []tele.Command
	for _, cmd := range r.commands {
		if cmd.Access == Hidden || (cmd.Access == Admin && !admin) {
			continue
		}
		out = append(out, tele.Command{Text: strings.TrimPrefix(cmd.Name, "/"), Description: cmd.Description})
	}
	return out
}

// SetCallbackNotFound replaces the handler for callbacks nobody registered,
// typically buttons of an old message.
func (r *Registry) SetCallbackNotFound(h tele.HandlerFunc) {
	if h != nil {
		r.staleCallback = h
	}
}

// CallbackNotFound returns the handler for unregistered callbacks.
func (r *Registry) CallbackNotFound() tele.HandlerFunc { return r.staleCallback }

// SetTextFallback sets the handler for text that is neither a command nor
// part of a conversation.
func (r *Registry) SetTextFallback(h tele.HandlerFunc) { r.textFallback = h }

// TextFallback returns the text fallback, possibly nil.
func (r *Registry) TextFallback() tele.HandlerFunc { return r.textFallback }

// publishMenu sets the default menu and an extended one in every admin chat.
// Failures are logged; a missing menu never stops the bot.
func publishMenu(ctx context.Context, bot *tele.Bot, reg *Registry, adminIDs []int64) {
	if err := bot.SetCommands(reg.Menu(false)); err != nil {
		logger.Warn(ctx, logger.CompTGWire, "menu.publish",
			slog.String("status", "fail"),
			slog.String("scope", "default"),
			logger.Err(err),
		)
	}
	admin := reg.Menu(true)
	failed := 0
	for _, id := range adminIDs {
		scope := tele.CommandScope{Type: tele.CommandScopeChat, ChatID: id}
		if err := bot.SetCommands(admin, scope); err != nil {
			failed++
			logger.Warn(ctx, logger.CompTGWire, "menu.publish",
				slog.String("status", "fail"),
				slog.String("scope", "admin"),
				slog.Int64("user_id", id),
				logger.Err(err),
			)
		}
	}
	status := "ok"
	if failed > 0 {
		status = "partial"
	}
	logger.Info(ctx, logger.CompTGWire, "menu.published",
		slog.String("status", status),
		slog.Int("commands", len(reg.Commands())),
		slog.Int("admins", len(adminIDs)),
	)
}
