package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/taxibot/core/logger"
	tghelpers "github.com/m3rciful/taxibot/core/telegram/helpers"
)

// DefaultTTL is used when NewMemoryManager gets a non-positive ttl.
const DefaultTTL = 10 * time.Minute

// MemoryManager keeps sessions in process memory. Every write pushes the
// expiry ttl into the future; expired sessions read as idle and are removed
// by Sweep.
type MemoryManager struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	sessions map[int64]*Session
	steps    map[State]tele.HandlerFunc
}

var _ Manager = (*MemoryManager)(nil)

// NewMemoryManager returns an empty manager.
func NewMemoryManager(ttl time.Duration) *MemoryManager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryManager{
		ttl:      ttl,
		now:      time.Now,
		sessions: map[int64]*Session{},
		steps:    map[State]tele.HandlerFunc{},
	}
}

func (m *MemoryManager) read(userID int64) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess := m.sessions[userID]
	if sess == nil || m.now().After(sess.Expires) {
		return nil
	}
	return sess
}

func (m *MemoryManager) write(userID int64, fn func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	sess := m.sessions[userID]
	if sess == nil || now.After(sess.Expires) {
		sess = &Session{State: StateIdle, Values: map[string]any{}}
		m.sessions[userID] = sess
	}
	fn(sess)
	sess.Expires = now.Add(m.ttl)
}

// SetState moves the user to step st.
func (m *MemoryManager) SetState(userID int64, st State) {
	m.write(userID, func(s *Session) { s.State = st })
}

// GetState returns the user's step, StateIdle when there is none.
func (m *MemoryManager) GetState(userID int64) State {
	if sess := m.read(userID); sess != nil {
		return sess.State
	}
	return StateIdle
}

// InProgress reports whether the user is mid-conversation.
func (m *MemoryManager) InProgress(userID int64) bool { return m.GetState(userID) != StateIdle }

// SetTemp remembers value under key for the rest of the conversation.
func (m *MemoryManager) SetTemp(userID int64, key string, value any) {
	m.write(userID, func(s *Session) { s.Values[key] = value })
}

func (m *MemoryManager) GetTemp(userID int64, key string) (any, bool) {
	sess := m.read(userID)
	if sess == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := sess.Values[key]
	return v, ok
}

func (m *MemoryManager) GetTempString(userID int64, key string) (string, bool) {
	v, _ := m.GetTemp(userID, key)
	s, ok := v.(string)
	return s, ok
}

// Clear ends the user's conversation.
func (m *MemoryManager) Clear(userID int64) {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
}

// Len counts stored sessions, including expired ones not yet swept.
func (m *MemoryManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep removes expired sessions and reports how many went.
func (m *MemoryManager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, sess := range m.sessions {
		if now.After(sess.Expires) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// Run calls Sweep every interval until ctx ends. A non-positive interval
// sweeps once per ttl.
func (m *MemoryManager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.ttl
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Sweep(); n > 0 {
				logger.Debug(ctx, logger.CompTG, "session.swept",
					slog.Int("count", n),
					slog.Int("left", m.Len()),
				)
			}
		}
	}
}

// Handle binds h to step st. A nil h is ignored.
func (m *MemoryManager) Handle(st State, h tele.HandlerFunc) {
	if h == nil {
		return
	}
	m.mu.Lock()
	m.steps[st] = h
	m.mu.Unlock()
}

// ManagerHandler runs the handler bound to the sender's step. A step with
// no handler is a dead end, so the session is dropped.
func (m *MemoryManager) ManagerHandler(c tele.Context) error {
	userID := c.Sender().ID
	st := m.GetState(userID)

	m.mu.RLock()
	h := m.steps[st]
	m.mu.RUnlock()

	logger.Debug(tghelpers.BuildContext(c), logger.CompTG, "session.step",
		slog.String("step", string(st)),
		slog.Bool("bound", h != nil),
	)
	if h == nil {
		m.Clear(userID)
		return nil
	}
	return h(c)
}
