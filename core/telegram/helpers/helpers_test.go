package helpers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/taxibot/core/logger"
	"github.com/m3rciful/taxibot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

type fakeCtx struct {
	tele.Context
	store map[string]interface{}
	sent  []string
}

func newFake() *fakeCtx { return &fakeCtx{store: map[string]interface{}{}} }

func (f *fakeCtx) Sender() *tele.User          { return &tele.User{ID: 42} }
func (f *fakeCtx) Chat() *tele.Chat            { return &tele.Chat{ID: 42} }
func (f *fakeCtx) Update() tele.Update         { return tele.Update{ID: 900} }
func (f *fakeCtx) Get(k string) interface{}    { return f.store[k] }
func (f *fakeCtx) Set(k string, v interface{}) { f.store[k] = v }
func (f *fakeCtx) Send(what interface{}, _ ...interface{}) error {
	f.sent = append(f.sent, what.(string))
	return nil
}

type posterFunc func(context.Context, sender.Job) error

func (p posterFunc) Post(ctx context.Context, j sender.Job) error { return p(ctx, j) }

func TestBuildContextIsCached(t *testing.T) {
	c := newFake()
	ctx := BuildContext(c)
	assert.Equal(t, 900, logger.UpdateIDFrom(ctx))
	assert.EqualValues(t, 42, logger.UserIDFrom(ctx))
	assert.NotEmpty(t, logger.RIDFrom(ctx))

	ctx2 := WithHandler(c, "refresh")
	assert.Equal(t, "refresh", logger.HandlerFrom(BuildContext(c)))
	assert.Equal(t, logger.RIDFrom(ctx), logger.RIDFrom(ctx2))
}

func TestSendTextDirectWithoutOutbox(t *testing.T) {
	c := newFake()
	require.NoError(t, SendText(c, "hi"))
	assert.Equal(t, []string{"hi"}, c.sent)
}

func TestSendTextQueuesAndFallsBack(t *testing.T) {
	c := newFake()
	var jobs []sender.Job
	BindOutbox(c, posterFunc(func(_ context.Context, j sender.Job) error {
		jobs = append(jobs, j)
		return nil
	}))
	require.NoError(t, SendText(c, "queued"))
	require.Len(t, jobs, 1)
	assert.EqualValues(t, 42, jobs[0].Chat)
	assert.Empty(t, c.sent)
	require.NoError(t, jobs[0].Run(context.Background()))
	assert.Equal(t, []string{"queued"}, c.sent)

	c2 := newFake()
	BindOutbox(c2, posterFunc(func(context.Context, sender.Job) error { return sender.ErrFull }))
	require.NoError(t, SendText(c2, "direct"))
	assert.Equal(t, []string{"direct"}, c2.sent)

	c3 := newFake()
	boom := errors.New("boom")
	BindOutbox(c3, posterFunc(func(context.Context, sender.Job) error { return boom }))
	assert.ErrorIs(t, SendText(c3, "lost"), boom)
}
