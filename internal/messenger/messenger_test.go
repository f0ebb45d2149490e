package messenger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/taxibot/internal/model"

	tele "gopkg.in/telebot.v4"
)

type sent struct {
	to   string
	text string
	opts []interface{}
}

type fakeAPI struct {
	mu   sync.Mutex
	out  []sent
	fail error
}

func (f *fakeAPI) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.out = append(f.out, sent{to: to.Recipient(), text: what.(string), opts: opts})
	return &tele.Message{}, nil
}

type mapSettings map[string]string

func (m mapSettings) Setting(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

type fixedLang string

func (l fixedLang) UserLanguage(context.Context, int64) (string, error) { return string(l), nil }

func TestNotifyBeforeBind(t *testing.T) {
	m := New(mapSettings{}, nil, 7)
	assert.ErrorIs(t, m.Notify(context.Background(), "hi"), ErrNotBound)
}

func TestNotifySkipsWithoutChannel(t *testing.T) {
	api := &fakeAPI{}
	m := New(mapSettings{}, nil, 7)
	m.Bind(api, nil)
	require.NoError(t, m.Notify(context.Background(), "hi"))
	assert.Empty(t, api.out)
}

func TestNotifyAndAdminsResolveChats(t *testing.T) {
	api := &fakeAPI{}
	m := New(mapSettings{
		model.SettingUpdateChannel: "@fleet_updates",
		model.SettingAdminGroup:    " -100123 ",
	}, nil, 7)
	m.Bind(api, nil)

	require.NoError(t, m.Notify(context.Background(), "sync done"))
	require.NoError(t, m.NotifyAdmins(context.Background(), "help"))
	require.Len(t, api.out, 2)
	assert.Equal(t, "@fleet_updates", api.out[0].to)
	assert.Equal(t, "-100123", api.out[1].to)
}

func TestNotifyPropagatesSendError(t *testing.T) {
	api := &fakeAPI{fail: errors.New("chat not found")}
	m := New(mapSettings{model.SettingUpdateChannel: "-1"}, nil, 7)
	m.Bind(api, nil)
	assert.Error(t, m.Notify(context.Background(), "x"))
}

func TestParseChat(t *testing.T) {
	r, err := ParseChat("-1001")
	require.NoError(t, err)
	assert.Equal(t, "-1001", r.Recipient())

	_, err = ParseChat("abc")
	assert.Error(t, err)
	_, err = ParseChat("@")
	assert.Error(t, err)
}

func TestSendInactivePrompt(t *testing.T) {
	api := &fakeAPI{}
	m := New(mapSettings{}, fixedLang(model.LangRu), 7)
	m.Bind(api, nil)

	require.NoError(t, m.SendInactivePrompt(context.Background(), model.Driver{TelegramID: 42}))
	require.Len(t, api.out, 1)
	assert.Equal(t, "42", api.out[0].to)
	assert.Contains(t, api.out[0].text, "последние 7 дней")

	require.Len(t, api.out[0].opts, 1)
	markup, ok := api.out[0].opts[0].(*tele.ReplyMarkup)
	require.True(t, ok)
	require.Len(t, markup.InlineKeyboard, 2)
	assert.Equal(t, InactiveUnique, markup.InlineKeyboard[0][0].Unique)
	assert.Equal(t, InactiveOK, markup.InlineKeyboard[0][0].Data)
	assert.Equal(t, InactiveHelp, markup.InlineKeyboard[1][0].Data)
}

func TestTextFallback(t *testing.T) {
	assert.Equal(t, T(model.LangUz, TextError), T("en", TextError))
	assert.Contains(t, T(model.LangUz, TextWelcomeDriver, "Ali"), "Ali")
}
