package fleet

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeRaw(t *testing.T, s string) rawProfile {
	t.Helper()
	var r rawProfile
	require.NoError(t, json.Unmarshal([]byte(s), &r))
	return r
}

func TestNormalizeSkipsMissingID(t *testing.T) {
	for _, raw := range []string{
		`{}`,
		`{"driver_profile":null}`,
		`{"driver_profile":{"id":"  ","first_name":"A"}}`,
	} {
		_, ok := Normalize(decodeRaw(t, raw))
		assert.False(t, ok, raw)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	p, ok := Normalize(decodeRaw(t, `{"driver_profile":{"id":"Y9","last_name":"Karimov"},"car":null,"accounts":[]}`))
	require.True(t, ok)
	assert.Equal(t, "Karimov", p.Name)
	assert.Empty(t, p.CarModel)
	assert.Zero(t, p.Balance)
	assert.Nil(t, p.LastTransaction)
	assert.Nil(t, p.CreatedAt)
}

func TestNormalizeNumericAndBadTimestamp(t *testing.T) {
	p, ok := Normalize(decodeRaw(t, `{
		"driver_profile":{"id":"Y2","first_name":"Bek","phones":["+998901234567"]},
		"car":{"brand":"Daewoo"},
		"accounts":[{"balance":-250.75,"last_transaction_date":"not a date"}],
		"current_status":{"status":"online"}}`))
	require.True(t, ok)
	assert.Equal(t, "Bek", p.Name)
	assert.Equal(t, "Daewoo", p.CarModel)
	assert.Equal(t, "+998901234567", p.Phone)
	assert.InDelta(t, -250.75, p.Balance, 1e-9)
	assert.Nil(t, p.LastTransaction)
	assert.Equal(t, "online", p.Status)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	for _, in := range []string{
		"2024-01-01T10:00:00Z",
		"2024-01-01T15:00:00+05:00",
		"2024-01-01T10:00:00.000+0000",
		"2024-01-01 10:00:00",
	} {
		got := ParseTimestamp(in)
		require.NotNil(t, got, in)
		assert.True(t, want.Equal(*got), "%s parsed as %s", in, got)
		assert.Equal(t, time.UTC, got.Location())
	}
	assert.Nil(t, ParseTimestamp(""))
	assert.Nil(t, ParseTimestamp("yesterday-ish"))
}

func TestNumberUnmarshal(t *testing.T) {
	var v struct {
		A, B, C, D Number
	}
	require.NoError(t, json.Unmarshal([]byte(`{"A":"12.5","B":3,"C":null,"D":"n/a"}`), &v))
	assert.InDelta(t, 12.5, float64(v.A), 1e-9)
	assert.InDelta(t, 3, float64(v.B), 1e-9)
	assert.Zero(t, v.C)
	assert.Zero(t, v.D)
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 3*time.Second, BackoffDelay(2, ""))
	assert.Equal(t, 1250*time.Millisecond, BackoffDelay(0, ""))
	assert.Equal(t, 63*time.Second, BackoffDelay(11, ""))
	assert.Equal(t, 7*time.Second, BackoffDelay(3, "7"))
	assert.Equal(t, 1500*time.Millisecond, BackoffDelay(0, "1.5"))
	assert.Equal(t, 3*time.Second, BackoffDelay(2, "garbage"))
	assert.Equal(t, 3*time.Second, BackoffDelay(2, "-4"))
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d, ok := parseRetryAfter(now.Add(9*time.Second).Format(http.TimeFormat), now)
	require.True(t, ok)
	assert.Equal(t, 9*time.Second, d)
}
