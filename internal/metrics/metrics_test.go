package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/taxibot/internal/reconcile"
)

func TestObservers(t *testing.T) {
	m := New()
	m.ObserveRequest("/parks/driver-profiles/list", 200, 120*time.Millisecond)
	m.ObserveRequest("/parks/driver-profiles/list", 429, 80*time.Millisecond)
	m.ObserveRateLimited("/parks/driver-profiles/list")
	m.ObserveSweep(reconcile.Result{Mode: reconcile.ModeFull, Pages: 2, Updated: 7, Err: errors.New("boom")})
	m.ObserveSingleSync(false, time.Second)
	m.ObserveQueue(3, 5)
	m.ObserveTask("sync_driver", nil, time.Second)
	m.ObserveUpdate("message", nil)

	assert.Equal(t, 1.0, value(t, m, "taxibot_fleet_requests_total", "code", "429"))
	assert.Equal(t, 1.0, value(t, m, "taxibot_fleet_rate_limited_total", "endpoint", "/parks/driver-profiles/list"))
	assert.Equal(t, 1.0, value(t, m, "taxibot_sweeps_total", "status", "partial"))
	assert.Equal(t, 7.0, value(t, m, "taxibot_sweep_updated_drivers_total", "mode", reconcile.ModeFull))
	assert.Equal(t, 1.0, value(t, m, "taxibot_driver_syncs_total", "result", "fail"))
	assert.Equal(t, 3.0, value(t, m, "taxibot_queue_pending", "", ""))
	assert.Equal(t, 5.0, value(t, m, "taxibot_queue_active", "", ""))
	assert.Equal(t, 1.0, value(t, m, "taxibot_queue_tasks_total", "task", "sync_driver"))
	assert.Equal(t, 1.0, value(t, m, "taxibot_telegram_updates_total", "kind", "message"))
}

func TestHandlerServesMetricsAndHealth(t *testing.T) {
	m := New()
	m.ObserveQueue(1, 0)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "taxibot_queue_pending 1")

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListenDisabledAndShutdown(t *testing.T) {
	m := New()
	s, err := m.Listen(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.NoError(t, s.Shutdown(context.Background()))

	s, err = m.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.NoError(t, s.Shutdown(context.Background()))
}

// value returns the counter or gauge sample of family name whose label
// matches; an empty label selects the first sample.
func value(t *testing.T, m *Metrics, name, label, want string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if label != "" && !hasLabel(metric.GetLabel(), label, want) {
				continue
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s{%s=%q} not found", name, label, want)
	return 0
}

func hasLabel(pairs []*dto.LabelPair, name, want string) bool {
	for _, p := range pairs {
		if p.GetName() == name && p.GetValue() == want {
			return true
		}
	}
	return false
}

type outboxStub struct{}

func (outboxStub) Pending() int   { return 4 }
func (outboxStub) Sent() uint64   { return 10 }
func (outboxStub) Failed() uint64 { return 1 }

func TestTrackOutbox(t *testing.T) {
	m := New()
	m.TrackOutbox(outboxStub{})
	assert.Equal(t, 4.0, value(t, m, "taxibot_outbox_pending", "", ""))
	assert.Equal(t, 10.0, value(t, m, "taxibot_outbox_sent_total", "", ""))
	assert.Equal(t, 1.0, value(t, m, "taxibot_outbox_failed_total", "", ""))
}
