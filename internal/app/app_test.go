package app

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tg "github.com/m3rciful/taxibot/core/telegram"
	"github.com/m3rciful/taxibot/internal/config"
	"github.com/m3rciful/taxibot/internal/messenger"
	"github.com/m3rciful/taxibot/internal/metrics"
	"github.com/m3rciful/taxibot/internal/queue"
)

func TestStartFailureReleasesMetricsListener(t *testing.T) {
	q := queue.New(queue.Options{})
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop(context.Background()) })

	cfg := &config.Config{}
	cfg.Metrics.Listen = "127.0.0.1:0"
	a := &App{
		cfg:       cfg,
		metrics:   metrics.New(),
		queue:     q,
		messenger: messenger.New(nil, nil, 7),
	}

	err := a.start(context.Background(), tg.Runtime{})
	require.ErrorIs(t, err, queue.ErrStarted)
	require.NotNil(t, a.metricsSrv)

	conn, err := net.DialTimeout("tcp", a.metricsSrv.Addr(), time.Second)
	if err == nil {
		_ = conn.Close()
	}
	assert.Error(t, err, "metrics listener still accepting after a failed start")
	assert.Nil(t, a.stopJanitor)
}
