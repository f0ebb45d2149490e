package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/taxibot/internal/model"
	"github.com/m3rciful/taxibot/internal/queue"
	"github.com/m3rciful/taxibot/internal/reconcile"
)

type taskList struct {
	mu    sync.Mutex
	tasks []queue.Task
}

func (l *taskList) Enqueue(t queue.Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, t)
}

func (l *taskList) snapshot() []queue.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]queue.Task(nil), l.tasks...)
}

type fakeSyncer struct {
	mu     sync.Mutex
	synced []int64
	fail   map[int64]bool
	recent []int
	full   int
}

func (f *fakeSyncer) SyncDriver(_ context.Context, id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, id)
	return !f.fail[id]
}

func (f *fakeSyncer) FullSweep(context.Context, reconcile.SweepOptions) reconcile.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.full++
	return reconcile.Result{Mode: reconcile.ModeFull}
}

func (f *fakeSyncer) RecentSweep(_ context.Context, days int, opts reconcile.SweepOptions) reconcile.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recent = append(f.recent, days)
	return reconcile.Result{Mode: reconcile.ModeRecent, Err: errors.New("fleet down")}
}

type fakeDrivers struct {
	linked   []model.Driver
	inactive []model.Driver
	since    time.Time
	err      error
}

func (f *fakeDrivers) ListSyncableDrivers(context.Context) ([]model.Driver, error) {
	return f.linked, f.err
}

func (f *fakeDrivers) InactiveDrivers(_ context.Context, since time.Time) ([]model.Driver, error) {
	f.since = since
	return f.inactive, f.err
}

type fakePrompter struct {
	failFor map[int64]bool
	sent    []int64
}

func (f *fakePrompter) SendInactivePrompt(_ context.Context, d model.Driver) error {
	if f.failFor[d.TelegramID] {
		return errors.New("bot was blocked by the user")
	}
	f.sent = append(f.sent, d.TelegramID)
	return nil
}

func newTestScheduler(t *testing.T, mutate func(*Options)) (*Scheduler, *taskList, *fakeSyncer) {
	t.Helper()
	tasks := &taskList{}
	syncer := &fakeSyncer{fail: map[int64]bool{}}
	opts := Options{
		Specs:    Specs{DailySync: "0 0 * * *", InactiveCheck: "0 10 * * *", RecentSweep: "*/15 * * * *", FullSweep: Off},
		Queue:    tasks,
		Engine:   syncer,
		Drivers:  &fakeDrivers{},
		Prompter: &fakePrompter{},
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s, tasks, syncer
}

func TestNewRegistersEnabledJobs(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	names := make([]string, 0)
	for _, e := range s.Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{JobDailySync, JobInactiveCheck, JobRecentSweep}, names)
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New(Options{Specs: Specs{DailySync: "not a cron"}})
	assert.ErrorContains(t, err, JobDailySync)
}

func TestDailySyncFansOut(t *testing.T) {
	drivers := &fakeDrivers{linked: []model.Driver{{TelegramID: 1}, {TelegramID: 2}, {TelegramID: 3}}}
	s, tasks, syncer := newTestScheduler(t, func(o *Options) { o.Drivers = drivers })
	syncer.fail[2] = true

	s.DailySync(context.Background())
	queued := tasks.snapshot()
	require.Len(t, queued, 3)

	var errs int
	for _, task := range queued {
		assert.Equal(t, "sync_driver", task.Name)
		if err := task.Run(context.Background()); err != nil {
			errs++
			assert.ErrorIs(t, err, errSyncFailed)
		}
	}
	assert.Equal(t, 1, errs)
	assert.Equal(t, []int64{1, 2, 3}, syncer.synced)
}

func TestDailySyncListFailure(t *testing.T) {
	drivers := &fakeDrivers{err: errors.New("db down")}
	s, tasks, _ := newTestScheduler(t, func(o *Options) { o.Drivers = drivers })
	s.DailySync(context.Background())
	assert.Empty(t, tasks.snapshot())
}

func TestInactiveCheckContinuesPastFailures(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	drivers := &fakeDrivers{inactive: []model.Driver{{TelegramID: 1}, {TelegramID: 2}, {TelegramID: 3}}}
	prompter := &fakePrompter{failFor: map[int64]bool{2: true}}
	s, tasks, _ := newTestScheduler(t, func(o *Options) {
		o.Drivers = drivers
		o.Prompter = prompter
		o.Now = func() time.Time { return now }
	})

	s.InactiveCheck(context.Background())
	assert.Equal(t, []int64{1, 3}, prompter.sent)
	assert.Equal(t, now.AddDate(0, 0, -7), drivers.since)
	assert.Empty(t, tasks.snapshot())
}

func TestSweepJobsEnqueue(t *testing.T) {
	s, tasks, syncer := newTestScheduler(t, func(o *Options) { o.RecentWindowDays = 2 })

	s.EnqueueRecentSweep(context.Background(), 0)
	s.EnqueueRecentSweep(context.Background(), 5)
	s.EnqueueFullSweep(context.Background())
	queued := tasks.snapshot()
	require.Len(t, queued, 3)

	assert.EqualError(t, queued[0].Run(context.Background()), "fleet down")
	_ = queued[1].Run(context.Background())
	assert.NoError(t, queued[2].Run(context.Background()))
	assert.Equal(t, []int{2, 5}, syncer.recent)
	assert.Equal(t, 1, syncer.full)
}

func TestCronFiresInLocation(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Tashkent")
	require.NoError(t, err)
	s, tasks, _ := newTestScheduler(t, func(o *Options) {
		o.Location = loc
		o.Specs = Specs{RecentSweep: "@every 1s"}
	})
	s.Start(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	require.Eventually(t, func() bool { return len(tasks.snapshot()) > 0 }, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, "recent_sweep", tasks.snapshot()[0].Name)
	assert.Equal(t, loc, s.cron.Location())
}
