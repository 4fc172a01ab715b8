package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remotenode/internal/pidfile"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func fakeRegistry(fn Action) *Registry {
	registry := NewRegistry()
	registry.Register("Fake", func(id string, _ map[string]any, _ Deps) (Task, error) {
		return newFakeTask(id, fn), nil
	})
	return registry
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func okAction(context.Context, map[string]any) (Status, error) { return StatusOK, nil }

func newTestScheduler(t *testing.T, actions []ActionConfig, fn Action, opts Options) *Scheduler {
	t.Helper()
	if opts.Now == nil {
		opts.Now = fixedClock(refTime)
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.PIDFile == "" {
		opts.PIDFile = filepath.Join(t.TempDir(), "remotenode.pid")
	}
	if fn == nil {
		fn = okAction
	}
	s := NewScheduler(Configuration{Actions: actions}, fakeRegistry(fn), nil, nil, opts)
	t.Cleanup(s.releaseSignals)
	return s
}

func jobByID(jobs []JobInfo) map[string]JobInfo {
	out := make(map[string]JobInfo, len(jobs))
	for _, j := range jobs {
		out[j.ID] = j
	}
	return out
}

func TestPlanningHorizon(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		reference time.Time
		want      time.Time
	}{
		{
			name:      "morning plans until tonight",
			reference: time.Date(2026, time.October, 19, 10, 0, 0, 0, time.UTC),
			want:      time.Date(2026, time.October, 19, 23, 1, 0, 0, time.UTC),
		},
		{
			name:      "after the boundary plans until tomorrow",
			reference: time.Date(2026, time.October, 19, 23, 30, 0, 0, time.UTC),
			want:      time.Date(2026, time.October, 20, 23, 1, 0, 0, time.UTC),
		},
		{
			name:      "exactly on the boundary moves to tomorrow",
			reference: time.Date(2026, time.October, 19, 23, 1, 0, 0, time.UTC),
			want:      time.Date(2026, time.October, 20, 23, 1, 0, 0, time.UTC),
		},
		{
			name:      "year rollover",
			reference: time.Date(2026, time.December, 31, 23, 59, 0, 0, time.UTC),
			want:      time.Date(2027, time.January, 1, 23, 1, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := PlanningHorizon(tt.reference)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckHorizonRejectsClockAnomalies(t *testing.T) {
	t.Parallel()
	assert.NoError(t, checkHorizon(refTime, refTime.Add(13*time.Hour)))
	assert.ErrorIs(t, checkHorizon(refTime, refTime.Add(49*time.Hour)), ErrClockAnomaly)
	assert.ErrorIs(t, checkHorizon(refTime, refTime.Add(-time.Hour)), ErrClockAnomaly)
	assert.ErrorIs(t, checkHorizon(refTime, refTime), ErrClockAnomaly)
	assert.Equal(t, KindFatal, KindOf(checkHorizon(refTime, refTime.Add(-time.Hour))))
}

func TestPlanScheduleBuildsJobTable(t *testing.T) {
	t.Parallel()
	actions := []ActionConfig{
		{ID: "battery", Task: "Fake", Interval: ptr(30)},
		{ID: "upload", Task: "Fake", Time: ptr("1500")},
		{ID: "nightly", Task: "Fake", CronFields: CronFields{Hour: "3"}},
		{ID: "morning", Task: "Fake", Time: ptr("0800")},
	}
	s := newTestScheduler(t, actions, nil, Options{})
	require.NoError(t, s.Initialize(context.Background()))

	assert.Equal(t, time.Date(2026, time.October, 19, 23, 1, 0, 0, time.UTC), s.Horizon())

	jobs := s.Jobs()
	require.Len(t, jobs, 3, "the 08:00 one-shot lies in the past and is skipped")
	assert.Equal(t, "battery", jobs[0].ID)
	assert.Equal(t, TriggerInterval, jobs[0].Kind)
	require.NotNil(t, jobs[0].FirstRun)
	assert.Equal(t, refTime.Add(30*time.Minute), *jobs[0].FirstRun)

	assert.Equal(t, "nightly", jobs[1].ID)
	assert.Nil(t, jobs[1].FirstRun, "03:00 tomorrow is beyond tonight's horizon")

	assert.Equal(t, "upload", jobs[2].ID)
	require.NotNil(t, jobs[2].FirstRun)
	assert.Equal(t, time.Date(2026, time.October, 19, 15, 0, 0, 0, time.UTC), *jobs[2].FirstRun)

	// every action still has a task instance
	assert.Len(t, s.Tasks(), 4)
}

func TestPlanScheduleIsIdempotent(t *testing.T) {
	t.Parallel()
	actions := []ActionConfig{
		{ID: "battery", Task: "Fake", Interval: ptr(30)},
		{ID: "upload", Task: "Fake", Time: ptr("1500")},
	}
	s := newTestScheduler(t, actions, nil, Options{})
	require.NoError(t, s.Initialize(context.Background()))
	first := s.Jobs()

	require.NoError(t, s.PlanSchedule())
	require.NoError(t, s.PlanSchedule())
	second := s.Jobs()

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Trigger, second[i].Trigger)
		assert.Equal(t, first[i].FirstRun, second[i].FirstRun)
	}
	// plan job plus one entry per scheduled action
	assert.Len(t, s.cron.Entries(), len(actions)+1)
}

func TestPlanScheduleAfterBoundary(t *testing.T) {
	t.Parallel()
	late := time.Date(2026, time.October, 19, 23, 30, 0, 0, time.UTC)
	s := newTestScheduler(t, []ActionConfig{
		{ID: "nightly", Task: "Fake", CronFields: CronFields{Hour: "3"}},
	}, nil, Options{Now: fixedClock(late)})
	require.NoError(t, s.Initialize(context.Background()))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].FirstRun)
	assert.Equal(t, time.Date(2026, time.October, 20, 3, 0, 0, 0, time.UTC), *jobs[0].FirstRun)
}

func TestInitializeConfigErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		actions []ActionConfig
	}{
		{name: "no trigger", actions: []ActionConfig{{ID: "idle", Task: "Fake"}}},
		{name: "bad date", actions: []ActionConfig{{ID: "bad", Task: "Fake", Date: ptr("badval")}}},
		{name: "unknown task", actions: []ActionConfig{{ID: "x", Task: "Teleport", Interval: ptr(1)}}},
		{name: "unknown action name", actions: []ActionConfig{{ID: "x", Task: "Fake", Action: "reboot", Interval: ptr(1)}}},
		{name: "duplicate id", actions: []ActionConfig{
			{ID: "x", Task: "Fake", Interval: ptr(1)},
			{ID: "x", Task: "Fake", Interval: ptr(2)},
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestScheduler(t, tt.actions, nil, Options{})
			err := s.Initialize(context.Background())
			require.Error(t, err)
			assert.Equal(t, KindFatal, KindOf(err))
			assert.Nil(t, s.signals, "signal handling is released when initialization fails")
		})
	}
}

func TestInitializeHealthCheck(t *testing.T) {
	t.Parallel()
	actions := []ActionConfig{{ID: "battery", Task: "Fake", Interval: ptr(30)}}
	failing := func(context.Context, []ActionConfig) error { return errors.New("modem offline") }

	s := newTestScheduler(t, actions, nil, Options{HealthCheck: failing})
	err := s.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrUnhealthy)
	assert.Empty(t, s.Jobs())

	s = newTestScheduler(t, actions, nil, Options{HealthCheck: failing, StartWhenFail: true})
	require.NoError(t, s.Initialize(context.Background()))
	assert.Len(t, s.Jobs(), 1)
}

func TestRunNowSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(context.Context, map[string]any) (Status, error) {
		close(started)
		<-release
		return StatusCritical, nil
	}
	s := newTestScheduler(t, []ActionConfig{{ID: "slow", Task: "Fake", Interval: ptr(5)}}, slow, Options{})
	require.NoError(t, s.Initialize(context.Background()))

	type outcome struct {
		status Status
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		status, err := s.RunNow(context.Background(), "slow")
		done <- outcome{status, err}
	}()
	<-started

	_, err := s.RunNow(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrTaskRunning)
	assert.True(t, s.Jobs()[0].Running)

	close(release)
	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, StatusCritical, first.status)

	assert.False(t, s.Tasks()[0].Running)
	require.NotNil(t, s.Tasks()[0].Last)
	assert.Equal(t, StatusCritical, s.Tasks()[0].Last.Status)
}

func TestRunNowUnknownAction(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil, nil, Options{})
	require.NoError(t, s.Initialize(context.Background()))

	_, err := s.RunNow(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestRunReleasesPidFileOnStop(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil, nil, Options{ShutdownGrace: time.Second})
	require.NoError(t, s.Initialize(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return fileExists(s.opts.PIDFile) }, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.NoFileExists(t, s.opts.PIDFile)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil, nil, Options{ShutdownGrace: time.Second})
	require.NoError(t, s.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return fileExists(s.opts.PIDFile) }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.NoFileExists(t, s.opts.PIDFile)
}

func TestRunRefusesSecondInstance(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "remotenode.pid")
	guard, err := pidfile.Acquire(path)
	require.NoError(t, err)
	defer guard.Release()

	s := newTestScheduler(t, nil, nil, Options{PIDFile: path})
	require.NoError(t, s.Initialize(context.Background()))

	err = s.Run(context.Background())
	assert.ErrorIs(t, err, pidfile.ErrAlreadyRunning)
	assert.FileExists(t, path, "the other instance keeps its lock file")
}

func TestReplanFailureIsFatal(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, []ActionConfig{{ID: "a", Task: "Fake", Interval: ptr(5)}}, nil, Options{ShutdownGrace: time.Second})
	require.NoError(t, s.Initialize(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	require.Eventually(t, func() bool { return fileExists(s.opts.PIDFile) }, 2*time.Second, 10*time.Millisecond)

	// an action without a trigger makes the next plan fail
	s.mu.Lock()
	s.cfg.Actions = append(s.cfg.Actions, ActionConfig{ID: "broken", Task: "Fake"})
	s.mu.Unlock()
	s.replan()

	select {
	case err := <-errCh:
		assert.Equal(t, KindFatal, KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after a fatal re-plan")
	}
	assert.NoFileExists(t, s.opts.PIDFile)
}

func TestReplanKeepsBoundaryFireTimes(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	now := refTime
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	setNow := func(t time.Time) {
		mu.Lock()
		defer mu.Unlock()
		now = t
	}

	actions := []ActionConfig{
		{ID: "battery", Task: "Fake", Interval: ptr(30)},
		{ID: "late", Task: "Fake", CronFields: CronFields{Hour: "23", Minute: "1"}},
		{ID: "once", Task: "Fake", Time: ptr("2301")},
	}
	s := newTestScheduler(t, actions, nil, Options{Now: clock})
	require.NoError(t, s.Initialize(context.Background()))

	boundary := time.Date(2026, time.October, 19, 23, 1, 0, 0, time.UTC)
	jobs := jobByID(s.Jobs())
	assert.Nil(t, jobs["late"].FirstRun, "23:01 is outside [10:00, 23:01)")
	assert.Nil(t, jobs["once"].FirstRun)

	// robfig fires the re-plan a few milliseconds after the boundary
	setNow(boundary.Add(5 * time.Millisecond))
	s.replan()

	assert.Equal(t, boundary.AddDate(0, 0, 1), s.Horizon())
	jobs = jobByID(s.Jobs())
	require.Len(t, jobs, 3)
	require.NotNil(t, jobs["late"].FirstRun)
	assert.Equal(t, boundary, *jobs["late"].FirstRun)
	require.NotNil(t, jobs["once"].FirstRun)
	assert.Equal(t, boundary, *jobs["once"].FirstRun)
	require.NotNil(t, jobs["battery"].FirstRun)
	assert.Equal(t, boundary.Add(30*time.Minute), *jobs["battery"].FirstRun)

	// a re-plan that fires well after the boundary starts from the current time
	setNow(boundary.AddDate(0, 0, 1).Add(29 * time.Minute))
	s.replan()
	assert.Equal(t, boundary.AddDate(0, 0, 2), s.Horizon())
	jobs = jobByID(s.Jobs())
	assert.NotContains(t, jobs, "once", "the missed one-shot lies in the past")
	assert.Nil(t, jobs["late"].FirstRun)
	require.NotNil(t, jobs["battery"].FirstRun)
	assert.Equal(t, time.Date(2026, time.October, 21, 0, 0, 0, 0, time.UTC), *jobs["battery"].FirstRun)
}

func TestRunOwnsCallerGuard(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "remotenode.pid")
	guard, err := pidfile.Acquire(path)
	require.NoError(t, err)

	s := newTestScheduler(t, nil, nil, Options{PIDFile: path, Guard: guard, ShutdownGrace: time.Second})
	require.NoError(t, s.Initialize(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	s.Stop()
	select {
	case err := <-errCh:
		require.NoError(t, err, "a held guard is not acquired twice")
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.NoFileExists(t, path)
}
