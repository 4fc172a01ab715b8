package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"remotenode/internal/pidfile"
)

const (
	// planHour and planMinute set the daily re-plan boundary.
	planHour   = 23
	planMinute = 1

	// replanSlack is how late the re-plan may fire and still start its window at the
	// previous horizon.
	replanSlack = time.Minute

	defaultShutdownGrace = 30 * time.Second
)

var (
	// ErrTaskRunning is returned when a run is requested while the same job is still executing.
	ErrTaskRunning = errors.New("task is already running")
	// ErrUnknownAction is returned for action ids that are not configured.
	ErrUnknownAction = errors.New("unknown action")
)

// HealthCheck inspects the configured actions before the first plan.
type HealthCheck func(ctx context.Context, actions []ActionConfig) error

// Options tune a Scheduler.
type Options struct {
	PIDFile       string
	StartWhenFail bool
	ShutdownGrace time.Duration
	Location      *time.Location
	HealthCheck   HealthCheck
	Deps          Deps

	// Guard is a lock on PIDFile acquired by the caller. Run takes ownership of it
	// and releases it on exit; when nil, Run acquires PIDFile itself.
	Guard *pidfile.Guard

	// Now overrides the clock used for planning.
	Now func() time.Time
}

// Job is one scheduled binding of an action to its trigger for the current planning window.
type Job struct {
	ID       string
	Trigger  *Trigger
	FirstRun time.Time

	entryID cron.EntryID
}

// JobInfo is a read-only view of a scheduled job.
type JobInfo struct {
	ID       string      `json:"id"`
	Kind     TriggerKind `json:"kind"`
	Trigger  string      `json:"trigger"`
	FirstRun *time.Time  `json:"first_run,omitempty"`
	NextRun  *time.Time  `json:"next_run,omitempty"`
	Running  bool        `json:"running"`
}

// TaskInfo is a read-only view of a task instance.
type TaskInfo struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Running bool    `json:"running"`
	State   string  `json:"state,omitempty"`
	Last    *Result `json:"-"`
}

// Scheduler owns the daily planning cycle, the job table and the task instances.
type Scheduler struct {
	cfg      Configuration
	registry *Registry
	reporter StatusReporter
	logger   *slog.Logger
	opts     Options
	location *time.Location

	cron *cron.Cron

	mu        sync.Mutex
	jobs      map[string]*Job
	planEntry cron.EntryID
	horizon   time.Time
	ctx       context.Context

	actions map[string]ActionConfig
	runners map[string]*Runner
	running sync.Map // action id -> struct{}{}

	stopOnce sync.Once
	stopCh   chan struct{}
	fatalCh  chan error
	signals  chan os.Signal
}

// NewScheduler constructs a scheduler. reporter may be nil.
func NewScheduler(cfg Configuration, registry *Registry, reporter StatusReporter, logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	location := opts.Location
	if location == nil {
		location = time.Local
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	if opts.Deps.Logger == nil {
		opts.Deps.Logger = logger
	}
	clog := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLocation(location),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog)),
	)
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		reporter: reporter,
		logger:   logger,
		opts:     opts,
		location: location,
		cron:     c,
		jobs:     make(map[string]*Job),
		actions:  make(map[string]ActionConfig),
		runners:  make(map[string]*Runner),
		stopCh:   make(chan struct{}),
		fatalCh:  make(chan error, 1),
	}
}

// Initialize installs signal handling, builds every task instance, runs the startup
// health check and plans the first day.
func (s *Scheduler) Initialize(ctx context.Context) (err error) {
	s.configureSignals()
	defer func() {
		if err != nil {
			s.releaseSignals()
		}
	}()
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if err := s.configureInstances(); err != nil {
		return err
	}
	if err := s.initialChecks(ctx); err != nil {
		if !s.opts.StartWhenFail {
			return fmt.Errorf("%w: %v", ErrUnhealthy, err)
		}
		s.logger.Warn("initial checks failed, starting anyway", "err", err)
	}
	return s.PlanSchedule()
}

// Run holds the pid file lock while the job loop runs. It returns when Stop is called,
// ctx is cancelled or planning fails fatally. The lock is released on every path.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.releaseSignals()
	guard := s.opts.Guard
	if guard == nil {
		var err error
		if guard, err = pidfile.Acquire(s.opts.PIDFile); err != nil {
			return err
		}
	}
	return guard.Do(func() error {
		s.logger.Info("starting scheduler", "pid_file", s.opts.PIDFile, "jobs", len(s.Jobs()))
		s.mu.Lock()
		s.ctx = context.WithoutCancel(ctx)
		s.mu.Unlock()
		s.cron.Start()

		var err error
		select {
		case <-ctx.Done():
			s.logger.Info("context done, stopping scheduler")
		case <-s.stopCh:
			s.logger.Info("stop requested")
		case err = <-s.fatalCh:
			s.logger.Error("fatal planning error, stopping scheduler", "err", err)
		}

		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(s.opts.ShutdownGrace):
			s.logger.Warn("in-flight tasks still running after shutdown grace", "grace", s.opts.ShutdownGrace)
		}
		return err
	})
}

// Stop requests shutdown of the run loop. It never blocks and may be called repeatedly.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// PlanSchedule purges every job, schedules its own next run at the planning horizon
// and registers each action for the window up to that horizon.
func (s *Scheduler) PlanSchedule() error {
	return s.planFrom(s.now())
}

// planFrom plans the window starting at reference.
func (s *Scheduler) planFrom(reference time.Time) error {
	horizon, err := PlanningHorizon(reference)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeAllLocked()
	s.planEntry = s.cron.Schedule(onceSchedule{at: horizon}, cron.FuncJob(s.replan))
	s.horizon = horizon

	for _, action := range s.cfg.Actions {
		if err := s.planActionLocked(reference, horizon, action); err != nil {
			return err
		}
	}
	s.logger.Info("schedule planned",
		"reference", reference.Format(time.RFC3339),
		"horizon", horizon.Format(time.RFC3339),
		"jobs", len(s.jobs))
	return nil
}

// PlanningHorizon returns the next 23:01 boundary after reference.
func PlanningHorizon(reference time.Time) (time.Time, error) {
	y, m, d := reference.Date()
	horizon := time.Date(y, m, d, planHour, planMinute, 0, 0, reference.Location())
	if !horizon.After(reference) {
		horizon = horizon.AddDate(0, 0, 1)
	}
	if err := checkHorizon(reference, horizon); err != nil {
		return time.Time{}, err
	}
	return horizon, nil
}

// checkHorizon rejects horizons more than one calendar day of wall-clock time away.
func checkHorizon(reference, horizon time.Time) error {
	gap := wallClock(horizon).Sub(wallClock(reference))
	if gap <= 0 || gap > 24*time.Hour {
		return fmt.Errorf("%w: %s until next plan at %s", ErrClockAnomaly, gap, horizon.Format(time.RFC3339))
	}
	return nil
}

func wallClock(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// RunNow executes the action's task immediately unless it is already running.
func (s *Scheduler) RunNow(ctx context.Context, actionID string) (Status, error) {
	return s.execute(context.WithoutCancel(ctx), actionID)
}

// Horizon returns the current planning boundary.
func (s *Scheduler) Horizon() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.horizon
}

// Jobs returns the current job table sorted by id.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for id, job := range s.jobs {
		info := JobInfo{
			ID:      id,
			Kind:    job.Trigger.Kind,
			Trigger: job.Trigger.String(),
			Running: s.isTaskRunning(id),
		}
		if !job.FirstRun.IsZero() {
			first := job.FirstRun
			info.FirstRun = &first
		}
		if next := s.cron.Entry(job.entryID).Next; !next.IsZero() {
			info.NextRun = &next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tasks returns every task instance sorted by id.
func (s *Scheduler) Tasks() []TaskInfo {
	out := make([]TaskInfo, 0, len(s.runners))
	for id, runner := range s.runners {
		out = append(out, TaskInfo{
			ID:      id,
			Type:    runner.Task().Type(),
			Running: s.isTaskRunning(id),
			State:   runner.Task().State(),
			Last:    runner.Last(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Runner returns the execution engine for an action id.
func (s *Scheduler) Runner(actionID string) (*Runner, bool) {
	r, ok := s.runners[actionID]
	return r, ok
}

func (s *Scheduler) configureSignals() {
	if s.signals != nil {
		return
	}
	s.signals = make(chan os.Signal, 1)
	signal.Notify(s.signals, syscall.SIGINT, syscall.SIGTERM)
	go func(ch <-chan os.Signal) {
		for range ch {
			s.Stop()
		}
	}(s.signals)
}

func (s *Scheduler) releaseSignals() {
	if s.signals == nil {
		return
	}
	signal.Stop(s.signals)
	close(s.signals)
	s.signals = nil
}

func (s *Scheduler) configureInstances() error {
	s.logger.Info("configuring tasks from defined actions", "actions", len(s.cfg.Actions))
	for idx, action := range s.cfg.Actions {
		s.logger.Debug("configuring action instance", "index", idx, "action_id", action.ID, "task", action.Task)
		task, err := s.registry.Build(action, s.opts.Deps)
		if err != nil {
			return err
		}
		name := action.Action
		if name == "" {
			name = DefaultAction
		}
		if _, ok := task.Action(name); !ok {
			return &ConfigError{ActionID: action.ID, Msg: fmt.Sprintf("task %s has no action %q", task.Type(), name)}
		}
		s.actions[action.ID] = action
		s.runners[action.ID] = NewRunner(task, s.reporter, s.logger)
	}
	return nil
}

func (s *Scheduler) initialChecks(ctx context.Context) error {
	if s.opts.HealthCheck == nil {
		return nil
	}
	return s.opts.HealthCheck(ctx, s.cfg.Actions)
}

func (s *Scheduler) planActionLocked(reference, horizon time.Time, action ActionConfig) error {
	trigger, err := ResolveTrigger(action, reference)
	if err != nil {
		return err
	}
	if trigger.Expired(reference) {
		s.logger.Info("job does not need to be scheduled as it is prior to current time",
			"action_id", action.ID, "run_at", trigger.RunAt.Format(time.RFC3339))
		return nil
	}
	if _, ok := s.runners[action.ID]; !ok {
		return &ConfigError{ActionID: action.ID, Msg: "no task instance configured"}
	}

	schedule := newWindowSchedule(trigger.Schedule, reference, horizon)
	id := action.ID
	job := &Job{
		ID:       id,
		Trigger:  trigger,
		FirstRun: schedule.First(),
	}
	job.entryID = s.cron.Schedule(schedule, cron.FuncJob(func() { s.dispatch(id) }))
	s.jobs[id] = job
	s.logger.Debug("job scheduled", "action_id", id, "trigger", trigger.String(), "first_run", job.FirstRun)
	return nil
}

func (s *Scheduler) removeAllLocked() {
	if s.planEntry != 0 {
		s.cron.Remove(s.planEntry)
		s.planEntry = 0
	}
	for id, job := range s.jobs {
		s.cron.Remove(job.entryID)
		delete(s.jobs, id)
	}
}

// replan runs at the horizon. The new window starts at the horizon that fired so
// fire times exactly on the boundary are kept.
func (s *Scheduler) replan() {
	reference := s.now()
	s.mu.Lock()
	previous := s.horizon
	s.mu.Unlock()
	if !previous.IsZero() && !reference.Before(previous) && reference.Sub(previous) < replanSlack {
		reference = previous
	}
	if err := s.planFrom(reference); err != nil {
		select {
		case s.fatalCh <- err:
		default:
		}
	}
}

func (s *Scheduler) dispatch(actionID string) {
	if _, err := s.execute(s.ctxOrBackground(), actionID); err != nil && !errors.Is(err, ErrTaskRunning) {
		s.logger.Error("execute task", "action_id", actionID, "err", err)
	}
}

func (s *Scheduler) execute(ctx context.Context, actionID string) (Status, error) {
	runner, ok := s.runners[actionID]
	if !ok {
		return StatusInvalid, fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}
	if _, busy := s.running.LoadOrStore(actionID, struct{}{}); busy {
		s.logger.Info("skipping run because task is already running", "action_id", actionID)
		return StatusInvalid, ErrTaskRunning
	}
	defer s.running.Delete(actionID)

	action := s.actions[actionID]
	return runner.Invoke(ctx, action.Action, action.Args)
}

func (s *Scheduler) isTaskRunning(actionID string) bool {
	_, ok := s.running.Load(actionID)
	return ok
}

func (s *Scheduler) now() time.Time {
	if s.opts.Now != nil {
		return s.opts.Now().In(s.location)
	}
	return time.Now().In(s.location)
}

func (s *Scheduler) ctxOrBackground() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// cronLogger routes robfig/cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
