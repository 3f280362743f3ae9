package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/loanpay/internal/domain"
	"github.com/punchamoorthee/loanpay/internal/metrics"
)

// Task ids of the jobs the service registers.
const (
	ReminderSweep   = "reminder-sweep"
	EscalationSweep = "escalation-sweep"
	PendingRecovery = "pending-recovery"
)

// Job is one execution of a task. A returned error (or a panic) counts as a
// failed run.
type Job func(ctx context.Context) error

// TaskStore persists task bookkeeping between restarts.
type TaskStore interface {
	Load(ctx context.Context, id string) (domain.ScheduledTask, bool, error)
	Save(ctx context.Context, t domain.ScheduledTask) error
}

type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	LockTTL    time.Duration
	// TimeUnit is the length of one interval minute. Tests shrink it.
	TimeUnit time.Duration
}

type entry struct {
	task domain.ScheduledTask
	job  Job
	busy atomic.Bool

	stop  chan struct{} // closes the periodic loop; nil when no loop runs
	retry *time.Timer
}

// Scheduler runs registered tasks on independent intervals. A failed run is
// retried once after RetryDelay; a task that fails MaxRetries times in a row
// is disabled until re-enabled.
type Scheduler struct {
	cfg    Config
	store  TaskStore
	locker Locker
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*entry
	order   []string
	running bool
	ctx     context.Context

	loops sync.WaitGroup
	runs  sync.WaitGroup

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// New builds a stopped scheduler. store and locker may be nil.
func New(cfg Config, store TaskStore, locker Locker, logger *slog.Logger) *Scheduler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.TimeUnit <= 0 {
		cfg.TimeUnit = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		locker: locker,
		logger: logger.With("module", "scheduler"),
		tasks:  make(map[string]*entry),
		ctx:    context.Background(),
		Now:    time.Now,
	}
}

// Register adds a task. Persisted bookkeeping (enabled flag, retry count,
// last run) survives a restart; the interval and name come from def.
func (s *Scheduler) Register(ctx context.Context, def domain.ScheduledTask, job Job) error {
	if def.ID == "" || job == nil {
		return fmt.Errorf("%w: task needs an id and a job", domain.ErrInvalidRequest)
	}
	if def.IntervalMinutes <= 0 {
		return fmt.Errorf("%w: task %s interval must be positive", domain.ErrInvalidRequest, def.ID)
	}
	if def.MaxRetries <= 0 {
		def.MaxRetries = s.cfg.MaxRetries
	}
	def.Running = false

	if s.store != nil {
		saved, found, err := s.store.Load(ctx, def.ID)
		if err != nil {
			return err
		}
		if found {
			def.Enabled = saved.Enabled
			def.RetryCount = saved.RetryCount
			def.LastRun = saved.LastRun
			def.LastError = saved.LastError
		}
	}

	s.mu.Lock()
	if _, ok := s.tasks[def.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrTaskExists, def.ID)
	}
	e := &entry{task: def, job: job}
	s.tasks[def.ID] = e
	s.order = append(s.order, def.ID)
	if s.running && def.Enabled {
		s.startLoop(e)
	}
	snapshot := e.task
	s.mu.Unlock()

	setEnabledGauge(snapshot)
	s.persist(ctx, snapshot)
	return nil
}

// Start begins the periodic timers of every enabled task. Jobs run detached
// from ctx cancellation; use Stop to end the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx = context.WithoutCancel(ctx)
	var started []domain.ScheduledTask
	for _, id := range s.order {
		e := s.tasks[id]
		if e.task.Enabled {
			s.startLoop(e)
			started = append(started, e.task)
		}
	}
	s.mu.Unlock()

	for _, t := range started {
		s.persist(ctx, t)
	}
	s.logger.InfoContext(ctx, "scheduler started", "operation", "start", "tasks", len(started))
}

// Stop cancels every timer and waits for in-flight runs to finish. Task
// definitions are untouched, so Start resumes with the same configuration.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for _, e := range s.tasks {
		s.stopLoop(e)
		s.cancelRetry(e)
	}
	s.mu.Unlock()

	s.loops.Wait()
	s.runs.Wait()
	s.logger.Info("scheduler stopped", "operation", "stop")
}

// TriggerTask runs a task now, outside its timer, and returns the run's
// error. Retry and disable bookkeeping apply as for a timed run.
func (s *Scheduler) TriggerTask(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if !e.task.Enabled {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrTaskDisabled, id)
	}
	s.runs.Add(1)
	s.mu.Unlock()
	defer s.runs.Done()

	return s.execute(context.WithoutCancel(ctx), e, "manual")
}

// Enable re-enables a task and clears its failure streak.
func (s *Scheduler) Enable(ctx context.Context, id string) (domain.ScheduledTask, error) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return domain.ScheduledTask{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	e.task.Enabled = true
	e.task.RetryCount = 0
	e.task.LastError = ""
	if s.running && e.stop == nil {
		s.startLoop(e)
	}
	snapshot := s.snapshot(e)
	s.mu.Unlock()

	setEnabledGauge(snapshot)
	s.persist(ctx, snapshot)
	s.logger.InfoContext(ctx, "task enabled", "operation", "enable", "task", id)
	return snapshot, nil
}

// Disable stops a task's timers. A run already in progress finishes.
func (s *Scheduler) Disable(ctx context.Context, id string) (domain.ScheduledTask, error) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return domain.ScheduledTask{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	e.task.Enabled = false
	s.stopLoop(e)
	s.cancelRetry(e)
	snapshot := s.snapshot(e)
	s.mu.Unlock()

	setEnabledGauge(snapshot)
	s.persist(ctx, snapshot)
	s.logger.InfoContext(ctx, "task disabled", "operation", "disable", "task", id)
	return snapshot, nil
}

// Status reports the scheduler state for the operations dashboard.
func (s *Scheduler) Status() domain.SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := domain.SchedulerStatus{IsRunning: s.running, Tasks: make([]domain.ScheduledTask, 0, len(s.order))}
	for _, id := range s.order {
		st.Tasks = append(st.Tasks, s.snapshot(s.tasks[id]))
	}
	return st
}

// Task returns one task's current state.
func (s *Scheduler) Task(id string) (domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return domain.ScheduledTask{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return s.snapshot(e), nil
}

// startLoop must be called with s.mu held.
func (s *Scheduler) startLoop(e *entry) {
	interval := time.Duration(e.task.IntervalMinutes) * s.cfg.TimeUnit
	stop := make(chan struct{})
	e.stop = stop
	next := s.Now().Add(interval).UTC()
	e.task.NextRun = &next

	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				// The run happens on this goroutine, so ticks that arrive
				// while it is busy are dropped rather than queued.
				if err := s.execute(s.runContext(), e, "timer"); errors.Is(err, domain.ErrTaskRunning) {
					s.logger.Debug("tick skipped, task busy", "operation", "tick", "task", e.task.ID)
				}
			}
		}
	}()
}

// stopLoop must be called with s.mu held.
func (s *Scheduler) stopLoop(e *entry) {
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
	e.task.NextRun = nil
}

// cancelRetry must be called with s.mu held.
func (s *Scheduler) cancelRetry(e *entry) {
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// scheduleRetry must be called with s.mu held. A pending retry is replaced,
// so a task never has more than one.
func (s *Scheduler) scheduleRetry(e *entry) time.Time {
	s.cancelRetry(e)
	var timer *time.Timer
	timer = time.AfterFunc(s.cfg.RetryDelay, func() {
		s.mu.Lock()
		if !s.running || e.retry != timer || !e.task.Enabled {
			s.mu.Unlock()
			return
		}
		e.retry = nil
		ctx := s.ctx
		s.runs.Add(1)
		s.mu.Unlock()
		defer s.runs.Done()
		_ = s.execute(ctx, e, "retry")
	})
	e.retry = timer
	return s.Now().Add(s.cfg.RetryDelay).UTC()
}

// execute runs the job once with the non-reentrance guard and the
// distributed lock, then applies the retry/disable bookkeeping.
func (s *Scheduler) execute(ctx context.Context, e *entry, cause string) error {
	id := e.task.ID
	if !e.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", domain.ErrTaskRunning, id)
	}
	defer e.busy.Store(false)

	logger := s.logger.With("operation", "run", "task", id, "cause", cause)

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, id, s.cfg.LockTTL)
		if err != nil {
			// Not a job failure: a lock outage must not disable every task,
			// but the status endpoint has to show it.
			metrics.TaskRuns.WithLabelValues(id, "lock_error").Inc()
			logger.ErrorContext(ctx, "could not take task lock, skipping run", "outcome", "lock_error", "error", err)
			s.mu.Lock()
			e.task.LastError = "task lock unavailable: " + err.Error()
			snapshot := s.snapshot(e)
			snapshot.Running = false
			s.mu.Unlock()
			s.persist(ctx, snapshot)
			return fmt.Errorf("lock %s: %w", id, err)
		}
		if !ok {
			metrics.TaskRuns.WithLabelValues(id, "skipped").Inc()
			logger.InfoContext(ctx, "task running on another instance, skipping", "outcome", "skipped")
			return fmt.Errorf("%w: %s holds the lock elsewhere", domain.ErrTaskRunning, id)
		}
		defer func() {
			uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := unlock(uctx); err != nil {
				logger.WarnContext(ctx, "could not release task lock", "error", err)
			}
		}()
	}

	started := s.Now()
	err := call(ctx, e.job)
	elapsed := s.Now().Sub(started)

	s.mu.Lock()
	last := started.UTC()
	e.task.LastRun = &last
	disabled := false
	if err == nil {
		e.task.RetryCount = 0
		e.task.LastError = ""
		if e.stop != nil {
			next := s.Now().Add(time.Duration(e.task.IntervalMinutes) * s.cfg.TimeUnit).UTC()
			e.task.NextRun = &next
		}
	} else {
		e.task.RetryCount++
		e.task.LastError = err.Error()
		if e.task.RetryCount >= e.task.MaxRetries {
			e.task.Enabled = false
			s.stopLoop(e)
			s.cancelRetry(e)
			disabled = true
		} else if s.running && e.task.Enabled {
			next := s.scheduleRetry(e)
			e.task.NextRun = &next
		}
	}
	snapshot := s.snapshot(e)
	snapshot.Running = false
	s.mu.Unlock()

	s.persist(ctx, snapshot)

	switch {
	case err == nil:
		metrics.TaskRuns.WithLabelValues(id, "ok").Inc()
		logger.InfoContext(ctx, "task run finished", "outcome", "ok", "duration", elapsed)
	case disabled:
		metrics.TaskRuns.WithLabelValues(id, "error").Inc()
		setEnabledGauge(snapshot)
		logger.ErrorContext(ctx, "task disabled after repeated failures", "outcome", "disabled",
			"retry_count", snapshot.RetryCount, "max_retries", snapshot.MaxRetries, "error", err)
	default:
		metrics.TaskRuns.WithLabelValues(id, "error").Inc()
		logger.WarnContext(ctx, "task run failed", "outcome", "error",
			"retry_count", snapshot.RetryCount, "max_retries", snapshot.MaxRetries, "error", err)
	}
	return err
}

func call(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return job(ctx)
}

// snapshot must be called with s.mu held.
func (s *Scheduler) snapshot(e *entry) domain.ScheduledTask {
	t := e.task
	t.Running = e.busy.Load()
	if t.LastRun != nil {
		v := *t.LastRun
		t.LastRun = &v
	}
	if t.NextRun != nil {
		v := *t.NextRun
		t.NextRun = &v
	}
	return t
}

func (s *Scheduler) persist(ctx context.Context, t domain.ScheduledTask) {
	if s.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.Save(pctx, t); err != nil {
		s.logger.ErrorContext(ctx, "could not persist task state", "operation", "persist", "task", t.ID, "error", err)
	}
}

func setEnabledGauge(t domain.ScheduledTask) {
	v := 0.0
	if t.Enabled {
		v = 1
	}
	metrics.TaskEnabled.WithLabelValues(t.ID).Set(v)
}
