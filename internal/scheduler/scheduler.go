// Package scheduler drives the position and order reconciliation timers and
// the daily purge of stale order records.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddiefleurent/delta_hedger/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var (
	// ErrCycleInProgress is returned by Trigger when the same timer's cycle is running.
	ErrCycleInProgress = errors.New("reconciliation cycle already in progress")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("scheduler stopped")
)

// Poller runs reconciliation cycles. *reconciler.Poller satisfies it.
type Poller interface {
	PollAllAccounts(ctx context.Context) ([]models.CycleResult, error)
	PollAllOrders(ctx context.Context) ([]models.CycleResult, error)
	PollAccount(ctx context.Context, accountID string) (models.CycleResult, error)
	PollAccountOrders(ctx context.Context, accountID string) (models.CycleResult, error)
}

// Purger deletes expired order records. storage.Interface satisfies it.
type Purger interface {
	DeleteExpiredOrders(ctx context.Context, graceDays int) (int64, error)
}

// Observer is told about skipped fires and purge sweeps. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveSkip(kind models.CycleKind)
	ObservePurge(n int64, took time.Duration)
}

// Config holds timer settings.
type Config struct {
	PositionInterval time.Duration
	OrderInterval    time.Duration
	// PurgeSchedule is a standard five-field cron spec evaluated in UTC.
	PurgeSchedule  string
	OrderGraceDays int
}

// DefaultConfig is the default timer configuration.
var DefaultConfig = Config{
	PositionInterval: 5 * time.Minute,
	OrderInterval:    2 * time.Minute,
	PurgeSchedule:    "15 3 * * *",
	OrderGraceDays:   7,
}

// LastRun summarizes the most recent completed run of one timer.
type LastRun struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Accounts   int       `json:"accounts"`
	Failed     int       `json:"failed"`
	Deleted    int64     `json:"deleted,omitempty"`
	Error      string    `json:"error,omitempty"`
	Manual     bool      `json:"manual"`
}

// TimerStatus describes one timer.
type TimerStatus struct {
	Interval string     `json:"interval"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	Running  bool       `json:"running"`
	LastRun  *LastRun   `json:"last_run,omitempty"`
}

// Status is the scheduler snapshot returned to operators.
type Status struct {
	Active    bool        `json:"active"`
	Positions TimerStatus `json:"positions"`
	Orders    TimerStatus `json:"orders"`
	Purge     TimerStatus `json:"purge"`
}

// Scheduler owns the cron instance. Each timer has its own running flag:
// a fire that finds its flag set is skipped, never queued.
type Scheduler struct {
	cron     *cron.Cron
	poller   Poller
	purger   Purger
	observer Observer
	log      logrus.FieldLogger
	config   Config

	baseCtx context.Context
	cancel  context.CancelFunc

	positionsRunning atomic.Bool
	ordersRunning    atomic.Bool
	purgeRunning     atomic.Bool

	positionsEntry cron.EntryID
	ordersEntry    cron.EntryID
	purgeEntry     cron.EntryID

	mu      sync.Mutex
	started bool
	stopped bool
	last    map[string]*LastRun
	runs    sync.WaitGroup
	now     func() time.Time
}

// New registers the timers. The scheduler does not fire until Start.
func New(poller Poller, purger Purger, cfg Config, observer Observer, log logrus.FieldLogger) (*Scheduler, error) {
	if poller == nil || purger == nil {
		return nil, errors.New("scheduler: poller and purger are required")
	}
	if cfg.PositionInterval <= 0 {
		cfg.PositionInterval = DefaultConfig.PositionInterval
	}
	if cfg.OrderInterval <= 0 {
		cfg.OrderInterval = DefaultConfig.OrderInterval
	}
	if cfg.PurgeSchedule == "" {
		cfg.PurgeSchedule = DefaultConfig.PurgeSchedule
	}
	if cfg.OrderGraceDays <= 0 {
		cfg.OrderGraceDays = DefaultConfig.OrderGraceDays
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	log = log.WithField("component", "scheduler")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cron.PrintfLogger(log)),
			cron.WithChain(cron.Recover(cron.PrintfLogger(log))),
		),
		poller:   poller,
		purger:   purger,
		observer: observer,
		log:      log,
		config:   cfg,
		baseCtx:  ctx,
		cancel:   cancel,
		last:     make(map[string]*LastRun),
		now:      func() time.Time { return time.Now().UTC() },
	}

	var err error
	if s.positionsEntry, err = s.cron.AddFunc("@every "+cfg.PositionInterval.String(), func() { s.fire(models.CyclePositions) }); err != nil {
		cancel()
		return nil, fmt.Errorf("scheduler: position timer: %w", err)
	}
	if s.ordersEntry, err = s.cron.AddFunc("@every "+cfg.OrderInterval.String(), func() { s.fire(models.CycleOrders) }); err != nil {
		cancel()
		return nil, fmt.Errorf("scheduler: order timer: %w", err)
	}
	if s.purgeEntry, err = s.cron.AddFunc(cfg.PurgeSchedule, s.firePurge); err != nil {
		cancel()
		return nil, fmt.Errorf("scheduler: purge schedule %q: %w", cfg.PurgeSchedule, err)
	}
	return s, nil
}

// Start begins firing timers. Calling Start twice is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	s.started = true
	s.cron.Start()
	s.log.WithFields(logrus.Fields{
		"position_interval": s.config.PositionInterval,
		"order_interval":    s.config.OrderInterval,
		"purge_schedule":    s.config.PurgeSchedule,
	}).Info("Scheduler started")
	return nil
}

// Stop prevents new cycles and waits for running ones until ctx expires.
// It may be called again to keep waiting.
// A running cycle finishes its current account before it notices the stop.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: waiting for running cycles: %w", ctx.Err())
	}
}

func (s *Scheduler) guard(kind models.CycleKind) *atomic.Bool {
	if kind == models.CycleOrders {
		return &s.ordersRunning
	}
	return &s.positionsRunning
}

// begin claims the timer's running flag and registers the run with Stop.
func (s *Scheduler) begin(kind models.CycleKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if !s.guard(kind).CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	s.runs.Add(1)
	return nil
}

func (s *Scheduler) end(kind models.CycleKind) {
	s.guard(kind).Store(false)
	s.runs.Done()
}

// fire is the cron job body for a reconciliation timer.
func (s *Scheduler) fire(kind models.CycleKind) {
	log := s.log.WithField("timer", kind)
	if err := s.begin(kind); err != nil {
		if errors.Is(err, ErrCycleInProgress) {
			log.Warn("Previous cycle still running, skipping tick")
			if s.observer != nil {
				s.observer.ObserveSkip(kind)
			}
		}
		return
	}
	defer s.end(kind)

	if _, err := s.run(s.baseCtx, kind, "", false); err != nil {
		log.WithError(err).Error("Cycle aborted")
	}
}

// Trigger runs one cycle now, sharing the timer's running flag. An empty
// accountID polls every account.
func (s *Scheduler) Trigger(ctx context.Context, kind models.CycleKind, accountID string) ([]models.CycleResult, error) {
	if kind == "" {
		kind = models.CyclePositions
	}
	if kind != models.CyclePositions && kind != models.CycleOrders {
		return nil, &models.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown cycle kind %q", kind)}
	}
	if err := s.begin(kind); err != nil {
		return nil, err
	}
	defer s.end(kind)
	return s.run(ctx, kind, accountID, true)
}

func (s *Scheduler) run(ctx context.Context, kind models.CycleKind, accountID string, manual bool) ([]models.CycleResult, error) {
	lr := &LastRun{StartedAt: s.now(), Manual: manual}
	var (
		results []models.CycleResult
		err     error
	)
	switch {
	case accountID != "" && kind == models.CycleOrders:
		var r models.CycleResult
		r, err = s.poller.PollAccountOrders(ctx, accountID)
		results = []models.CycleResult{r}
	case accountID != "":
		var r models.CycleResult
		r, err = s.poller.PollAccount(ctx, accountID)
		results = []models.CycleResult{r}
	case kind == models.CycleOrders:
		results, err = s.poller.PollAllOrders(ctx)
	default:
		results, err = s.poller.PollAllAccounts(ctx)
	}

	lr.FinishedAt = s.now()
	lr.Accounts = len(results)
	for _, r := range results {
		if !r.Success {
			lr.Failed++
		}
	}
	if err != nil {
		lr.Error = err.Error()
	}
	s.mu.Lock()
	s.last[string(kind)] = lr
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"timer":    kind,
		"accounts": lr.Accounts,
		"failed":   lr.Failed,
		"manual":   manual,
		"took":     lr.FinishedAt.Sub(lr.StartedAt),
	}).Info("Cycle complete")
	return results, err
}

func (s *Scheduler) firePurge() {
	if _, err := s.Purge(s.baseCtx); err != nil && !errors.Is(err, ErrCycleInProgress) && !errors.Is(err, ErrStopped) {
		s.log.WithError(err).Error("Order purge failed")
	}
}

// Purge deletes order records older than the grace period. Re-running with
// nothing eligible deletes nothing.
func (s *Scheduler) Purge(ctx context.Context) (int64, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, ErrStopped
	}
	if !s.purgeRunning.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return 0, ErrCycleInProgress
	}
	s.runs.Add(1)
	s.mu.Unlock()
	defer func() {
		s.purgeRunning.Store(false)
		s.runs.Done()
	}()

	start := s.now()
	lr := &LastRun{StartedAt: start}
	n, err := s.purger.DeleteExpiredOrders(ctx, s.config.OrderGraceDays)
	lr.FinishedAt = s.now()
	lr.Deleted = n
	if err != nil {
		lr.Error = err.Error()
	}
	s.mu.Lock()
	s.last["purge"] = lr
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("purge expired orders: %w", err)
	}
	if s.observer != nil {
		s.observer.ObservePurge(n, lr.FinishedAt.Sub(start))
	}
	s.log.WithFields(logrus.Fields{"deleted": n, "grace_days": s.config.OrderGraceDays}).Info("Purged expired order records")
	return n, nil
}

// Status reports timer intervals, next-run estimates and the last runs.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	active := s.started && !s.stopped
	positionsLast := copyLast(s.last[string(models.CyclePositions)])
	ordersLast := copyLast(s.last[string(models.CycleOrders)])
	purgeLast := copyLast(s.last["purge"])
	s.mu.Unlock()

	next := func(id cron.EntryID) *time.Time {
		if !active {
			return nil
		}
		e := s.cron.Entry(id)
		if !e.Valid() || e.Next.IsZero() {
			return nil
		}
		t := e.Next
		return &t
	}
	return Status{
		Active: active,
		Positions: TimerStatus{
			Interval: s.config.PositionInterval.String(),
			NextRun:  next(s.positionsEntry),
			Running:  s.positionsRunning.Load(),
			LastRun:  positionsLast,
		},
		Orders: TimerStatus{
			Interval: s.config.OrderInterval.String(),
			NextRun:  next(s.ordersEntry),
			Running:  s.ordersRunning.Load(),
			LastRun:  ordersLast,
		},
		Purge: TimerStatus{
			Interval: s.config.PurgeSchedule,
			NextRun:  next(s.purgeEntry),
			Running:  s.purgeRunning.Load(),
			LastRun:  purgeLast,
		},
	}
}

func copyLast(lr *LastRun) *LastRun {
	if lr == nil {
		return nil
	}
	c := *lr
	return &c
}
