package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"postscheduler-go/internal/dispatch"
	"postscheduler-go/internal/metrics"
)

// ErrRunInProgress is returned when a dispatch run is requested while another
// one in this process has not finished.
var ErrRunInProgress = errors.New("dispatch run already in progress")

// DefaultSchedule runs the dispatcher every minute.
const DefaultSchedule = "* * * * *"

// Runner executes one dispatch run.
type Runner interface {
	Run(ctx context.Context) (*dispatch.RunReport, error)
}

// Scheduler triggers dispatch runs on a cron schedule and on demand, never
// more than one at a time.
type Scheduler struct {
	runner     Runner
	schedule   *CronSchedule
	log        logrus.FieldLogger
	runMu      sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	cronWakeup chan struct{}
	now        func() time.Time
}

// NewScheduler creates a Scheduler for a 5-field cron expression. An empty
// expression uses DefaultSchedule.
func NewScheduler(ctx context.Context, runner Runner, expr string, log logrus.FieldLogger) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if expr == "" {
		expr = DefaultSchedule
	}
	schedule, err := ParseCron(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid dispatch schedule %q: %w", expr, err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	cctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		runner:     runner,
		schedule:   schedule,
		log:        log,
		ctx:        cctx,
		cancel:     cancel,
		cronWakeup: make(chan struct{}, 1),
		now:        time.Now,
	}, nil
}

// RunNow runs the dispatcher immediately and returns its report. It fails
// with ErrRunInProgress instead of waiting for a running dispatch.
func (s *Scheduler) RunNow(ctx context.Context, trigger string) (*dispatch.RunReport, error) {
	if !s.runMu.TryLock() {
		metrics.DispatchRuns.WithLabelValues("busy", trigger).Inc()
		return nil, ErrRunInProgress
	}
	defer s.runMu.Unlock()

	start := time.Now()
	report, err := s.runner.Run(ctx)
	metrics.DispatchRunDuration.WithLabelValues(trigger).Observe(time.Since(start).Seconds())

	result := "ok"
	var queryErr *dispatch.QueryError
	switch {
	case errors.As(err, &queryErr):
		result = "query_error"
	case err != nil:
		result = "error"
	}
	metrics.DispatchRuns.WithLabelValues(result, trigger).Inc()
	return report, err
}

// Wakeup asks the scheduling loop to run now instead of waiting for the next
// cron match.
func (s *Scheduler) Wakeup() {
	select {
	case s.cronWakeup <- struct{}{}:
	default:
	}
}

// NextRun reports when the loop will next run after t.
func (s *Scheduler) NextRun(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Start begins the scheduling loop
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.schedulingLoop()
}

func (s *Scheduler) schedulingLoop() {
	defer s.wg.Done()
	for {
		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		next := s.schedule.Next(s.now())
		if next.IsZero() {
			s.log.Error("Dispatch schedule never matches; waiting for manual wakeups")
		} else {
			timer = time.NewTimer(next.Sub(s.now()))
			timerC = timer.C
		}

		select {
		case <-s.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-timerC:
			s.runScheduled("timer")
		case <-s.cronWakeup:
			if timer != nil {
				timer.Stop()
			}
			s.runScheduled("wakeup")
		}
	}
}

func (s *Scheduler) runScheduled(trigger string) {
	log := s.log.WithField("trigger", trigger)
	report, err := s.RunNow(s.ctx, trigger)
	switch {
	case errors.Is(err, ErrRunInProgress):
		log.Debug("Skipping dispatch run, previous run still in progress")
	case errors.Is(err, context.Canceled):
		log.Info("Dispatch run stopped before draining the queue")
	case err != nil:
		log.WithError(err).Error("Dispatch run failed")
	default:
		log.WithField("processed", report.Processed).Debug("Scheduled dispatch run complete")
	}
}

// Stop gracefully shuts down the scheduler, waiting for an in-flight run
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
