package kleinwatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/matthewjhunter/kleinwatch/internal/logger"
)

// Scheduler fires a fleet sweep every base interval.
type Scheduler struct {
	engine     *Engine
	cron       *cron.Cron
	interval   time.Duration
	runOnStart bool
	log        logger.Logger

	entry   cron.EntryID
	initial sync.WaitGroup
}

// NewScheduler builds a scheduler using the engine's monitor settings.
func NewScheduler(e *Engine, log logger.Logger) *Scheduler {
	cl := cronLogger{log: log.With(zap.String("component", "scheduler"))}
	return &Scheduler{
		engine:     e,
		cron:       cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		interval:   e.cfg.Monitor.Interval,
		runOnStart: e.cfg.Monitor.RunOnStart,
		log:        log,
	}
}

// Start begins firing sweeps bound to ctx. With run_on_start set the first
// sweep runs immediately in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval < time.Second {
		return fmt.Errorf("interval %s is too short to schedule", s.interval)
	}
	s.entry = s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(func() {
		s.engine.CheckAllSubscribers(ctx)
	}))
	s.cron.Start()
	s.log.Info("scheduler started", zap.Duration("interval", s.interval), zap.Bool("run_on_start", s.runOnStart))

	if s.runOnStart {
		job := s.cron.Entry(s.entry).WrappedJob
		s.initial.Add(1)
		go func() {
			defer s.initial.Done()
			job.Run()
		}()
	}
	return nil
}

// Stop stops firing new sweeps. The returned context is done once any sweep
// in progress has finished.
func (s *Scheduler) Stop() context.Context {
	cronDone := s.cron.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronDone.Done()
		s.initial.Wait()
		s.log.Info("scheduler stopped")
		cancel()
	}()
	return ctx
}

// TriggerNow runs one sweep synchronously. It reports false if a sweep was
// already running.
func (s *Scheduler) TriggerNow(ctx context.Context) bool {
	return s.engine.CheckAllSubscribers(ctx)
}

// cronLogger adapts cron's key/value logger to structured logging.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, logger.KeysAndValues(keysAndValues...)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(logger.KeysAndValues(keysAndValues...), zap.Error(err))
	l.log.Error(msg, fields...)
}
