package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matthewjhunter/kleinwatch"
	"github.com/matthewjhunter/kleinwatch/internal/bot"
	"github.com/matthewjhunter/kleinwatch/internal/metrics"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot, the check scheduler and the metrics server",
		Long: `Long-poll Telegram for subscriber commands, sweep every subscriber each
monitor.interval and serve /metrics and /healthz on server.addr.
On SIGINT/SIGTERM polling stops, no new sweeps start, and a running sweep
gets server.shutdown_grace to finish before it is cancelled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sigCtx, stop := signalContext()
			defer stop()

			m := metrics.New(nil)
			engine, tg, err := openEngine(true, m)
			if err != nil {
				return err
			}
			defer engine.Close()

			// work outlives the signal so a running sweep can finish.
			work, cancelWork := context.WithCancel(context.Background())
			defer cancelWork()

			sched := kleinwatch.NewScheduler(engine, log)
			if err := sched.Start(work); err != nil {
				return err
			}

			handler := bot.NewHandler(engine, tg.sender, log).WithWorkContext(work)
			pollCtx, cancelPoll := context.WithCancel(work)
			defer cancelPoll()
			polling := make(chan error, 1)
			go func() { polling <- handler.Run(pollCtx, tg.bot, cfg.Telegram.PollTimeout) }()

			srv, serving := serveHTTP(cfg.Server.Addr, newHTTPHandler(m, log))

			var runErr error
			select {
			case <-sigCtx.Done():
				log.Info("shutdown signal received")
			case err := <-polling:
				runErr = err
				log.Error("bot polling ended", zap.Error(err))
			case err := <-serving:
				runErr = err
				log.Error("http server failed", zap.Error(err))
			}

			shutdown(sched, handler, srv, cancelPoll, cancelWork, cfg.Server.ShutdownGrace)
			return runErr
		},
	}
}

// serveHTTP starts the metrics listener in the background. An empty addr
// disables it: the server is nil and the error channel never fires.
func serveHTTP(addr string, h http.Handler) (*http.Server, <-chan error) {
	serving := make(chan error, 1)
	if addr == "" {
		log.Info("http server disabled")
		return nil, serving
	}
	srv := newHTTPServer(addr, h)
	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serving <- err
		}
	}()
	return srv, serving
}

// shutdown stops intake first, then gives the running sweep up to grace
// before cancelling it.
func shutdown(sched *kleinwatch.Scheduler, handler *bot.Handler, srv *http.Server, cancelPoll, cancelWork context.CancelFunc, grace time.Duration) {
	cancelPoll()
	stopped := sched.Stop()

	if srv != nil {
		httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(httpCtx); err != nil {
			log.Warn("http server shutdown", zap.Error(err))
		}
		cancel()
	}

	select {
	case <-stopped.Done():
	case <-time.After(grace):
		log.Warn("sweep still running after grace period, cancelling", zap.Duration("grace", grace))
		cancelWork()
		<-stopped.Done()
	}
	cancelWork()
	handler.Wait()
	log.Info("stopped")
}
