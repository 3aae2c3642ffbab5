package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/franksops/dmove/engine"
	"github.com/franksops/dmove/provider"
	"github.com/franksops/dmove/store"
	"github.com/franksops/dmove/ui"
)

var (
	errInterrupted = errors.New("interrupted, run \"dmove resume\" to continue")
	errJobsFailed  = errors.New("some jobs failed")
)

// feeder produces tasks for a run and returns when it has sent them all.
type feeder func(ctx context.Context, rt *runtime, jobs engine.JobChannel) error

// runtime holds the long lived parts of a run.
type runtime struct {
	cfg      *Config
	store    *store.BoltStore
	registry *provider.Registry
	tracker  *engine.JobTracker
	executor *engine.Executor

	// stdin and stdout of the overwrite prompt
	in  io.Reader
	out io.Writer
}

func openStore(cfg *Config) (*store.BoltStore, error) {
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	st, err := store.NewBoltStore(filepath.Join(cfg.StateDir, "state.db"), store.WithCodec(cfg.codec()))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}
	return st, nil
}

func newRuntime(cfg *Config, in io.Reader, out io.Writer) (*runtime, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := provider.NewRegistry()
	registry.RegisterS3()
	if cfg.Minio.Endpoint != "" {
		registry.RegisterMinio(cfg.minio())
	}

	rt := &runtime{
		cfg:      cfg,
		store:    st,
		registry: registry,
		tracker:  engine.NewJobTracker(st, cfg.checkpointConfig()),
		in:       in,
		out:      out,
	}

	var prompt engine.PromptFunc
	if cfg.policy() == engine.PolicyPrompt {
		prompt = newPrompt(in, out)
	}
	rt.executor = engine.NewExecutor(registry, rt.tracker, engine.NewResolver(cfg.policy(), prompt),
		engine.WithMaxRetries(cfg.MaxRetries),
		engine.WithChecksum(cfg.Checksum),
		engine.WithBufferPool(engine.NewBufferPool(cfg.BufferSize)),
	)
	return rt, nil
}

func (rt *runtime) Close() error {
	return rt.store.Close()
}

// run executes every task produced by feed on a worker pool and reports
// the outcome once the pool drains or ctx is cancelled.
func (rt *runtime) run(ctx context.Context, feed feeder) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	flushCtx, stopFlush := context.WithCancel(context.Background())
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		rt.tracker.Run(flushCtx)
	}()

	if rt.cfg.MetricsAddr != "" {
		srv := serveMetrics(rt.cfg.MetricsAddr)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	jobChan := make(engine.JobChannel, 1000)
	pool := engine.NewWorkerPool(ctx, jobChan, rt.executor.Execute)
	pool.SetWorkerCount(rt.cfg.Streams)

	var tuiDone chan struct{}
	var program *tea.Program
	sampler := ui.NewSampler()
	if rt.cfg.TUI {
		logFile, err := rt.redirectLogs()
		if err != nil {
			return err
		}
		defer logFile.Close()

		model := ui.NewTUIModel(sampler.Sample(time.Now(), nil, rt.cfg.Streams, rt.cfg.Streams), func(delta int) {
			pool.SetWorkerCount(max(pool.WorkerCount()+delta, 1))
		})
		program = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
		tuiDone = make(chan struct{})
		go func() {
			defer close(tuiDone)
			if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				log.WithError(err).Warn("TUI exited")
			}
			// quitting the TUI stops the run
			cancel()
		}()
		go func() {
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					program.Send(ui.TUIUpdateMsg{State: sampler.Sample(time.Now(), rt.tracker.Snapshot(), pool.WorkerCount(), rt.cfg.Streams)})
				}
			}
		}()
	}

	feedErr := make(chan error, 1)
	go func() {
		defer close(jobChan)
		feedErr <- feed(ctx, rt, jobChan)
	}()

	pool.Wait()
	interrupted := ctx.Err() != nil
	err := <-feedErr

	if program != nil {
		state := sampler.Sample(time.Now(), rt.tracker.Snapshot(), pool.WorkerCount(), rt.cfg.Streams)
		state.Done = true
		state.IsRunning = false
		program.Send(ui.TUIUpdateMsg{State: state})
		<-tuiDone
	}

	stopFlush()
	<-flushDone

	if interrupted {
		log.Warn("Transfer interrupted, progress saved")
		return errInterrupted
	}
	if err != nil {
		return err
	}
	return rt.summarize()
}

func (rt *runtime) summarize() error {
	counts := make(map[store.JobState]int)
	for _, p := range rt.tracker.Snapshot() {
		counts[p.State]++
	}
	log.WithFields(log.Fields{
		"completed": counts[store.StateCompleted],
		"skipped":   counts[store.StateSkipped],
		"failed":    counts[store.StateFailed],
	}).Info("Run finished")
	fmt.Fprintf(rt.out, "%d completed, %d skipped, %d failed\n",
		counts[store.StateCompleted], counts[store.StateSkipped], counts[store.StateFailed])

	if n := counts[store.StateFailed]; n > 0 {
		return fmt.Errorf("%w: %d failed, see \"dmove status --state Failed\"", errJobsFailed, n)
	}
	return nil
}

// redirectLogs sends log output to a file in the state directory while the
// TUI owns the terminal.
func (rt *runtime) redirectLogs() (io.Closer, error) {
	f, err := os.OpenFile(filepath.Join(rt.cfg.StateDir, "dmove.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	return closerFunc(func() error {
		log.SetOutput(os.Stderr)
		return f.Close()
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics server failed")
		}
	}()
	log.WithField("addr", addr).Info("Serving metrics")
	return srv
}
