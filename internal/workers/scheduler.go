package workers

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"toolflow/pkg/errors"
	"toolflow/pkg/logger"
)

const stopTimeout = 30 * time.Second

// Scheduler runs registered workers, each on its own ticker.
type Scheduler struct {
	mu      sync.Mutex
	workers []Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	log     *logger.Logger
}

// NewScheduler creates a new worker scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{
		log: logger.Get().With("component", "worker_scheduler"),
	}
}

// RegisterWorker adds a worker. Registration after Start is ignored.
func (s *Scheduler) RegisterWorker(w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.log.Warnw("Cannot register worker after scheduler has started", "worker", w.Name())
		return
	}

	s.workers = append(s.workers, w)
	s.log.Infow("Worker registered", "worker", w.Name(), "interval", w.Interval())
}

// Start runs every enabled worker until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.Wrap(errors.ErrInternal, "scheduler already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	running := 0
	for _, w := range s.workers {
		if !w.Enabled() {
			s.log.Infow("Skipping disabled worker", "worker", w.Name())
			continue
		}
		running++
		s.wg.Add(1)
		go s.loop(ctx, w)
	}

	s.log.Infow("Worker scheduler started", "workers", running)
	return nil
}

// Stop cancels the workers and waits for the current iterations to end.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrInternal, "scheduler not started")
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("All workers stopped")
		return nil
	case <-time.After(stopTimeout):
		return errors.Wrapf(errors.ErrTimeout, "workers still running after %s", stopTimeout)
	}
}

func (s *Scheduler) loop(ctx context.Context, w Worker) {
	defer s.wg.Done()

	ticker := time.NewTicker(w.Interval())
	defer ticker.Stop()

	s.execute(ctx, w)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.execute(ctx, w)
		}
	}
}

// execute runs one iteration and never panics.
func (s *Scheduler) execute(ctx context.Context, w Worker) {
	start := time.Now()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Wrapf(errors.ErrInternal, "worker %s panicked: %v", w.Name(), r)
				s.log.Errorw("Worker panicked", "worker", w.Name(), "panic", r, "stack", string(debug.Stack()))
			}
		}()
		err = w.Run(ctx)
	}()

	elapsed := time.Since(start)
	rec, tracks := w.(runRecorder)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Errorw("Worker run failed", "worker", w.Name(), "error", err, "duration", elapsed)
		if tracks {
			rec.RecordError(err, elapsed)
		}
		return
	}

	if tracks {
		rec.RecordRun(elapsed)
	}
}

// GetWorkers returns the registered workers in registration order.
func (s *Scheduler) GetWorkers() []Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Worker(nil), s.workers...)
}

// IsRunning reports whether the scheduler has been started and not stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
