package cleanup

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codebuildervaibhav/scribber/internal/logging"
)

// SweepFunc removes stale items and reports how many it removed.
type SweepFunc func() (int, error)

type task struct {
	name  string
	sweep SweepFunc
}

// Scheduler periodically runs named sweep tasks: expired correlation
// tokens, finished export jobs and abandoned upload temp files.
type Scheduler struct {
	interval time.Duration
	logger   zerolog.Logger

	mu    sync.Mutex
	tasks []task

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler that sweeps every interval.
func NewScheduler(interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scheduler{
		interval: interval,
		logger:   logging.WithComponent("cleanup"),
		stopChan: make(chan struct{}),
	}
}

// Add registers a sweep task. Tasks run in registration order.
func (s *Scheduler) Add(name string, sweep SweepFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task{name: name, sweep: sweep})
}

// Start runs an initial sweep and then sweeps on every tick until Stop.
func (s *Scheduler) Start() {
	s.RunOnce()

	ticker := time.NewTicker(s.interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce()
			case <-s.stopChan:
				return
			}
		}
	}()

	s.logger.Info().Dur("interval", s.interval).Int("tasks", len(s.snapshot())).Msg("Cleanup scheduler started")
}

// Stop ends the periodic sweep and waits for a running one to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.logger.Info().Msg("Cleanup scheduler stopped")
}

// RunOnce runs every task once and returns the removal count per task.
// A failing or panicking task does not stop the others.
func (s *Scheduler) RunOnce() map[string]int {
	results := make(map[string]int)
	for _, t := range s.snapshot() {
		n, err := s.run(t)
		results[t.name] = n
		if err != nil {
			s.logger.Warn().Err(err).Str("task", t.name).Msg("Cleanup task failed")
			continue
		}
		if n > 0 {
			s.logger.Info().Str("task", t.name).Int("removed", n).Msg("Cleanup complete")
		}
	}
	return results
}

func (s *Scheduler) run(t task) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("task", t.name).Msg("Cleanup task panicked")
			n, err = 0, nil
		}
	}()
	return t.sweep()
}

func (s *Scheduler) snapshot() []task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]task(nil), s.tasks...)
}
