/*
scheduler.go - Periodic sequence integrity sweep

PURPOSE:
  Runs VerifyIntegrity over every sequence domain on a cron schedule and
  logs the gaps it finds. The sweep is read-only: it never repairs and
  never takes a sequence lock, so it cannot slow down issuance. Repair
  stays an explicit admin call.

DESIGN:
  - robfig/cron drives the schedule; a panicking run is recovered
  - The three domains are checked concurrently with errgroup
  - Gap counts go to the integrity metric inside VerifyIntegrity

CONFIGURATION:
  - Schedule: standard 5-field cron expression (default "0 3 * * *")
  - Enabled: whether the sweep is started at all

USAGE:
  sweep := NewIntegrityScheduler(store, seq, "0 3 * * *", logger)
  if err := sweep.Start(); err != nil { ... }
  defer sweep.Stop()

SEE ALSO:
  - sequence/integrity.go: VerifyIntegrity
  - handlers.go: RepairSequence endpoint (manual repair)
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/onomatopet/gestcontentieux/fiscal"
	"github.com/onomatopet/gestcontentieux/sequence"
)

// IntegrityScheduler handles the automated integrity sweep.
type IntegrityScheduler struct {
	Store    fiscal.SequenceStore
	Seq      *sequence.Generator
	Schedule string
	Enabled  bool
	// Timeout bounds one sweep.
	Timeout time.Duration

	logger *slog.Logger
	cron   *cron.Cron
	mu     sync.Mutex
}

// NewIntegrityScheduler creates an enabled scheduler.
func NewIntegrityScheduler(store fiscal.SequenceStore, seq *sequence.Generator, schedule string, logger *slog.Logger) *IntegrityScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrityScheduler{
		Store:    store,
		Seq:      seq,
		Schedule: schedule,
		Enabled:  true,
		Timeout:  5 * time.Minute,
		logger:   logger.With("component", "integrity_sweep"),
	}
}

// Start registers the sweep and starts the cron runner.
func (s *IntegrityScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("integrity sweep disabled, not starting")
		return nil
	}
	if s.cron != nil {
		return nil
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))
	if _, err := c.AddFunc(s.Schedule, s.run); err != nil {
		return fmt.Errorf("schedule integrity sweep %q: %w", s.Schedule, err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("integrity sweep started", "schedule", s.Schedule)
	return nil
}

// Stop stops the runner and waits for a sweep in progress.
func (s *IntegrityScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.logger.Info("integrity sweep stopped")
}

func (s *IntegrityScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("integrity sweep failed", "error", err)
	}
}

// RunOnce checks every domain and returns the warnings per domain.
// Individual gaps are logged by VerifyIntegrity.
func (s *IntegrityScheduler) RunOnce(ctx context.Context) (map[fiscal.Domain][]fiscal.IntegrityWarning, error) {
	start := time.Now()
	results := make([][]fiscal.IntegrityWarning, len(fiscal.Domains))

	g, ctx := errgroup.WithContext(ctx)
	for i, d := range fiscal.Domains {
		g.Go(func() error {
			ws, err := s.Seq.VerifyIntegrity(ctx, s.Store, d)
			if err != nil {
				return fmt.Errorf("%s: %w", d, err)
			}
			results[i] = ws
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[fiscal.Domain][]fiscal.IntegrityWarning, len(fiscal.Domains))
	total := 0
	for i, d := range fiscal.Domains {
		out[d] = results[i]
		total += len(results[i])
	}
	s.logger.Info("integrity sweep finished", "gaps", total, "duration", time.Since(start))
	return out, nil
}
