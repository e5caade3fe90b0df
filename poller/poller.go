// Package poller tracks jobs whose exports are still being prepared and
// polls the provider until each export resolves or its attempt budget runs
// out.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/exportd/dispatch"
	"github.com/c360studio/exportd/job"
	"github.com/c360studio/exportd/provider"
	"github.com/c360studio/exportd/store"
)

// DefaultInterval is the global tick period.
const DefaultInterval = 5 * time.Second

// DefaultMaxAttempts bounds polling per job when the job record carries no
// override.
const DefaultMaxAttempts = 120

// Dispatcher receives the download URLs of a READY export. Satisfied by
// dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID, exportID string, urls []provider.DownloadInfo) (dispatch.DispatchResult, error)
}

// Failer moves a job to FAILED and reports it to the workflow engine.
type Failer interface {
	FailJob(ctx context.Context, jobID, errName, cause string) error
}

type entry struct {
	jobID        string
	exportID     string
	userID       string
	startedAt    time.Time
	attempts     int
	maxAttempts  int
	lastPolledAt time.Time
}

// Service is the polling scheduler. One loop ticks at the global interval;
// each tick polls every enrolled job in parallel. The entry table is guarded
// by a mutex that is never held across I/O.
type Service struct {
	provider   provider.Provider
	store      store.JobStore
	dispatcher Dispatcher
	failer     Failer
	interval   time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// wake asks the loop to move the next tick earlier.
	wake chan time.Duration

	activeGauge prometheus.Gauge
	pollCounter prometheus.Counter
}

// Option configures the Service.
type Option func(*Service)

// WithInterval overrides the global tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics registers poller metrics with reg.
func WithMetrics(reg interface{ MustRegister(...prometheus.Collector) }) Option {
	return func(s *Service) {
		s.activeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exportd_poller_active_jobs",
			Help: "Jobs currently enrolled for polling.",
		})
		s.pollCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exportd_poller_polls_total",
			Help: "Provider status polls issued.",
		})
		reg.MustRegister(s.activeGauge, s.pollCounter)
	}
}

// New creates a polling service.
func New(p provider.Provider, jobStore store.JobStore, d Dispatcher, f Failer, opts ...Option) *Service {
	s := &Service{
		provider:   p,
		store:      jobStore,
		dispatcher: d,
		failer:     f,
		interval:   DefaultInterval,
		logger:     slog.Default(),
		entries:    make(map[string]*entry),
		wake:       make(chan time.Duration, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the scheduling loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("Poller started", "interval", s.interval)
	return nil
}

// Stop halts the scheduling loop and waits for the current tick to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("Poller stopped")
}

// Enroll adds a job to the polling set. Idempotent: a second enrol of the
// same job warns and leaves the existing entry untouched. The job record's
// polling limits are honoured at enrolment: the attempt budget comes from the
// record, and a per-job interval below the global one caps the next tick so
// the first poll is not delayed by the global cadence.
func (s *Service) Enroll(ctx context.Context, jobID, exportID, userID string) {
	maxAttempts := DefaultMaxAttempts
	var jobInterval time.Duration
	if j, err := s.store.FindByID(ctx, jobID); err == nil {
		if j.MaxPollingAttempts > 0 {
			maxAttempts = j.MaxPollingAttempts
		}
		if j.PollingIntervalMs > 0 {
			jobInterval = time.Duration(j.PollingIntervalMs) * time.Millisecond
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[jobID]; exists {
		s.logger.Warn("Job already enrolled for polling", "job_id", jobID)
		return
	}
	s.entries[jobID] = &entry{
		jobID:       jobID,
		exportID:    exportID,
		userID:      userID,
		startedAt:   time.Now(),
		maxAttempts: maxAttempts,
	}
	s.sampleGauge()

	if jobInterval > 0 && jobInterval < s.interval {
		select {
		case s.wake <- jobInterval:
		default:
		}
	}

	s.logger.Info("Job enrolled for polling",
		"job_id", jobID,
		"export_id", exportID,
		"max_attempts", maxAttempts)
}

// Drop removes a job from the polling set.
func (s *Service) Drop(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, jobID)
	s.sampleGauge()
}

// ActiveCount returns the number of enrolled jobs.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ActiveJobs returns the IDs of enrolled jobs.
func (s *Service) ActiveJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

func (s *Service) sampleGauge() {
	if s.activeGauge != nil {
		s.activeGauge.Set(float64(len(s.entries)))
	}
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	nextTick := time.Now().Add(s.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.interval)
			nextTick = time.Now().Add(s.interval)
		case d := <-s.wake:
			// A newly enrolled job asked for a faster first poll. The next
			// tick only ever moves earlier.
			if at := time.Now().Add(d); at.Before(nextTick) {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(d)
				nextTick = at
			}
		}
	}
}

// tick advances every enrolled job by one attempt and polls them in
// parallel. Attempts are charged before the provider call, so a provider
// outage cannot extend a job past its budget.
func (s *Service) tick(ctx context.Context) {
	s.mu.Lock()
	var exhausted []*entry
	batch := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		e.attempts++
		if e.attempts > e.maxAttempts {
			delete(s.entries, e.jobID)
			exhausted = append(exhausted, e)
			continue
		}
		batch = append(batch, e)
	}
	s.sampleGauge()
	s.mu.Unlock()

	for _, e := range exhausted {
		cause := fmt.Sprintf("Polling timeout after %d attempts", e.maxAttempts)
		s.logger.Warn("Polling attempts exhausted", "job_id", e.jobID, "export_id", e.exportID)
		if err := s.failer.FailJob(ctx, e.jobID, "PollingTimeout", cause); err != nil {
			s.logger.Error("Failed to mark timed-out job", "job_id", e.jobID, "error", err)
		}
	}

	if len(batch) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range batch {
		e := e
		g.Go(func() error {
			s.pollOne(gctx, e)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) pollOne(ctx context.Context, e *entry) {
	if s.pollCounter != nil {
		s.pollCounter.Inc()
	}

	status, err := s.provider.GetExportStatus(ctx, e.exportID)
	if err != nil {
		// Transient failures keep the job enrolled; only terminal provider
		// statuses or attempt exhaustion end polling.
		s.logger.Warn("Provider status poll failed",
			"job_id", e.jobID,
			"export_id", e.exportID,
			"attempt", e.attempts,
			"error", err)
		return
	}

	s.logger.Debug("Poll tick",
		"job_id", e.jobID,
		"export_id", e.exportID,
		"attempt", e.attempts,
		"provider_status", status.Status)

	switch status.Status {
	case job.ProviderStatusReady:
		s.Drop(e.jobID)
		if _, err := s.store.UpdateStatus(ctx, e.jobID, job.StatusDownloading); err != nil {
			s.logger.Error("Failed to move job to downloading", "job_id", e.jobID, "error", err)
			return
		}
		if _, err := s.dispatcher.Dispatch(ctx, e.jobID, e.exportID, status.DownloadURLs); err != nil {
			s.logger.Error("Dispatch failed", "job_id", e.jobID, "error", err)
			if failErr := s.failer.FailJob(ctx, e.jobID, "DispatchFailed", err.Error()); failErr != nil {
				s.logger.Error("Failed to mark job after dispatch failure", "job_id", e.jobID, "error", failErr)
			}
		}
	case job.ProviderStatusFailed, job.ProviderStatusExpired:
		s.Drop(e.jobID)
		cause := status.ErrorMessage
		if cause == "" {
			cause = fmt.Sprintf("export %s reported %s", e.exportID, status.Status)
		}
		if err := s.failer.FailJob(ctx, e.jobID, "ExportFailed", cause); err != nil {
			s.logger.Error("Failed to mark failed export", "job_id", e.jobID, "error", err)
		}
	default:
		// PENDING, PROCESSING, or anything unknown: stay enrolled.
		s.mu.Lock()
		if cur, ok := s.entries[e.jobID]; ok {
			cur.lastPolledAt = time.Now()
		}
		s.mu.Unlock()
	}
}
