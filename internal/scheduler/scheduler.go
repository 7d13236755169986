package scheduler

import (
	"context"
	"errors"
	"iter"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sstracker/server/internal/enrichment"
	"sstracker/server/internal/ingest"
	"sstracker/server/internal/models"
	"sstracker/server/internal/retriever"
	"sstracker/server/internal/store"
)

// JobType names one step of a tracker cycle
type JobType int

const (
	JobTypeRetrieve JobType = iota
	JobTypeIngest
	JobTypeDetails
	JobTypeEnrich
)

// String returns the string representation of a JobType
func (j JobType) String() string {
	switch j {
	case JobTypeRetrieve:
		return "retrieve"
	case JobTypeIngest:
		return "ingest"
	case JobTypeDetails:
		return "details"
	case JobTypeEnrich:
		return "enrich"
	default:
		return "unknown"
	}
}

type Retriever interface {
	UpdateAll(ctx context.Context) (retriever.Report, error)
}

type PayloadSource interface {
	Load(all bool) iter.Seq[*models.RawFeedPayload]
}

type Ingester interface {
	Run(ctx context.Context, payloads iter.Seq[*models.RawFeedPayload]) (ingest.Result, error)
}

type Enrichment interface {
	RetrieveDetails(ctx context.Context, category models.Category) (enrichment.Report, error)
	Enrich(ctx context.Context, category models.Category, force bool) (enrichment.Report, error)
}

type StatsRecorder interface {
	RecordIngestRun(ctx context.Context, at time.Time) error
	RecordEnricherRun(ctx context.Context, at time.Time) error
	Refresh(ctx context.Context, s store.Store) error
}

// Jobs are the components one cycle drives. Enrichment, Stats and Store are
// optional; a nil Enrichment skips the detail and enrich steps.
type Jobs struct {
	Retriever  Retriever
	Payloads   PayloadSource
	Ingester   Ingester
	Enrichment Enrichment
	Stats      StatsRecorder
	Store      store.Store
}

// Scheduler runs a full tracker cycle at startup and then on every tick
type Scheduler struct {
	jobs     Jobs
	interval time.Duration
	logger   *logrus.Logger
	stopChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	jobMutex sync.Mutex // Ensures sequential cycle execution
	now      func() time.Time
}

// NewScheduler creates a new scheduler
func NewScheduler(jobs Jobs, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	return &Scheduler{
		jobs:     jobs,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the scheduled cycles. The first cycle runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.runScheduler(ctx)
}

func (s *Scheduler) runScheduler(ctx context.Context) {
	defer s.wg.Done()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Running startup cycle")
		s.tick(ctx)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs a cycle unless the previous one is still going
func (s *Scheduler) tick(ctx context.Context) {
	if !s.jobMutex.TryLock() {
		s.logger.Debug("Skipping scheduled cycle while the previous one is in progress")
		return
	}
	defer s.jobMutex.Unlock()

	if err := s.runCycle(ctx); err != nil {
		s.logger.WithError(err).Error("Tracker cycle finished with errors")
	}
}

// RunCycle runs retrieve, ingest, details and enrich once. A failing step is
// logged and the following steps still run; cancellation stops the cycle.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	s.jobMutex.Lock()
	defer s.jobMutex.Unlock()
	return s.runCycle(ctx)
}

func (s *Scheduler) runCycle(ctx context.Context) error {
	start := s.now()
	s.logger.Info("Starting tracker cycle")

	var errs []error
	step := func(job JobType, run func() error) bool {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			return false
		}
		log := s.logger.WithField("job_type", job.String())
		log.Debug("Starting job")
		if err := run(); err != nil {
			log.WithError(err).Error("Job failed")
			errs = append(errs, err)
			return ctx.Err() == nil
		}
		log.Debug("Job completed successfully")
		return true
	}

	ok := step(JobTypeRetrieve, func() error {
		report, err := s.jobs.Retriever.UpdateAll(ctx)
		s.logger.WithFields(logrus.Fields{
			"fetched": report.Fetched,
			"fresh":   report.Fresh,
			"failed":  report.Failed,
		}).Info("Feeds retrieved")
		return err
	})

	ok = ok && step(JobTypeIngest, func() error {
		_, err := s.jobs.Ingester.Run(ctx, s.jobs.Payloads.Load(false))
		if err == nil && s.jobs.Stats != nil {
			err = s.jobs.Stats.RecordIngestRun(ctx, s.now())
		}
		return err
	})

	if s.jobs.Enrichment != nil {
		ok = ok && step(JobTypeDetails, func() error {
			_, err := s.jobs.Enrichment.RetrieveDetails(ctx, models.CategoryAll)
			return err
		})

		ok = ok && step(JobTypeEnrich, func() error {
			_, err := s.jobs.Enrichment.Enrich(ctx, models.CategoryAll, false)
			if err == nil && s.jobs.Stats != nil {
				err = s.jobs.Stats.RecordEnricherRun(ctx, s.now())
			}
			return err
		})
	}

	if ok && s.jobs.Stats != nil && s.jobs.Store != nil {
		if err := s.jobs.Stats.Refresh(ctx, s.jobs.Store); err != nil {
			s.logger.WithError(err).Warn("Failed to refresh listing stats")
			errs = append(errs, err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"duration": s.now().Sub(start).String(),
		"errors":   len(errs),
	}).Info("Tracker cycle completed")
	return errors.Join(errs...)
}

// Stop cancels a running cycle and waits for the scheduler to exit
func (s *Scheduler) Stop() {
	close(s.stopChan)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
