// Package ingest turns cached feed payloads into stored listings using a
// pool of independent workers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sstracker/server/config"
	"sstracker/server/internal/identity"
	"sstracker/server/internal/ledger"
	"sstracker/server/internal/models"
	"sstracker/server/internal/queue"
)

const pushBackoff = 10 * time.Millisecond

// Parser extracts listings from a payload. Malformed entries are dropped by
// the parser; an error means the whole payload cannot be parsed.
type Parser interface {
	Parse(payload *models.RawFeedPayload) ([]*models.Listing, error)
}

// Result summarizes one ingestion run.
type Result struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Written   int `json:"written"`
}

// Coordinator feeds payloads through a bounded queue to its workers.
type Coordinator struct {
	open       OpenSession
	parser     Parser
	workers    int
	queueSize  int
	maxRetries int
	retryDelay time.Duration
	logger     *logrus.Logger

	mu     sync.Mutex
	result Result
}

func NewCoordinator(cfg *config.Config, open OpenSession, parser Parser, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	workers := cfg.Ingest.Workers
	if workers < 1 {
		workers = 1
	}
	queueSize := cfg.Ingest.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	return &Coordinator{
		open:       open,
		parser:     parser,
		workers:    workers,
		queueSize:  queueSize,
		maxRetries: cfg.Ingest.MaxRetries,
		retryDelay: cfg.RetryDelay(),
		logger:     logger,
	}
}

// Run ingests every payload of the sequence and returns once the queue is
// drained. Sessions are opened up front; failing to open one aborts the run
// before any payload is consumed.
func (c *Coordinator) Run(ctx context.Context, payloads iter.Seq[*models.RawFeedPayload]) (Result, error) {
	c.mu.Lock()
	c.result = Result{}
	c.mu.Unlock()

	sessions := make(map[string]*Session, c.workers)
	defer func() {
		for id, s := range sessions {
			if err := s.Close(); err != nil {
				c.logger.WithError(err).WithField("worker_id", id).Warn("Failed to close worker session")
			}
		}
	}()
	for i := 0; i < c.workers; i++ {
		id := uuid.NewString()
		s, err := c.open(id)
		if err != nil {
			return Result{}, fmt.Errorf("failed to open session for worker %s: %w", id, err)
		}
		sessions[id] = s
	}

	q := queue.NewPayloadQueue(c.queueSize, c.logger)
	var wg sync.WaitGroup
	for id, s := range sessions {
		wg.Add(1)
		go func(id string, s *Session) {
			defer wg.Done()
			c.work(ctx, id, s, q)
		}(id, s)
	}

	var pushErr error
	for payload := range payloads {
		if payload == nil {
			c.logger.Warn("Skipping nil payload")
			continue
		}
		if pushErr = c.push(ctx, q, payload); pushErr != nil {
			break
		}
	}
	// Closing the queue is the end-of-work marker for the workers.
	q.Close()
	wg.Wait()

	c.mu.Lock()
	result := c.result
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"workers":   c.workers,
		"processed": result.Processed,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
		"written":   result.Written,
	}).Info("Ingestion run finished")

	if pushErr != nil {
		return result, fmt.Errorf("ingestion interrupted: %w", pushErr)
	}
	return result, nil
}

func (c *Coordinator) push(ctx context.Context, q *queue.PayloadQueue, payload *models.RawFeedPayload) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := q.Push(payload)
		if !errors.Is(err, queue.ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pushBackoff):
		}
	}
}

func (c *Coordinator) work(ctx context.Context, id string, s *Session, q *queue.PayloadQueue) {
	log := c.logger.WithField("worker_id", id)
	log.Debug("Worker started")
	for {
		payload, ok := q.Pop(ctx)
		if !ok {
			log.Debug("Worker finished")
			return
		}

		written, skipped, err := c.process(ctx, s, payload)

		c.mu.Lock()
		c.result.Written += written
		switch {
		case err != nil:
			c.result.Failed++
		case skipped:
			c.result.Skipped++
		default:
			c.result.Processed++
		}
		c.mu.Unlock()

		if err != nil {
			log.WithError(err).WithField("url_hash", identity.Short(payload.URLHash)).Error("Failed to ingest payload")
		}
	}
}

// process applies one payload. The ledger entry is written only after every
// listing of the payload is stored, so a failure leaves the payload eligible
// for the next run.
func (c *Coordinator) process(ctx context.Context, s *Session, payload *models.RawFeedPayload) (int, bool, error) {
	checksum := ledger.ChecksumOf(payload)
	log := c.logger.WithFields(logrus.Fields{
		"url_hash": identity.Short(payload.URLHash),
		"checksum": identity.Short(checksum),
	})

	done, err := s.Ledger.WasProcessed(ctx, checksum)
	if err != nil {
		return 0, false, fmt.Errorf("failed to consult ledger: %w", err)
	}
	if done {
		log.Debug("Payload already processed, skipping")
		return 0, true, nil
	}

	listings, err := c.parser.Parse(payload)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse payload: %w", err)
	}

	written := 0
	for _, l := range listings {
		if err := c.write(ctx, s, l); err != nil {
			return written, false, err
		}
		written++
	}

	inserted, err := s.Ledger.MarkProcessed(ctx, checksum)
	if err != nil {
		return written, false, fmt.Errorf("failed to mark payload processed: %w", err)
	}
	log.WithFields(logrus.Fields{
		"listings":     written,
		"first_writer": inserted,
	}).Info("Payload ingested")
	return written, false, nil
}

// write stores a listing with retries
func (c *Coordinator) write(ctx context.Context, s *Session, l *models.Listing) error {
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Infof("Retrying listing write, attempt %d of %d", attempt, c.maxRetries)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		if _, err = s.Store.Write(ctx, l); err == nil {
			return nil
		}
		c.logger.WithError(err).WithField("short_hash", l.ShortHash()).Warn("Listing write failed")
	}
	return fmt.Errorf("failed to write listing %s after %d attempts: %w", l.ShortHash(), c.maxRetries+1, err)
}
