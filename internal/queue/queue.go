package queue

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"sstracker/server/internal/identity"
	"sstracker/server/internal/models"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
	ErrNilPayload  = errors.New("payload is nil")
)

// PayloadQueue is a bounded queue of raw feed payloads shared by ingestion
// workers. Closing it marks the end of the work: consumers drain what is left
// and then see the queue as exhausted.
type PayloadQueue struct {
	items   chan *models.RawFeedPayload
	maxSize int
	closed  bool
	mu      sync.RWMutex
	logger  *logrus.Logger
}

// NewPayloadQueue creates a new payload queue with the specified buffer size
func NewPayloadQueue(bufferSize int, logger *logrus.Logger) *PayloadQueue {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &PayloadQueue{
		items:   make(chan *models.RawFeedPayload, bufferSize),
		maxSize: bufferSize,
		logger:  logger,
	}
}

// Push adds a payload to the queue without blocking
func (q *PayloadQueue) Push(payload *models.RawFeedPayload) error {
	// A nil item would read as the end of the queue to consumers.
	if payload == nil {
		return ErrNilPayload
	}

	// The read lock is held across the send so Close cannot close the
	// channel underneath it.
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- payload:
		q.logger.WithField("url_hash", identity.Short(payload.URLHash)).Debug("Pushed payload to queue")
		return nil
	default:
		return ErrQueueFull
	}
}

// Pop blocks until a payload is available. It returns false once the queue
// is closed and drained, or when ctx is done.
func (q *PayloadQueue) Pop(ctx context.Context) (*models.RawFeedPayload, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case payload, ok := <-q.items:
		return payload, ok
	}
}

// Close stops the queue and prevents new items from being added
func (q *PayloadQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true
	close(q.items)
	return nil
}

// Len returns the current number of payloads in the queue
func (q *PayloadQueue) Len() int {
	return len(q.items)
}

// IsClosed returns whether the queue has been closed
func (q *PayloadQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
