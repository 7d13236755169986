package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sstracker/server/config"
	"sstracker/server/internal/identity"
	"sstracker/server/internal/ledger"
	"sstracker/server/internal/models"
	"sstracker/server/internal/parser"
	"sstracker/server/internal/store"
)

// countingStore counts Write calls across every worker's store.
type countingStore struct {
	store.Store
	writes *int64
	failAt int64
}

func (s *countingStore) Write(ctx context.Context, l *models.Listing) (bool, error) {
	n := atomic.AddInt64(s.writes, 1)
	if s.failAt > 0 && n <= s.failAt {
		return false, errors.New("disk full")
	}
	return s.Store.Write(ctx, l)
}

type fixture struct {
	cfg    *config.Config
	writes int64
	failAt int64
}

func newFixture(t testing.TB, workers int) *fixture {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Store.Backend = store.BackendFiles
	cfg.Store.ObjectDir = filepath.Join(dir, "objects")
	cfg.Ledger.Driver = "sqlite3"
	cfg.Ledger.DSN = filepath.Join(dir, "ledger.db")
	cfg.Ingest.Workers = workers
	cfg.Ingest.QueueSize = 2
	cfg.Ingest.MaxRetries = 1
	cfg.Ingest.RetryDelay = 1
	return &fixture{cfg: cfg}
}

func (f *fixture) sessions(t testing.TB) OpenSession {
	open := ConfigSessions(f.cfg, logrus.New())
	return func(workerID string) (*Session, error) {
		s, err := open(workerID)
		if err != nil {
			return nil, err
		}
		s.Store = &countingStore{Store: s.Store, writes: &f.writes, failAt: f.failAt}
		return s, nil
	}
}

func (f *fixture) coordinator(t testing.TB) *Coordinator {
	return NewCoordinator(f.cfg, f.sessions(t), parser.New(logrus.New()), logrus.New())
}

func (f *fixture) count(t *testing.T) int {
	s, err := store.Open(f.cfg, logrus.New())
	require.NoError(t, err)
	defer s.Close()
	n, err := s.Count(context.Background(), models.CategoryAll)
	require.NoError(t, err)
	return n
}

func feed(n int, category models.Category, entries ...models.FeedEntry) *models.RawFeedPayload {
	url := fmt.Sprintf("https://example.com/rss/%d", n)
	return &models.RawFeedPayload{
		SourceURL:   url,
		URLHash:     identity.URLHash(url),
		Category:    category,
		RetrievedAt: time.Date(2024, 1, 1, 0, n, 0, 0, time.UTC),
		Entries:     entries,
	}
}

func carEntry(n int) models.FeedEntry {
	return models.FeedEntry{
		Title: fmt.Sprintf("Car %d", n),
		Link:  fmt.Sprintf("https://example.com/msg/%d.html", n),
	}
}

func testPayloads() []*models.RawFeedPayload {
	return []*models.RawFeedPayload{
		feed(1, models.CategoryVehicle, carEntry(1), carEntry(2)),
		feed(2, models.CategoryVehicle, carEntry(2), carEntry(3)),
		feed(3, models.CategoryApartment, models.FeedEntry{Title: "Sunny Flat", Fields: map[string]string{"street": "Elm St"}}),
		feed(4, models.CategoryVehicle, carEntry(4)),
		feed(5, models.CategoryLand, models.FeedEntry{Title: "Plot", Link: "https://example.com/msg/5.html"}),
	}
}

func TestRunIngestsPayloads(t *testing.T) {
	f := newFixture(t, 3)

	result, err := f.coordinator(t).Run(context.Background(), slices.Values(testPayloads()))
	require.NoError(t, err)

	assert.Equal(t, 5, result.Processed)
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 7, result.Written)
	assert.Equal(t, int64(7), f.writes)

	// Car 2 appears in two payloads and merges into one listing.
	assert.Equal(t, 6, f.count(t))
}

func TestSecondPassWritesNothing(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	_, err := f.coordinator(t).Run(ctx, slices.Values(testPayloads()))
	require.NoError(t, err)
	before := f.writes

	result, err := f.coordinator(t).Run(ctx, slices.Values(testPayloads()))
	require.NoError(t, err)

	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 5, result.Skipped)
	assert.Equal(t, 0, result.Written)
	assert.Equal(t, before, f.writes)
	assert.Equal(t, 6, f.count(t))
}

func TestFailedPayloadIsNotMarked(t *testing.T) {
	f := newFixture(t, 1)
	f.cfg.Ingest.MaxRetries = 0
	f.failAt = 1
	ctx := context.Background()

	p := feed(1, models.CategoryVehicle, carEntry(1))
	result, err := f.coordinator(t).Run(ctx, slices.Values([]*models.RawFeedPayload{p}))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	s, err := ConfigSessions(f.cfg, logrus.New())("checker")
	require.NoError(t, err)
	defer s.Close()
	done, err := s.Ledger.WasProcessed(ctx, ledger.ChecksumOf(p))
	require.NoError(t, err)
	assert.False(t, done)

	// The next run picks the payload up again.
	result, err = f.coordinator(t).Run(ctx, slices.Values([]*models.RawFeedPayload{p}))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
}

func TestWriteIsRetried(t *testing.T) {
	f := newFixture(t, 1)
	f.cfg.Ingest.MaxRetries = 2
	f.failAt = 2

	p := feed(1, models.CategoryVehicle, carEntry(1))
	result, err := f.coordinator(t).Run(context.Background(), slices.Values([]*models.RawFeedPayload{p}))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, int64(3), f.writes)
	assert.Equal(t, 1, f.count(t))
}

func TestUnparsablePayloadDoesNotStopRun(t *testing.T) {
	f := newFixture(t, 2)

	payloads := append(testPayloads(), feed(9, models.Category("boat"), carEntry(9)))
	result, err := f.coordinator(t).Run(context.Background(), slices.Values(payloads))
	require.NoError(t, err)
	assert.Equal(t, 5, result.Processed)
	assert.Equal(t, 1, result.Failed)
}

func TestNilPayloadIsSkipped(t *testing.T) {
	f := newFixture(t, 2)

	payloads := append([]*models.RawFeedPayload{nil}, testPayloads()...)
	payloads = append(payloads, nil)
	result, err := f.coordinator(t).Run(context.Background(), slices.Values(payloads))
	require.NoError(t, err)
	assert.Equal(t, 5, result.Processed)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 6, f.count(t))
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) WasProcessed(ctx context.Context, checksum string) (bool, error) {
	args := m.Called(ctx, checksum)
	return args.Bool(0), args.Error(1)
}

func (m *mockLedger) MarkProcessed(ctx context.Context, checksum string) (bool, error) {
	args := m.Called(ctx, checksum)
	return args.Bool(0), args.Error(1)
}

func TestMarkAfterWrites(t *testing.T) {
	f := newFixture(t, 1)
	p := feed(1, models.CategoryVehicle, carEntry(1), carEntry(2))
	checksum := ledger.ChecksumOf(p)

	l := &mockLedger{}
	l.On("WasProcessed", mock.Anything, checksum).Return(false, nil).Once()
	l.On("MarkProcessed", mock.Anything, checksum).Return(true, nil).Once().Run(func(mock.Arguments) {
		assert.Equal(t, int64(2), atomic.LoadInt64(&f.writes), "listings must be stored before marking")
	})

	st, err := store.Open(f.cfg, logrus.New())
	require.NoError(t, err)
	open := func(string) (*Session, error) {
		return NewSession(&countingStore{Store: st, writes: &f.writes}, l, st.Close), nil
	}

	c := NewCoordinator(f.cfg, open, parser.New(logrus.New()), logrus.New())
	result, err := c.Run(context.Background(), slices.Values([]*models.RawFeedPayload{p}))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	l.AssertExpectations(t)
}

func TestOpenFailureAbortsRun(t *testing.T) {
	f := newFixture(t, 2)
	open := func(string) (*Session, error) {
		return nil, errors.New("connection refused")
	}

	c := NewCoordinator(f.cfg, open, parser.New(logrus.New()), logrus.New())
	_, err := c.Run(context.Background(), slices.Values(testPayloads()))
	assert.Error(t, err)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.coordinator(t).Run(ctx, slices.Values(testPayloads()))
	assert.ErrorIs(t, err, context.Canceled)
}
