// Package feedcache keeps raw feed retrievals on disk and decides whether a
// source needs to be fetched again.
package feedcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sstracker/server/internal/identity"
	"sstracker/server/internal/models"
)

const fileExt = ".rss"

// recentWindow bounds Load(false) to the payloads retrieved in the last day.
const recentWindow = 24 * time.Hour

var ErrEmptyPayload = errors.New("empty payload file")

// StatsRecorder receives counters about the cache. Calls happen off the
// write path.
type StatsRecorder interface {
	RecordFeedUpdate(at time.Time)
	RecordFeedFileCount(count int)
}

// Cache stores payloads under {dir}/{year}/{month}/{day}/{hour}/{hash(url)}.rss.
// The file modification time is the freshness clock.
type Cache struct {
	dir      string
	validity time.Duration
	stats    StatsRecorder
	logger   *logrus.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// New creates the cache directory if needed. stats may be nil.
func New(dir string, validity time.Duration, stats StatsRecorder, logger *logrus.Logger) (*Cache, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	return &Cache{
		dir:      dir,
		validity: validity,
		stats:    stats,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SetClock replaces the wall clock, for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Path returns the file a payload for url retrieved at t is stored in.
func (c *Cache) Path(url string, t time.Time) string {
	t = t.UTC()
	return filepath.Join(
		c.dir,
		strconv.Itoa(t.Year()),
		strconv.Itoa(int(t.Month())),
		strconv.Itoa(t.Day()),
		strconv.Itoa(t.Hour()),
		identity.URLHash(url)+fileExt,
	)
}

// Fresh reports whether a payload for url was written less than the validity
// window ago. Hour buckets are scanned back to the start of the window so a
// window spanning an hour boundary still finds the latest snapshot.
func (c *Cache) Fresh(url string) bool {
	now := c.now()
	oldest := now.Add(-c.validity).UTC().Truncate(time.Hour)
	urlHash := identity.Short(identity.URLHash(url))

	for t := now.UTC().Truncate(time.Hour); !t.Before(oldest); t = t.Add(-time.Hour) {
		info, err := os.Stat(c.Path(url, t))
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		fresh := age < c.validity
		c.logger.WithFields(logrus.Fields{
			"url_hash": urlHash,
			"age":      age.Round(time.Second).String(),
			"fresh":    fresh,
		}).Debug("Cache file found")
		return fresh
	}

	c.logger.WithField("url_hash", urlHash).Debug("Cache file not present")
	return false
}

// Write persists payload for url in the current hour bucket. The file is
// renamed into place so readers never observe a partial payload.
func (c *Cache) Write(url string, payload *models.RawFeedPayload) error {
	if payload == nil {
		return errors.New("payload is required")
	}

	at := c.now()
	path := c.Path(url, at)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create bucket dir: %w", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".payload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close payload: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move payload into place: %w", err)
	}
	if err := os.Chtimes(path, at, at); err != nil {
		return fmt.Errorf("failed to stamp payload: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"url_hash": identity.Short(payload.URLHash),
		"entries":  len(payload.Entries),
		"path":     path,
	}).Debug("Payload written")

	if c.stats != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.stats.RecordFeedUpdate(at)
		}()
	}
	return nil
}

func (c *Cache) files() ([]string, error) {
	pattern := filepath.Join(c.dir, "*", "*", "*", "*", "*"+fileExt)
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list payload files: %w", err)
	}
	return files, nil
}

// Load yields persisted payloads one at a time. Unless all is set, only files
// written during the last 24 hours are considered. Empty or corrupt files are
// logged and skipped.
func (c *Cache) Load(all bool) iter.Seq[*models.RawFeedPayload] {
	return func(yield func(*models.RawFeedPayload) bool) {
		files, err := c.files()
		if err != nil {
			c.logger.WithError(err).Error("Failed to scan feed cache")
			return
		}

		cutoff := c.now().Add(-recentWindow)
		loaded := 0
		for _, path := range files {
			if !all {
				info, err := os.Stat(path)
				if err != nil || info.ModTime().Before(cutoff) {
					continue
				}
			}

			payload, err := readPayload(path)
			if err != nil {
				c.logger.WithError(err).WithField("path", path).Warn("Skipping unreadable payload file")
				continue
			}
			loaded++
			if !yield(payload) {
				return
			}
		}
		c.logger.WithField("count", loaded).Debug("Payload files loaded")
	}
}

func readPayload(path string) (*models.RawFeedPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	var payload models.RawFeedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return &payload, nil
}

// Count returns the number of payload files on disk.
func (c *Cache) Count() (int, error) {
	files, err := c.files()
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

// Close waits for pending stats updates and records the file count.
func (c *Cache) Close() error {
	c.wg.Wait()
	if c.stats == nil {
		return nil
	}

	count, err := c.Count()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	c.stats.RecordFeedFileCount(count)
	return nil
}
