// Package poller drives a BLE session on a schedule: one-shot or at a fixed
// refresh interval, backing off exponentially between failed attempts.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/chaz8081/aranet-reader/internal/ble"
	"github.com/chaz8081/aranet-reader/internal/ble/protocol"
	"github.com/chaz8081/aranet-reader/internal/cache"
)

// ErrPersistentFailure is returned by Run once too many consecutive attempts
// failed in a way retrying is unlikely to fix.
var ErrPersistentFailure = errors.New("poller: persistent failure")

// Fetcher is the part of ble.Session the scheduler drives.
type Fetcher interface {
	FetchOnce(ctx context.Context) (protocol.Reading, error)
	Close() error
	Disconnected() <-chan struct{}
	EnterBackoff()
}

// Options configures the scheduler.
type Options struct {
	Interval       time.Duration // wait after a successful reading
	InitialBackoff time.Duration // first wait after a failure
	MaxBackoff     time.Duration // cap for the doubling backoff
	// PersistentFailureLimit stops Run after this many consecutive
	// persistent failures. Zero retries forever.
	PersistentFailureLimit int
	Logger                 *zap.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Interval:       60 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
	}
}

// Scheduler owns the session for its lifetime. Run and Once must not be
// called concurrently.
type Scheduler struct {
	fetcher Fetcher
	cache   *cache.Cache
	opts    Options
	log     *zap.Logger
	now     func() time.Time
}

// New creates a scheduler that records every attempt in c.
func New(f Fetcher, c *cache.Cache, opts Options) *Scheduler {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = max(def.MaxBackoff, opts.InitialBackoff)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		fetcher: f,
		cache:   c,
		opts:    opts,
		log:     log,
		now:     time.Now,
	}
}

// Once performs exactly one fetch, records the outcome and closes the session.
func (s *Scheduler) Once(ctx context.Context) (protocol.Reading, error) {
	defer s.close()

	r, err := s.fetcher.FetchOnce(ctx)
	if err != nil {
		s.cache.Fail(err, s.now())
		return protocol.Reading{}, err
	}
	s.cache.Store(r)
	return r, nil
}

// Run fetches until ctx is cancelled, returning nil in that case. It only
// returns an error once PersistentFailureLimit is reached.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.close()

	b := s.newBackOff()
	persistent := 0

	s.log.Info("polling started",
		zap.Duration("interval", s.opts.Interval),
		zap.Duration("max_backoff", s.opts.MaxBackoff))

	for {
		r, err := s.fetcher.FetchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		var (
			wait time.Duration
			lost <-chan struct{}
		)
		if err == nil {
			s.cache.Store(r)
			b.Reset()
			persistent = 0
			wait = s.opts.Interval
			lost = s.fetcher.Disconnected()
			s.log.Debug("reading stored", zap.String("reading", r.OneLine(false)))
		} else {
			s.cache.Fail(err, s.now())
			wait = b.NextBackOff()

			if ble.Persistent(err) {
				persistent++
				s.log.Error("fetch failed, retrying is unlikely to help",
					zap.Error(err),
					zap.Int("consecutive", persistent),
					zap.Duration("retry_in", wait))
				if s.opts.PersistentFailureLimit > 0 && persistent >= s.opts.PersistentFailureLimit {
					return fmt.Errorf("%w after %d attempts: %w", ErrPersistentFailure, persistent, err)
				}
			} else {
				persistent = 0
				s.log.Warn("fetch failed", zap.Error(err), zap.Duration("retry_in", wait))
			}
			s.fetcher.EnterBackoff()
		}

		if !s.wait(ctx, wait, lost) {
			return nil
		}
	}
}

// newBackOff returns a doubling backoff without jitter that never gives up.
func (s *Scheduler) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialBackoff
	b.MaxInterval = s.opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// wait sleeps for d, reporting false if ctx ended first. A connection drop
// during the wait closes the session so the next fetch reconnects.
func (s *Scheduler) wait(ctx context.Context, d time.Duration, lost <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-lost:
			s.log.Info("connection dropped between readings")
			s.close()
			lost = nil
		}
	}
}

func (s *Scheduler) close() {
	if err := s.fetcher.Close(); err != nil {
		s.log.Warn("close session", zap.Error(err))
	}
}
