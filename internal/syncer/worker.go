// Package syncer reconciles the local append log with a remote copy. Each
// round compares per-host heads, pushes what the remote lacks and pulls
// what the local log lacks. Failures stay inside the worker: they are
// logged, counted and retried with backoff.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/loykin/histd/internal/metrics"
	"github.com/loykin/histd/internal/store"
)

// Remote is the far side of a sync. Heads maps host id to the next index
// the remote expects for that host.
type Remote interface {
	Heads(ctx context.Context) (map[string]uint64, error)
	Push(ctx context.Context, entries []store.Entry) error
	Pull(ctx context.Context, host string, from uint64, limit int) ([]store.Entry, error)
}

// Default worker settings.
const (
	DefaultInterval       = 5 * time.Minute
	DefaultBatchSize      = 100
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxBackoff     = 30 * time.Minute
)

type Config struct {
	Interval       time.Duration
	BatchSize      int
	RequestTimeout time.Duration
	// RateLimit caps remote requests per second; 0 disables pacing.
	RateLimit  float64
	MaxBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	return c
}

// Report summarizes one sync round.
type Report struct {
	Pushed int           `json:"pushed"`
	Pulled int           `json:"pulled"`
	Hosts  int           `json:"hosts"`
	Took   time.Duration `json:"took"`
}

type Worker struct {
	log     *store.AppendLog
	remote  Remote
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger

	// one round at a time, whether from Run or an explicit request
	roundMu sync.Mutex
}

func New(log *store.AppendLog, remote Remote, cfg Config, logger *slog.Logger) *Worker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Worker{
		log:     log,
		remote:  remote,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With("component", "sync"),
	}
}

// call paces and bounds a single remote request.
func (w *Worker) call(ctx context.Context, f func(ctx context.Context) error) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()
	return f(ctx)
}

// SyncOnce runs a single round. Hosts are visited in sorted order and
// entries move in index order, so an interrupted round leaves both sides
// with contiguous prefixes. Per-host failures are joined into the returned
// error after every host has been tried.
func (w *Worker) SyncOnce(ctx context.Context) (Report, error) {
	w.roundMu.Lock()
	defer w.roundMu.Unlock()

	began := time.Now()
	var rep Report

	local, err := w.log.Heads(ctx)
	if err != nil {
		return rep, fmt.Errorf("local heads: %w", err)
	}
	var remote map[string]uint64
	if err := w.call(ctx, func(ctx context.Context) error {
		var err error
		remote, err = w.remote.Heads(ctx)
		return err
	}); err != nil {
		return rep, fmt.Errorf("remote heads: %w", err)
	}

	hosts := make([]string, 0, len(local)+len(remote))
	seen := map[string]bool{}
	for _, m := range []map[string]uint64{local, remote} {
		for h := range m {
			if !seen[h] {
				seen[h] = true
				hosts = append(hosts, h)
			}
		}
	}
	sort.Strings(hosts)
	rep.Hosts = len(hosts)

	// a failing host does not hold back the hosts after it
	var errs []error
	for _, host := range hosts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		l, r := local[host], remote[host]
		switch {
		case l > r:
			n, err := w.push(ctx, host, r)
			rep.Pushed += n
			metrics.AddSyncEntries("push", n)
			if err != nil {
				errs = append(errs, fmt.Errorf("push %s from %d: %w", host, r, err))
			}
		case r > l && host == w.log.Host():
			// nothing but this daemon writes its own host
			w.logger.Warn("remote is ahead of the local log for this host; not pulling", "host", host, "local", l, "remote", r)
		case r > l:
			n, err := w.pull(ctx, host, l, r)
			rep.Pulled += n
			metrics.AddSyncEntries("pull", n)
			if err != nil {
				errs = append(errs, fmt.Errorf("pull %s from %d: %w", host, l, err))
			}
		}
	}
	rep.Took = time.Since(began)
	return rep, errors.Join(errs...)
}

func (w *Worker) push(ctx context.Context, host string, from uint64) (int, error) {
	pushed := 0
	batch := make([]store.Entry, 0, w.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := w.call(ctx, func(ctx context.Context) error { return w.remote.Push(ctx, batch) }); err != nil {
			return err
		}
		pushed += len(batch)
		batch = batch[:0]
		return nil
	}
	for e, err := range w.log.ReadFrom(ctx, host, from) {
		if err != nil {
			return pushed, err
		}
		batch = append(batch, e)
		if len(batch) == w.cfg.BatchSize {
			if err := flush(); err != nil {
				return pushed, err
			}
		}
	}
	return pushed, flush()
}

func (w *Worker) pull(ctx context.Context, host string, from, until uint64) (int, error) {
	pulled := 0
	for from < until {
		var page []store.Entry
		if err := w.call(ctx, func(ctx context.Context) error {
			var err error
			page, err = w.remote.Pull(ctx, host, from, w.cfg.BatchSize)
			return err
		}); err != nil {
			return pulled, err
		}
		if len(page) == 0 {
			return pulled, nil
		}
		n, err := w.log.Ingest(ctx, page...)
		pulled += n
		if err != nil {
			return pulled, err
		}
		from = page[len(page)-1].Idx + 1
	}
	return pulled, nil
}

// Run syncs every Interval until ctx is done. A failed round is retried
// with exponential backoff capped at MaxBackoff.
func (w *Worker) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(w.cfg.Interval, time.Minute)
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()
	w.logger.Info("sync worker started", "interval", w.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sync worker stopped")
			return
		case <-timer.C:
		}

		rep, err := w.SyncOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				continue
			}
			wait := b.NextBackOff()
			metrics.IncSyncRun("error")
			w.logger.Warn("sync round failed", "error", err, "pushed", rep.Pushed, "pulled", rep.Pulled, "retry_in", wait)
			timer.Reset(wait)
			continue
		}
		b.Reset()
		metrics.IncSyncRun("ok")
		w.logger.Debug("sync round done", "pushed", rep.Pushed, "pulled", rep.Pulled, "hosts", rep.Hosts, "took", rep.Took)
		timer.Reset(w.cfg.Interval)
	}
}
