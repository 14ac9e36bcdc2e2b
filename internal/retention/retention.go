package retention

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxAge matches how long a session counts as recently active.
const DefaultMaxAge = 30 * 24 * time.Hour

// Pruner is the store the retention loop trims.
type Pruner interface {
	PruneEvents(maxAge time.Duration) (int64, error)
}

// Retention periodically drops old rows from the session event log. Session
// rows themselves are never deleted.
type Retention struct {
	store    Pruner
	maxAge   time.Duration
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func New(store Pruner, maxAge time.Duration, logger *slog.Logger) *Retention {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Retention{
		store:    store,
		maxAge:   maxAge,
		interval: time.Hour,
		stop:     make(chan struct{}),
		logger:   logger,
	}
}

func (r *Retention) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.RunOnce()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.RunOnce()
			}
		}
	}()
}

func (r *Retention) Stop() {
	close(r.stop)
	r.wg.Wait()
}

// RunOnce runs a single prune synchronously.
func (r *Retention) RunOnce() {
	n, err := r.store.PruneEvents(r.maxAge)
	if err != nil {
		r.logger.Warn("retention: prune failed", "err", err)
		return
	}
	if n > 0 {
		r.logger.Info("retention: pruned event log", "rows", n, "max_age", r.maxAge)
	}
}
