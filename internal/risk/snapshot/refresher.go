package snapshot

import (
	"context"
	"time"

	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
)

// BuildFunc turns a freshly loaded bundle into a serving snapshot.
type BuildFunc func(b *Bundle) (*Snapshot, error)

// Refresher reloads the snapshot out of band. A failed reload leaves the
// current snapshot in place.
type Refresher struct {
	log      *logger.Logger
	src      Source
	holder   *Holder
	build    BuildFunc
	interval time.Duration
	trigger  chan struct{}
	onSwap   func(old, cur *Snapshot)
}

func NewRefresher(log *logger.Logger, src Source, holder *Holder, build BuildFunc, interval time.Duration) *Refresher {
	return &Refresher{
		log:      log.With("service", "SnapshotRefresher", "source", src.Name()),
		src:      src,
		holder:   holder,
		build:    build,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// OnSwap registers a callback run after every successful swap.
func (r *Refresher) OnSwap(fn func(old, cur *Snapshot)) { r.onSwap = fn }

// Refresh loads the source once. It reports whether a new snapshot was
// installed; an unchanged version is not rebuilt.
func (r *Refresher) Refresh(ctx context.Context) (bool, error) {
	b, err := r.src.Load(ctx)
	if err != nil {
		return false, err
	}
	if cur := r.holder.Load(); cur != nil && cur.Version() == b.Version {
		return false, nil
	}
	next, err := r.build(b)
	if err != nil {
		return false, err
	}
	old := r.holder.Swap(next)
	prev := ""
	if old != nil {
		prev = old.Version()
	}
	r.log.Info("risk snapshot swapped", "version", next.Version(), "previous", prev, "model_kind", next.Model.Kind())
	if r.onSwap != nil {
		r.onSwap(old, next)
	}
	return true, nil
}

// Trigger requests a refresh without blocking. Extra triggers while one is
// pending are coalesced.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes on every tick and on every trigger until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	var tick <-chan time.Time
	if r.interval > 0 {
		t := time.NewTicker(r.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-r.trigger:
		}
		if _, err := r.Refresh(ctx); err != nil {
			r.log.Warn("risk snapshot refresh failed; keeping current", "error", err)
		}
	}
}
