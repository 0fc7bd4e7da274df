package cache

import (
	"context"
	"sync/atomic"
	"time"

	"chatcore/internal/logging"
)

const probeTimeout = 250 * time.Millisecond

// Resilient wraps a Store so that cache trouble never reaches callers.
// It probes the inner store every Nth operation; while the probe fails it
// bypasses the store entirely. Errors from individual operations are logged
// and swallowed, and mark the store degraded until the next good probe.
type Resilient struct {
	inner   Store
	every   uint64
	ops     atomic.Uint64
	healthy atomic.Bool
	errors  atomic.Int64
}

// NewResilient wraps inner, probing health every `every` operations.
func NewResilient(inner Store, every int) *Resilient {
	if every < 1 {
		every = 1
	}
	r := &Resilient{inner: inner, every: uint64(every)}
	r.probe(context.Background())
	return r
}

// Healthy reports the last observed health of the inner store.
func (r *Resilient) Healthy() bool { return r.healthy.Load() }

// Errors returns how many inner-store errors were absorbed.
func (r *Resilient) Errors() int64 { return r.errors.Load() }

func (r *Resilient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !r.tick(ctx) {
		return nil, false, nil
	}
	v, ok, err := r.inner.Get(ctx, key)
	if err != nil {
		r.absorb("get", err)
		return nil, false, nil
	}
	return v, ok, nil
}

func (r *Resilient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !r.tick(ctx) {
		return nil
	}
	if err := r.inner.Set(ctx, key, value, ttl); err != nil {
		r.absorb("set", err)
	}
	return nil
}

// Increment returns amount unchanged while bypassing, so counters built on
// it degrade to permissive.
func (r *Resilient) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	if !r.tick(ctx) {
		return amount, nil
	}
	n, err := r.inner.Increment(ctx, key, amount, ttl)
	if err != nil {
		r.absorb("increment", err)
		return amount, nil
	}
	return n, nil
}

// Add reports true while bypassing.
func (r *Resilient) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if !r.tick(ctx) {
		return true, nil
	}
	ok, err := r.inner.Add(ctx, key, value, ttl)
	if err != nil {
		r.absorb("add", err)
		return true, nil
	}
	return ok, nil
}

func (r *Resilient) Delete(ctx context.Context, key string) error {
	if !r.tick(ctx) {
		return nil
	}
	if err := r.inner.Delete(ctx, key); err != nil {
		r.absorb("delete", err)
	}
	return nil
}

// HealthCheck probes the inner store immediately.
func (r *Resilient) HealthCheck(ctx context.Context) Health {
	return r.probe(ctx)
}

func (r *Resilient) tick(ctx context.Context) bool {
	if r.ops.Add(1)%r.every == 0 {
		r.probe(ctx)
	}
	return r.healthy.Load()
}

func (r *Resilient) probe(ctx context.Context) Health {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
	defer cancel()
	h := r.inner.HealthCheck(pctx)
	ok := h.Status == StatusHealthy
	if was := r.healthy.Swap(ok); was != ok {
		if ok {
			logging.CacheDebug("cache recovered: %d entries", h.Entries)
		} else {
			logging.CacheWarn("cache %s, bypassing: %s", h.Status, h.Error)
		}
	}
	return h
}

func (r *Resilient) absorb(op string, err error) {
	r.errors.Add(1)
	r.healthy.Store(false)
	logging.CacheWarn("cache %s failed, bypassing until next probe: %v", op, err)
}
