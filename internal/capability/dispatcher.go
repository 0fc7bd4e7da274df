package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/intent"
	"chatcore/internal/logging"
	"chatcore/internal/plans"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Options tunes a Dispatcher.
type Options struct {
	ToolThreshold   float64
	PluginThreshold float64
	Timeout         time.Duration // per invocation
	RankTimeout     time.Duration
	MaxConcurrency  int
}

// DefaultOptions returns the stock thresholds and limits.
func DefaultOptions() Options {
	return Options{
		ToolThreshold:   0.5,
		PluginThreshold: 0.3,
		Timeout:         8 * time.Second,
		RankTimeout:     5 * time.Second,
		MaxConcurrency:  4,
	}
}

// DispatchRequest describes one turn to enrich.
type DispatchRequest struct {
	Text    string
	History []string
	Intent  intent.Result
	Plan    plans.Plan
	// DiscoverPlugins lets any plugin with a positive score run.
	DiscoverPlugins bool
	// OnModelUsage is charged for model calls made while ranking.
	OnModelUsage UsageFunc
}

// Invocation is one attempt to run one capability.
type Invocation struct {
	ID           string        `json:"id"`
	CapabilityID string        `json:"capability_id"`
	Kind         Kind          `json:"kind"`
	Params       Params        `json:"params,omitempty"`
	Output       Output        `json:"output"`
	Err          error         `json:"-"`
	Error        string        `json:"error,omitempty"`
	Elapsed      time.Duration `json:"elapsed_ns"`
	Confidence   float64       `json:"confidence"`
}

// Succeeded reports whether the invocation produced a usable result.
func (i Invocation) Succeeded() bool { return i.Err == nil }

// Dispatcher ranks and runs capabilities.
type Dispatcher struct {
	registry *Registry
	ranker   Ranker
	opts     Options
	newID    func() string
}

// NewDispatcher creates a dispatcher. A nil ranker means HeuristicRanker.
func NewDispatcher(registry *Registry, ranker Ranker, opts Options) *Dispatcher {
	if ranker == nil {
		ranker = HeuristicRanker{}
	}
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.RankTimeout <= 0 {
		opts.RankTimeout = def.RankTimeout
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = def.MaxConcurrency
	}
	return &Dispatcher{registry: registry, ranker: ranker, opts: opts, newID: uuid.NewString}
}

// Registry returns the dispatcher's registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

type selection struct {
	desc       *Descriptor
	params     Params
	confidence float64
}

// Dispatch runs every relevant capability and returns one invocation per
// dispatched capability. It never fails; problems surface on invocations.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) Report {
	start := time.Now()
	candidates := d.registry.ForPlan(req.Plan)
	report := Report{Considered: len(candidates)}
	if len(candidates) == 0 {
		return report
	}

	rctx, cancel := context.WithTimeout(ctx, d.opts.RankTimeout)
	suggestions, err := d.ranker.Rank(rctx, RankRequest{
		Text:       req.Text,
		History:    req.History,
		Intent:     req.Intent,
		Candidates: candidates,
		OnUsage:    req.OnModelUsage,
	})
	cancel()
	if err != nil {
		logging.CapabilityWarn("ranking failed, dispatching nothing: %v", err)
		report.Elapsed = time.Since(start)
		return report
	}

	selected := d.selectCandidates(candidates, suggestions, req.DiscoverPlugins)
	if len(selected) == 0 {
		report.Elapsed = time.Since(start)
		return report
	}

	sem := semaphore.NewWeighted(int64(d.opts.MaxConcurrency))
	invocations := make([]Invocation, len(selected))
	var g errgroup.Group
	for i, sel := range selected {
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				invocations[i] = d.failed(sel, apperr.Wrap(apperr.KindCapabilityExecution,
					apperr.CodeCapabilityTimeout, "capability not started", err), 0)
				sel.desc.record(false)
				return nil
			}
			defer sem.Release(1)
			invocations[i] = d.invoke(ctx, sel)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	report.Invocations = invocations
	report.Elapsed = time.Since(start)
	logging.Capability("dispatched %d/%d capabilities: %d ok, %d failed in %v",
		len(invocations), len(candidates), len(report.Succeeded()), len(report.Failed()), report.Elapsed)
	return report
}

// selectCandidates applies thresholds and orders by confidence, keeping
// registry order on ties.
func (d *Dispatcher) selectCandidates(candidates []*Descriptor, suggestions []Suggestion, discoverPlugins bool) []selection {
	byID := make(map[string]Suggestion, len(suggestions))
	for _, s := range suggestions {
		if _, dup := byID[s.ID]; !dup {
			byID[s.ID] = s
		}
	}

	var out []selection
	for _, c := range candidates {
		s, ok := byID[c.ID]
		if !ok || !d.passes(c.Kind, s.Confidence, discoverPlugins) {
			continue
		}
		out = append(out, selection{desc: c, params: s.Params, confidence: s.Confidence})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].confidence > out[j].confidence })
	return out
}

func (d *Dispatcher) passes(kind Kind, confidence float64, discoverPlugins bool) bool {
	if kind == KindPlugin {
		if discoverPlugins {
			return confidence > 0
		}
		return confidence >= d.opts.PluginThreshold
	}
	return confidence >= d.opts.ToolThreshold
}

type handlerResult struct {
	out Output
	err error
}

func (d *Dispatcher) invoke(ctx context.Context, sel selection) Invocation {
	start := time.Now()
	desc := sel.desc

	for _, name := range desc.Schema.Required {
		if _, ok := sel.params[name]; !ok {
			desc.record(false)
			return d.failed(sel, apperr.Wrap(apperr.KindCapabilityExecution, apperr.CodeCapabilityFailed,
				"missing parameter", fmt.Errorf("%w: %s", ErrMissingParam, name)), time.Since(start))
		}
	}

	ictx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		out, err := desc.Handler(ictx, sel.params)
		done <- handlerResult{out: out, err: err}
	}()

	var res handlerResult
	select {
	case res = <-done:
	case <-ictx.Done():
		res.err = ErrTimeout
	}
	elapsed := time.Since(start)

	if res.err == nil && res.out.Declined {
		res.err = fmt.Errorf("%w: %s", ErrDeclined, res.out.Reason)
	}
	if res.err != nil {
		code := apperr.CodeCapabilityFailed
		if errors.Is(res.err, ErrTimeout) || errors.Is(res.err, context.DeadlineExceeded) {
			code = apperr.CodeCapabilityTimeout
		}
		desc.record(false)
		logging.CapabilityDebug("%s failed after %v: %v", desc.ID, elapsed, res.err)
		inv := d.failed(sel, apperr.Wrap(apperr.KindCapabilityExecution, code, "capability failed", res.err), elapsed)
		inv.Output = res.out
		return inv
	}

	desc.record(true)
	return Invocation{
		ID:           d.newID(),
		CapabilityID: desc.ID,
		Kind:         desc.Kind,
		Params:       sel.params,
		Output:       res.out,
		Elapsed:      elapsed,
		Confidence:   sel.confidence,
	}
}

func (d *Dispatcher) failed(sel selection, err error, elapsed time.Duration) Invocation {
	return Invocation{
		ID:           d.newID(),
		CapabilityID: sel.desc.ID,
		Kind:         sel.desc.Kind,
		Params:       sel.params,
		Err:          err,
		Error:        err.Error(),
		Elapsed:      elapsed,
		Confidence:   sel.confidence,
	}
}
