package syncer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Stats is a snapshot of synchronizer counters, summed over all workers.
type Stats struct {
	Passes       uint64
	Batches      uint64
	Popped       uint64
	Values       uint64
	History      uint64
	Trends       uint64
	Skipped      uint64
	Undefined    uint64
	NotSupported uint64
	Retries      uint64
	Failures     uint64
	ExportErrors uint64
	FullSyncs    uint64

	// Pass duration quantiles.
	PassP50 time.Duration
	PassP90 time.Duration
	PassP99 time.Duration
	PassMax time.Duration
}

// Recorder accumulates the counters of every synchronizer of a service.
// It is safe for concurrent use.
type Recorder struct {
	passes       atomic.Uint64
	batches      atomic.Uint64
	popped       atomic.Uint64
	values       atomic.Uint64
	history      atomic.Uint64
	trends       atomic.Uint64
	skipped      atomic.Uint64
	undefined    atomic.Uint64
	notSupported atomic.Uint64
	retries      atomic.Uint64
	failures     atomic.Uint64
	exportErrors atomic.Uint64
	fullSyncs    atomic.Uint64

	mu      sync.Mutex
	sketch  *ddsketch.DDSketch
	maxPass time.Duration
}

// NewRecorder creates a recorder whose pass-time quantiles have 1%
// relative accuracy.
func NewRecorder() *Recorder {
	r := &Recorder{}
	if sketch, err := ddsketch.NewDefaultDDSketch(0.01); err == nil {
		r.sketch = sketch
	}
	return r
}

func (r *Recorder) observePass(d time.Duration) {
	r.passes.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if d > r.maxPass {
		r.maxPass = d
	}
	if r.sketch != nil && d > 0 {
		_ = r.sketch.Add(d.Seconds())
	}
}

// Snapshot returns the current counters.
func (r *Recorder) Snapshot() Stats {
	s := Stats{
		Passes:       r.passes.Load(),
		Batches:      r.batches.Load(),
		Popped:       r.popped.Load(),
		Values:       r.values.Load(),
		History:      r.history.Load(),
		Trends:       r.trends.Load(),
		Skipped:      r.skipped.Load(),
		Undefined:    r.undefined.Load(),
		NotSupported: r.notSupported.Load(),
		Retries:      r.retries.Load(),
		Failures:     r.failures.Load(),
		ExportErrors: r.exportErrors.Load(),
		FullSyncs:    r.fullSyncs.Load(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s.PassMax = r.maxPass
	if r.sketch != nil && !r.sketch.IsEmpty() {
		s.PassP50 = quantile(r.sketch, 0.50)
		s.PassP90 = quantile(r.sketch, 0.90)
		s.PassP99 = quantile(r.sketch, 0.99)
	}
	return s
}

func quantile(sk *ddsketch.DDSketch, q float64) time.Duration {
	v, err := sk.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
