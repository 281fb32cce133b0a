package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// StageStats summarizes the rolling latency window of one pipeline stage.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// Indicator is a named occurrence counter for events worth surfacing next
// to latencies, such as reconnect fallbacks or unparseable arguments.
type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageTargets holds the p95 budgets surfaced alongside measured values.
// An in-place switch must feel instant; a reconnect pays a full credential
// mint plus channel negotiation and gets a correspondingly wider budget.
var stageTargets = map[string]float64{
	"dispatch_execute": 250,
	"switch_in_place":  300,
	"switch_reconnect": 2500,
	"credential_issue": 800,
}

// stageWindow keeps the most recent N samples per stage. Older samples
// fall out of the window, so the snapshot reflects current behavior rather
// than lifetime averages.
type stageWindow struct {
	mu         sync.RWMutex
	capacity   int
	stages     map[string]*ring
	indicators map[string]int
}

// ring is a fixed-capacity sample buffer. total only ever grows; the live
// sample count is min(total, capacity).
type ring struct {
	samples []float64
	total   int
}

func (r *ring) push(v float64) {
	r.samples[r.total%len(r.samples)] = v
	r.total++
}

func (r *ring) size() int {
	if r.total < len(r.samples) {
		return r.total
	}
	return len(r.samples)
}

func (r *ring) last() float64 {
	if r.total == 0 {
		return 0
	}
	return r.samples[(r.total-1)%len(r.samples)]
}

// ordered returns the live samples sorted ascending.
func (r *ring) ordered() []float64 {
	out := make([]float64, r.size())
	copy(out, r.samples[:r.size()])
	sort.Float64s(out)
	return out
}

func newStageWindow(capacity int) *stageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &stageWindow{
		capacity:   capacity,
		stages:     make(map[string]*ring),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.stages[stage]
	if !ok {
		r = &ring{samples: make([]float64, w.capacity)}
		w.stages[stage] = r
	}
	r.push(ms)
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
	}

	for _, stage := range sortedKeys(w.stages) {
		r := w.stages[stage]
		if r == nil || r.size() == 0 {
			continue
		}
		ordered := r.ordered()
		var sum float64
		for _, v := range ordered {
			sum += v
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       stage,
			Samples:     len(ordered),
			LastMS:      roundMS(r.last()),
			AvgMS:       roundMS(sum / float64(len(ordered))),
			P50MS:       roundMS(percentile(ordered, 50)),
			P95MS:       roundMS(percentile(ordered, 95)),
			P99MS:       roundMS(percentile(ordered, 99)),
			TargetP95MS: stageTargets[stage],
		})
	}

	for _, name := range sortedKeys(w.indicators) {
		if w.indicators[name] <= 0 {
			continue
		}
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

// percentile is nearest-rank over an ascending sample slice.
func percentile(ordered []float64, p float64) float64 {
	if len(ordered) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(ordered))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(ordered) {
		rank = len(ordered)
	}
	return ordered[rank-1]
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
