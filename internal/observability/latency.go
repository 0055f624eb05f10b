package observability

import (
	"cmp"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Stage names one timed step of a gateway request.
type Stage string

const (
	// StageFirstAudio runs from a synthesize request to its first audio frame.
	StageFirstAudio Stage = "first_audio"
	// StageSynthesis runs from a synthesize request to its done frame.
	StageSynthesis Stage = "synthesis"
	// StageTranscribe covers one provider call that produced an utterance.
	StageTranscribe Stage = "transcribe"
)

// Service reports which gateway records the stage.
func (s Stage) Service() string {
	if s == StageTranscribe {
		return "stt"
	}
	return "tts"
}

// budgetMS is the p90 latency a provider should stay under, or 0 for none.
func (s Stage) budgetMS() float64 {
	switch s {
	case StageFirstAudio:
		return 700
	case StageTranscribe:
		return 500
	}
	return 0
}

// LatencySeries summarises the recent samples of one provider and stage.
type LatencySeries struct {
	Service    string  `json:"service"`
	Provider   string  `json:"provider"`
	Stage      Stage   `json:"stage"`
	Samples    int     `json:"samples"`
	Observed   uint64  `json:"observed"`
	MinMS      float64 `json:"min_ms"`
	MeanMS     float64 `json:"mean_ms"`
	P50MS      float64 `json:"p50_ms"`
	P90MS      float64 `json:"p90_ms"`
	P99MS      float64 `json:"p99_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget int     `json:"over_budget,omitempty"`
}

// LatencySnapshot is served on /v1/perf/latency.
type LatencySnapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Window      int             `json:"window"`
	Series      []LatencySeries `json:"series"`
}

type seriesKey struct {
	provider string
	stage    Stage
}

// samples holds the last len(buf) observations; observed counts every one.
type samples struct {
	buf      []float64
	observed uint64
}

// latencyTracker keeps a bounded sample window per provider and stage.
type latencyTracker struct {
	mu     sync.Mutex
	window int
	series map[seriesKey]*samples
}

func newLatencyTracker(window int) *latencyTracker {
	return &latencyTracker{
		window: max(window, 1),
		series: make(map[seriesKey]*samples),
	}
}

func (t *latencyTracker) add(provider string, stage Stage, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	if provider == "" {
		provider = "unknown"
	}
	key := seriesKey{provider: provider, stage: stage}

	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.series[key]
	if s == nil {
		s = &samples{buf: make([]float64, 0, t.window)}
		t.series[key] = s
	}
	if len(s.buf) < t.window {
		s.buf = append(s.buf, ms)
	} else {
		s.buf[s.observed%uint64(t.window)] = ms
	}
	s.observed++
}

func (t *latencyTracker) snapshot() LatencySnapshot {
	t.mu.Lock()
	out := make([]LatencySeries, 0, len(t.series))
	for key, s := range t.series {
		out = append(out, summarise(key, slices.Clone(s.buf), s.observed))
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b LatencySeries) int {
		return cmp.Or(
			strings.Compare(a.Service, b.Service),
			strings.Compare(a.Provider, b.Provider),
			strings.Compare(string(a.Stage), string(b.Stage)),
		)
	})
	return LatencySnapshot{GeneratedAt: time.Now().UTC(), Window: t.window, Series: out}
}

func summarise(key seriesKey, vals []float64, observed uint64) LatencySeries {
	slices.Sort(vals)
	var sum float64
	for _, v := range vals {
		sum += v
	}
	budget := key.stage.budgetMS()
	over := 0
	if budget > 0 {
		i, _ := slices.BinarySearch(vals, math.Nextafter(budget, math.Inf(1)))
		over = len(vals) - i
	}
	return LatencySeries{
		Service:    key.stage.Service(),
		Provider:   key.provider,
		Stage:      key.stage,
		Samples:    len(vals),
		Observed:   observed,
		MinMS:      toMS(vals[0]),
		MeanMS:     toMS(sum / float64(len(vals))),
		P50MS:      toMS(nearestRank(vals, 50)),
		P90MS:      toMS(nearestRank(vals, 90)),
		P99MS:      toMS(nearestRank(vals, 99)),
		MaxMS:      toMS(vals[len(vals)-1]),
		BudgetMS:   budget,
		OverBudget: over,
	}
}

// nearestRank returns the smallest sample with at least pct percent of the
// window at or below it. sorted must not be empty.
func nearestRank(sorted []float64, pct int) float64 {
	rank := (pct*len(sorted) + 99) / 100
	return sorted[max(rank, 1)-1]
}

func toMS(v float64) float64 {
	return math.Round(v*10) / 10
}
