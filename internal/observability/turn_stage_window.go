package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	StageFirstDelta = "utterance_to_first_delta"
	StageTurnTotal  = "turn_total"
)

// stageTargets is the p95 budget per stage for the mock brain at its default
// 25ms per character.
var stageTargets = map[string]float64{
	StageFirstDelta: 100,
	StageTurnTotal:  4000,
}

// TurnSample is one finished turn as the latency window sees it. FirstDelta
// is meaningful only when Streamed is set.
type TurnSample struct {
	Intent     string
	Outcome    string
	Streamed   bool
	FirstDelta time.Duration
	Total      time.Duration
}

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

// Indicator counts the turns in the window that ended with one outcome.
type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Turns       int          `json:"turns"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// TurnWindow holds the most recent finished turns. Stage latencies and
// outcome counts are derived from those turns when a snapshot is taken, so
// both always describe the same set of turns.
type TurnWindow struct {
	mu    sync.RWMutex
	turns []TurnSample
	next  int
	full  bool
}

func NewTurnWindow(size int) *TurnWindow {
	if size <= 0 {
		size = 256
	}
	return &TurnWindow{turns: make([]TurnSample, size)}
}

// Record adds a finished turn, evicting the oldest once the window is full.
// Samples with a negative duration are dropped.
func (w *TurnWindow) Record(s TurnSample) {
	if s.Total < 0 || s.FirstDelta < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns[w.next] = s
	w.next++
	if w.next == len(w.turns) {
		w.next = 0
		w.full = true
	}
}

// ordered returns the window oldest first.
func (w *TurnWindow) ordered() []TurnSample {
	if !w.full {
		return append([]TurnSample(nil), w.turns[:w.next]...)
	}
	out := make([]TurnSample, 0, len(w.turns))
	out = append(out, w.turns[w.next:]...)
	return append(out, w.turns[:w.next]...)
}

func (w *TurnWindow) Snapshot() TurnSnapshot {
	w.mu.RLock()
	turns := w.ordered()
	size := len(w.turns)
	w.mu.RUnlock()

	var firstDelta, total []float64
	outcomes := make(map[string]int)
	for _, t := range turns {
		if t.Streamed {
			firstDelta = append(firstDelta, millis(t.FirstDelta))
		}
		total = append(total, millis(t.Total))
		if t.Outcome != "" {
			outcomes[t.Outcome]++
		}
	}

	stages := make([]StageStats, 0, 2)
	for _, st := range []struct {
		name   string
		values []float64
	}{{StageFirstDelta, firstDelta}, {StageTurnTotal, total}} {
		if len(st.values) > 0 {
			stages = append(stages, stageStats(st.name, st.values))
		}
	}

	names := make([]string, 0, len(outcomes))
	for name := range outcomes {
		names = append(names, name)
	}
	sort.Strings(names)
	indicators := make([]Indicator, 0, len(names))
	for _, name := range names {
		indicators = append(indicators, Indicator{Name: name, Count: outcomes[name]})
	}

	return TurnSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  size,
		Turns:       len(turns),
		Stages:      stages,
		Indicators:  indicators,
	}
}

func (w *TurnWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns = make([]TurnSample, len(w.turns))
	w.next = 0
	w.full = false
}

// stageStats summarises values, given oldest first.
func stageStats(stage string, values []float64) StageStats {
	last := values[len(values)-1]
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return StageStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      round2(last),
		AvgMS:       round2(sum / float64(len(sorted))),
		P50MS:       round2(quantile(sorted, 0.50)),
		P95MS:       round2(quantile(sorted, 0.95)),
		P99MS:       round2(quantile(sorted, 0.99)),
		TargetP95MS: stageTargets[stage],
	}
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo < 0 {
		return sorted[0]
	}
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
