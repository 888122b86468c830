package processor

import "sync"

// decodeWeight is the share of overall progress owned by the decode barrier;
// the stages split the rest equally
const decodeWeight = 0.1

// tracker aggregates decode and per-stage progress into one monotonic value
type tracker struct {
	mu     sync.Mutex
	decode float64
	stages []float64
	report func(float64)
}

func newTracker(report func(float64)) *tracker {
	return &tracker{report: report}
}

// setStages declares how many stages share the remaining weight
func (t *tracker) setStages(n int) {
	t.mu.Lock()
	t.stages = make([]float64, n)
	t.mu.Unlock()
}

func (t *tracker) setDecode(v float64) {
	t.mu.Lock()
	t.decode = clamp01(v)
	total := t.totalLocked()
	t.mu.Unlock()
	t.report(total)
}

func (t *tracker) setStage(i int, v float64) {
	t.mu.Lock()
	if i < 0 || i >= len(t.stages) {
		t.mu.Unlock()
		return
	}
	if v = clamp01(v); v > t.stages[i] {
		t.stages[i] = v
	}
	total := t.totalLocked()
	t.mu.Unlock()
	t.report(total)
}

func (t *tracker) totalLocked() float64 {
	total := decodeWeight * t.decode
	if len(t.stages) == 0 {
		return total
	}
	var sum float64
	for _, s := range t.stages {
		sum += s
	}
	return total + (1-decodeWeight)*sum/float64(len(t.stages))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
