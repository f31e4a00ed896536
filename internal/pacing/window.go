package pacing

import "math"

// window is a fixed-capacity ring of samples in seconds, oldest evicted first.
type window struct {
	buf  []float64
	head int
	n    int
}

func newWindow(capacity int) *window {
	return &window{buf: make([]float64, capacity)}
}

func (w *window) push(v float64) {
	w.buf[(w.head+w.n)%len(w.buf)] = v
	if w.n < len(w.buf) {
		w.n++
		return
	}
	w.head = (w.head + 1) % len(w.buf)
}

func (w *window) len() int { return w.n }

// at returns the i-th oldest sample.
func (w *window) at(i int) float64 {
	return w.buf[(w.head+i)%len(w.buf)]
}

func (w *window) last(k int) []float64 {
	k = min(k, w.n)
	out := make([]float64, k)
	for i := 0; i < k; i++ {
		out[i] = w.at(w.n - k + i)
	}
	return out
}

func (w *window) mean() float64 {
	if w.n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < w.n; i++ {
		sum += w.at(i)
	}
	return sum / float64(w.n)
}

// stddevLast is the population standard deviation of the newest k samples.
func (w *window) stddevLast(k int) float64 {
	xs := w.last(k)
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	m := sum / float64(len(xs))
	var variance float64
	for _, x := range xs {
		variance += (x - m) * (x - m)
	}
	return math.Sqrt(variance / float64(len(xs)))
}

// trend is the least-squares slope of the newest k samples, scaled and clamped to [-1, 1].
func (w *window) trend(k int) float64 {
	ys := w.last(k)
	n := float64(len(ys))
	if len(ys) < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumX2 float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}
	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (n*sumXY - sumX*sumY) / denom
	return clampFloat(slope*TrendGain, -1, 1)
}
