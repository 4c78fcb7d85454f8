package telemetry

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Window holds the last N samples, oldest first.
type Window struct {
	size    int
	samples []Sample
}

func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{size: size, samples: make([]Sample, 0, size)}
}

// Push appends a sample, evicting the oldest once the window is full.
func (w *Window) Push(s Sample) {
	w.samples = append(w.samples, s)
	if len(w.samples) > w.size {
		w.samples = w.samples[len(w.samples)-w.size:]
	}
}

func (w *Window) Len() int {
	return len(w.samples)
}

func (w *Window) Reset() {
	w.samples = w.samples[:0]
}

// Samples returns a copy of the window contents.
func (w *Window) Samples() []Sample {
	out := make([]Sample, len(w.samples))
	copy(out, w.samples)
	return out
}

func (w *Window) hashrates() []float64 {
	values := make([]float64, len(w.samples))
	for i, s := range w.samples {
		values[i] = s.Hashrate
	}
	return values
}

// MeanHashrate returns the average hashrate, or 0 for an empty window.
func (w *Window) MeanHashrate() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	return stat.Mean(w.hashrates(), nil)
}

// PeakTemperature returns the highest temperature seen in the window.
func (w *Window) PeakTemperature() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	temps := make([]float64, len(w.samples))
	for i, s := range w.samples {
		temps[i] = s.Temperature
	}
	return floats.Max(temps)
}

// Stability scores hashrate steadiness in [0, 1] from its coefficient of
// variation; 1 is perfectly flat.
func (w *Window) Stability() float64 {
	if len(w.samples) < 2 {
		return 0
	}

	mean, std := stat.PopMeanStdDev(w.hashrates(), nil)
	if mean == 0 {
		return 0
	}

	score := 1 - (std/mean)*10
	return min(1, max(0, score))
}

// RejectRatio returns rejected / (accepted + rejected) for the shares
// submitted between the oldest and newest sample. Counter resets (device
// reboot) fall back to the newest sample's lifetime counters.
func (w *Window) RejectRatio() float64 {
	if len(w.samples) == 0 {
		return 0
	}

	first := w.samples[0]
	last := w.samples[len(w.samples)-1]

	accepted := last.SharesAccepted - first.SharesAccepted
	rejected := last.SharesRejected - first.SharesRejected
	if accepted < 0 || rejected < 0 || len(w.samples) == 1 {
		accepted = last.SharesAccepted
		rejected = last.SharesRejected
	}

	total := accepted + rejected
	if total == 0 {
		return 0
	}
	return float64(rejected) / float64(total)
}
