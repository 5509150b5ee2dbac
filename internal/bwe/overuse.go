// Copyright 2024 The Mediasoup Worker Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bwe

import "math"

// Hypothesis is the bandwidth-usage state a detector update yields.
type Hypothesis int

const (
	Normal Hypothesis = iota
	Under
	Over
)

func (h Hypothesis) String() string {
	switch h {
	case Normal:
		return "Normal"
	case Under:
		return "Under"
	case Over:
		return "Over"
	default:
		return "Unknown"
	}
}

// Estimator is the two-state (slope, offset) Kalman filter tracking the
// drift between send and receive delay (spec.md section 4.3).
type Estimator struct {
	slope       float64
	offset      float64
	prevOffset  float64
	e           [2][2]float64
	processVar  [2]float64
	avgNoise    float64
	varNoise    float64
	varNoiseMax float64
	numOfDeltas int
}

// NewEstimator constructs a freshly-initialised Kalman offset estimator,
// with the covariance and process-noise priors spec.md section 4.3 fixes.
func NewEstimator() *Estimator {
	return &Estimator{
		slope:       8.0 / 512.0,
		e:           [2][2]float64{{100, 0}, {0, 1e-1}},
		processVar:  [2]float64{1e-13, 1e-3},
		varNoise:    50.0,
		varNoiseMax: 50.0,
	}
}

// GetOffset returns the filter's current offset estimate, in ms.
func (e *Estimator) GetOffset() float64 {
	return e.offset
}

// GetVarNoise returns the filter's current measurement-noise variance estimate.
func (e *Estimator) GetVarNoise() float64 {
	return e.varNoise
}

// GetNumOfDeltas returns the number of updates this filter has processed.
func (e *Estimator) GetNumOfDeltas() int {
	return e.numOfDeltas
}

// Update feeds one inter-group delta into the filter. tDelta is the
// receive-time delta (ms), tsDelta the send-time delta (ms), sizeDelta the
// byte-size delta between groups.
//
// Per spec.md section 4.3, the filter reinitialises when numOfDeltas < 2.
func (e *Estimator) Update(tDelta int64, tsDelta float64, sizeDelta int) {
	minFramePeriod := tsDelta
	if minFramePeriod <= 0 {
		minFramePeriod = 1
	}

	tTsDelta := float64(tDelta) - tsDelta

	if e.numOfDeltas < 1000 {
		e.numOfDeltas++
	}
	if e.numOfDeltas < 2 {
		e.offset = tTsDelta
		return
	}

	scale := minFramePeriod / (1000.0 / 30.0)
	e.e[0][0] += e.processVar[0] * scale
	e.e[1][1] += e.processVar[1] * scale

	h := [2]float64{float64(sizeDelta), 1.0}
	eh := [2]float64{
		e.e[0][0]*h[0] + e.e[0][1]*h[1],
		e.e[1][0]*h[0] + e.e[1][1]*h[1],
	}

	residual := tTsDelta - e.slope*h[0] - e.offset

	denom := e.varNoise + h[0]*eh[0] + h[1]*eh[1]
	if denom <= 0 {
		denom = 1
	}
	k := [2]float64{eh[0] / denom, eh[1] / denom}

	ikh := [2][2]float64{
		{1.0 - k[0]*h[0], -k[0] * h[1]},
		{-k[1] * h[0], 1.0 - k[1]*h[1]},
	}
	e00, e01 := e.e[0][0], e.e[0][1]
	e10, e11 := e.e[1][0], e.e[1][1]
	e.e[0][0] = e00*ikh[0][0] + e10*ikh[0][1]
	e.e[0][1] = e01*ikh[0][0] + e11*ikh[0][1]
	e.e[1][0] = e00*ikh[1][0] + e10*ikh[1][1]
	e.e[1][1] = e01*ikh[1][0] + e11*ikh[1][1]

	e.slope += k[0] * residual
	e.prevOffset = e.offset
	e.offset += k[1] * residual

	e.updateNoiseEstimate(residual, minFramePeriod)
}

func (e *Estimator) updateNoiseEstimate(residual, tsDelta float64) {
	if tsDelta == 0 {
		return
	}
	alpha := math.Pow(1.0-1.0/30.0, tsDelta/30.0)
	avgNoise := alpha*e.avgNoise + (1-alpha)*residual
	varNoise := alpha*e.varNoise + (1-alpha)*residual*residual

	e.avgNoise = avgNoise
	e.varNoise = math.Max(varNoise-avgNoise*avgNoise, 1.0)
	if e.varNoise > e.varNoiseMax {
		e.varNoise = e.varNoiseMax
	}
}

// ---------------------------------------------------------------------

// DetectorState mirrors spec.md's DetectorState: adaptive threshold,
// overusing-time accumulator, and the resulting hypothesis.
type DetectorState struct {
	Threshold              float64
	OverusingTimeThreshold float64
	PrevOffset             float64
	TimeOverUsing          float64
	OveruseCounter         int
	Hypothesis             Hypothesis
	LastUpdateMs           int64
}

// Detector implements the adaptive-threshold overuse detector of spec.md
// section 4.4, grounded in
// original_source/worker/include/RTC/RemoteBitrateEstimator/OveruseDetector.hpp.
type Detector struct {
	state DetectorState
	kUp   float64
	kDown float64
}

// NewDetector returns a detector with the starting threshold (12.5) and
// update constants from spec.md section 3/4.4.
func NewDetector() *Detector {
	return &Detector{
		state: DetectorState{
			Threshold:              12.5,
			OverusingTimeThreshold: 10,
			TimeOverUsing:          -1,
			LastUpdateMs:           -1,
		},
		kUp:   0.0087,
		kDown: 0.039,
	}
}

// State returns the detector's current hypothesis.
func (d *Detector) State() Hypothesis {
	return d.state.Hypothesis
}

// Detect updates the detector with one estimator output and returns the
// resulting hypothesis, per spec.md section 4.4's exact transition rules.
func (d *Detector) Detect(offset, tsDelta float64, numOfDeltas int, nowMs int64) Hypothesis {
	t := float64(numOfDeltas) * math.Min(60, float64(numOfDeltas)) * offset

	if t > d.state.Threshold {
		if d.state.TimeOverUsing == -1 {
			d.state.TimeOverUsing = tsDelta / 2
		} else {
			d.state.TimeOverUsing += tsDelta
		}
		d.state.OveruseCounter++
		if d.state.TimeOverUsing > d.state.OverusingTimeThreshold && d.state.OveruseCounter > 1 && offset >= d.state.PrevOffset {
			d.state.Hypothesis = Over
		}
	} else if t < -d.state.Threshold {
		d.state.Hypothesis = Under
		d.state.TimeOverUsing = -1
		d.state.OveruseCounter = 0
	} else {
		d.state.Hypothesis = Normal
		d.state.TimeOverUsing = -1
		d.state.OveruseCounter = 0
	}

	d.updateThreshold(t, nowMs)
	d.state.PrevOffset = offset

	return d.state.Hypothesis
}

// updateThreshold runs the adaptive threshold update every call, per
// spec.md section 4.4, clamped to [6, 600].
func (d *Detector) updateThreshold(t float64, nowMs int64) {
	if d.state.LastUpdateMs == -1 {
		d.state.LastUpdateMs = nowMs
	}

	absT := math.Abs(t)

	k := d.kUp
	if absT < d.state.Threshold {
		k = d.kDown
	}

	const maxTimeDeltaMs = 100
	timeDeltaMs := math.Min(math.Max(float64(nowMs-d.state.LastUpdateMs), 0), maxTimeDeltaMs)

	d.state.Threshold += k * (absT - d.state.Threshold) * timeDeltaMs
	d.state.Threshold = math.Max(6, math.Min(600, d.state.Threshold))

	d.state.LastUpdateMs = nowMs
}
