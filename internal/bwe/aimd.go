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

// RateControlState is the AIMD controller's operating mode (spec.md section
// 4.5), grounded in the teacher's pkg/sfu/bwe rate-control state machine.
type RateControlState int

const (
	Hold RateControlState = iota
	Increase
	Decrease
)

func (s RateControlState) String() string {
	switch s {
	case Hold:
		return "Hold"
	case Increase:
		return "Increase"
	case Decrease:
		return "Decrease"
	default:
		return "Unknown"
	}
}

const (
	beta                = 0.85
	additiveIncreaseBps = 1000.0
	minBitrateBps       = 10000.0
	responseTimeMinMs   = 100.0

	// maxBitrateAlpha, varMaxBitrateMin/Max, and nearMaxStdDevs are the
	// exponential-moving-average constants for the avgMaxBitrate/
	// varMaxBitrate statistics spec.md section 3 names as AIMD state:
	// the running estimate of the link's ceiling and its variance, sampled
	// every time the detector forces a decrease.
	maxBitrateAlpha  = 0.05
	varMaxBitrateMin = 0.4
	varMaxBitrateMax = 2.5
	nearMaxStdDevs   = 3.0
)

// RateController implements the additive-increase/multiplicative-decrease
// bandwidth controller of spec.md section 4.5.
type RateController struct {
	state           RateControlState
	currentEstimate float64
	lastChangeMs    int64
	avgChangePeriod float64
	lastUpdateMs    int64
	validEstimate   bool

	// avgMaxBitrateKbps and varMaxBitrateKbps track the statistical max
	// throughput observed at the point of each overuse-driven decrease.
	// avgMaxBitrateKbps is -1 until the first decrease has been observed.
	avgMaxBitrateKbps float64
	varMaxBitrateKbps float64
}

// NewRateController returns a controller starting in Hold with no estimate.
func NewRateController() *RateController {
	return &RateController{state: Hold, avgMaxBitrateKbps: -1.0}
}

// SetEstimate directly assigns the controller's estimate, bypassing the
// AIMD state machine: used when an initial-bandwidth probe produces a
// trustworthy value that should take effect immediately rather than be
// approached gradually.
func (rc *RateController) SetEstimate(bps float64, nowMs int64) {
	if bps < minBitrateBps {
		bps = minBitrateBps
	}
	rc.currentEstimate = bps
	rc.validEstimate = true
	rc.state = Hold
	rc.lastChangeMs = nowMs
	rc.lastUpdateMs = nowMs
}

// ValidEstimate reports whether an estimate has ever been produced.
func (rc *RateController) ValidEstimate() bool {
	return rc.validEstimate
}

// LatestEstimate returns the most recent bitrate estimate, in bits/sec.
func (rc *RateController) LatestEstimate() float64 {
	return rc.currentEstimate
}

// TimeToReduceFurther reports whether another decrease is allowed: true once
// responseTimeMinMs has passed since the estimate last changed (any
// increase, decrease or SetEstimate), or, with a valid estimate, when the
// incoming bitrate has fallen below half of it. It guards against
// decreasing every packet during sustained overuse.
func (rc *RateController) TimeToReduceFurther(nowMs int64, incomingBitrate float64) bool {
	if nowMs-rc.lastChangeMs >= int64(responseTimeMinMs) {
		return true
	}
	return rc.validEstimate && incomingBitrate < rc.currentEstimate/2
}

// Update advances the controller given the detector's hypothesis and the
// currently observed incoming bitrate (bits/sec), returning the new
// estimate.
func (rc *RateController) Update(hypothesis Hypothesis, incomingBitrateBps float64, nowMs int64) float64 {
	switch hypothesis {
	case Over:
		rc.state = Decrease
	case Under:
		rc.state = Hold
	case Normal:
		if rc.state == Hold {
			rc.state = Increase
		}
	}

	switch rc.state {
	case Decrease:
		rc.updateMaxThroughputEstimate(incomingBitrateBps / 1000.0)
		rc.currentEstimate = beta * math.Max(incomingBitrateBps, rc.prevEstimateOrZero())
		rc.lastChangeMs = nowMs
		rc.state = Hold
	case Increase:
		rc.currentEstimate = rc.increase(incomingBitrateBps, nowMs)
		rc.lastChangeMs = nowMs
	case Hold:
		if rc.validEstimate {
			rc.currentEstimate = math.Min(rc.currentEstimate, incomingBitrateBps*1.5)
		} else {
			rc.currentEstimate = incomingBitrateBps
		}
	}

	if rc.currentEstimate < minBitrateBps {
		rc.currentEstimate = minBitrateBps
	}
	rc.validEstimate = true
	rc.lastUpdateMs = nowMs
	return rc.currentEstimate
}

func (rc *RateController) prevEstimateOrZero() float64 {
	if rc.validEstimate {
		return rc.currentEstimate
	}
	return 0
}

// increase grows the estimate multiplicatively (1.08/s, per spec.md section
// 4.5) while the link's statistical max is still unknown or far away, and
// additively once the estimate is near it.
func (rc *RateController) increase(incomingBitrateBps float64, nowMs int64) float64 {
	if !rc.validEstimate || rc.currentEstimate == 0 {
		return math.Max(incomingBitrateBps, minBitrateBps)
	}

	responseTimeMs := math.Max(responseTimeMinMs, float64(nowMs-rc.lastChangeMs))

	if rc.nearMax(rc.currentEstimate / 1000.0) {
		return rc.currentEstimate + additiveIncreaseBps*(responseTimeMs/1000.0)
	}
	return rc.currentEstimate * math.Pow(1.08, responseTimeMs/1000.0)
}

// nearMax reports whether currentKbps is above the tracked statistical max
// minus nearMaxStdDevs standard deviations, per spec.md section 4.5's
// near-max/far-from-max split; there is no upper bound, so an estimate
// above the max also counts as near it. Before any decrease has been observed there
// is no statistical max yet, so growth stays multiplicative.
func (rc *RateController) nearMax(currentKbps float64) bool {
	if rc.avgMaxBitrateKbps < 0 {
		return false
	}
	std := math.Sqrt(rc.varMaxBitrateKbps * rc.avgMaxBitrateKbps)
	return currentKbps > rc.avgMaxBitrateKbps-nearMaxStdDevs*std
}

// updateMaxThroughputEstimate folds one throughput sample — the incoming
// rate observed at the moment an overuse decrease fires — into the running
// avgMaxBitrate/varMaxBitrate estimates via exponential moving average.
func (rc *RateController) updateMaxThroughputEstimate(incomingKbps float64) {
	if rc.avgMaxBitrateKbps < 0 {
		rc.avgMaxBitrateKbps = incomingKbps
	} else {
		rc.avgMaxBitrateKbps = (1-maxBitrateAlpha)*rc.avgMaxBitrateKbps + maxBitrateAlpha*incomingKbps
	}

	norm := math.Max(rc.avgMaxBitrateKbps, 1.0)
	diff := rc.avgMaxBitrateKbps - incomingKbps
	rc.varMaxBitrateKbps = (1-maxBitrateAlpha)*rc.varMaxBitrateKbps + maxBitrateAlpha*diff*diff/norm

	if rc.varMaxBitrateKbps < varMaxBitrateMin {
		rc.varMaxBitrateKbps = varMaxBitrateMin
	} else if rc.varMaxBitrateKbps > varMaxBitrateMax {
		rc.varMaxBitrateKbps = varMaxBitrateMax
	}
}
