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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimator_FirstDeltaSetsOffsetDirectly(t *testing.T) {
	e := NewEstimator()
	e.Update(12, 10, 0)
	assert.EqualValues(t, 1, e.GetNumOfDeltas())
	assert.InDelta(t, 2.0, e.GetOffset(), 0.001)
}

func TestEstimator_NumOfDeltasCapped(t *testing.T) {
	e := NewEstimator()
	for i := 0; i < 1500; i++ {
		e.Update(10, 10, 0)
	}
	assert.Equal(t, 1000, e.GetNumOfDeltas())
}

func TestDetector_StartsNormal(t *testing.T) {
	d := NewDetector()
	assert.Equal(t, Normal, d.State())
}

// TestDetector_MonotonicOveruseTransition exercises the universal invariant:
// with constantly increasing offsets above threshold sustained over more
// than the 10ms overusing-time threshold, the hypothesis transitions
// Normal -> Over exactly once and does not oscillate back to Normal while
// offsets keep growing.
func TestDetector_MonotonicOveruseTransition(t *testing.T) {
	d := NewDetector()

	var nowMs int64
	offset := 1.0
	sawOver := false
	overAtStep := -1

	for i := 0; i < 50; i++ {
		nowMs += 30
		offset += 1.0 // strictly increasing offset each step
		h := d.Detect(offset, 30, 10, nowMs)
		if h == Over {
			if !sawOver {
				sawOver = true
				overAtStep = i
			}
		} else if sawOver {
			t.Fatalf("hypothesis left Over state at step %d after reaching it at step %d, with offsets strictly increasing", i, overAtStep)
		}
	}

	assert.True(t, sawOver, "expected sustained increasing offsets to eventually trigger Over")
}

func TestDetector_SmallOffsetStaysNormal(t *testing.T) {
	d := NewDetector()
	var nowMs int64
	for i := 0; i < 20; i++ {
		nowMs += 30
		h := d.Detect(0.01, 30, 1, nowMs)
		assert.Equal(t, Normal, h)
	}
}

func TestDetector_ThresholdStaysWithinClamp(t *testing.T) {
	d := NewDetector()
	var nowMs int64
	for i := 0; i < 200; i++ {
		nowMs += 30
		d.Detect(100, 30, 50, nowMs)
	}
	assert.GreaterOrEqual(t, d.state.Threshold, 6.0)
	assert.LessOrEqual(t, d.state.Threshold, 600.0)
}
