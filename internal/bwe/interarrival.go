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

// Package bwe implements the remote (receiver-side) bitrate estimator
// pipeline: InterArrival grouping, a Kalman-style OveruseEstimator,
// adaptive-threshold OveruseDetector, AIMD rate control, a sliding-window
// RateCounter, and the RemoteBitrateEstimatorAbsSendTime orchestrator with
// probe clustering, all grounded in
// original_source/worker/src/RTC/RemoteBitrateEstimator/RemoteBitrateEstimatorAbsSendTime.cpp
// and the teacher's pkg/sfu/bwe tree.
package bwe

// Constants from spec.md section 4.2/4.6: group-close threshold, burst
// merge window, and the reordering-reset window, all in milliseconds. The
// group length and reorder window are compared against send timestamps
// after conversion to the shifted 32-bit domain; burstTimeThresholdMs is
// compared against arrival time.
const (
	timestampGroupLengthMs  = 5
	burstTimeThresholdMs    = 5
	reorderResetThresholdMs = 3000

	// kTimestampToMs converts a shifted (InterArrivalShift) timestamp delta
	// to milliseconds: 1000 / 2^26.
	kTimestampToMs = 1000.0 / float64(uint32(1)<<26)
)

// tsGroup mirrors spec.md's InterArrival group: {firstTimestamp,
// timestampAccum, firstArrivalMs, lastArrivalMs, sizeAccum}.
type tsGroup struct {
	valid          bool
	firstTimestamp uint32
	timestampAccum uint32
	firstArrivalMs int64
	lastArrivalMs  int64
	sizeAccum      int
}

// InterArrival groups incoming packets into timestamp groups (spec.md
// section 4.2) and yields send/recv/size deltas between consecutive
// completed groups.
type InterArrival struct {
	groupLengthShifted uint32
	current            tsGroup
	prior              tsGroup
}

// NewInterArrival constructs a fresh grouping state. groupLengthShifted is
// the group-close threshold expressed in the shifted (InterArrivalShift)
// timestamp domain; the orchestrator reinitialises this whenever all SSRCs
// time out, per spec.md section 4.6 step 4.
func NewInterArrival(groupLengthShifted uint32) *InterArrival {
	return &InterArrival{groupLengthShifted: groupLengthShifted}
}

// ComputeDeltas feeds one packet's timing into the grouping state. sendTs
// is the shifted 32-bit send timestamp, arrivalMs the packet's arrival
// time, size the payload size in bytes. nowMs is accepted for interface
// symmetry with the orchestrator's call site but is not otherwise needed
// by the grouping logic itself.
//
// It returns (tsDelta, tDelta, sizeDelta, ok); ok is true only when this
// packet closed a group and a previously completed group existed to diff
// against.
func (ia *InterArrival) ComputeDeltas(sendTs uint32, arrivalMs, nowMs int64, size int) (tsDelta uint32, tDelta int64, sizeDelta int, ok bool) {
	if !ia.current.valid {
		ia.startGroup(sendTs, arrivalMs, size)
		return 0, 0, 0, false
	}

	if diff := int32(ia.current.firstTimestamp - sendTs); diff > 0 {
		// Out-of-order send timestamp. Only a gap large enough to indicate
		// real reordering (rather than jitter) resets state; spec.md 4.2.
		if uint32(diff) > shiftedReorderThreshold() {
			ia.current = tsGroup{}
			ia.prior = tsGroup{}
			ia.startGroup(sendTs, arrivalMs, size)
			return 0, 0, 0, false
		}
		ia.extendGroup(sendTs, arrivalMs, size)
		return 0, 0, 0, false
	}

	if ia.belongsToBurst(sendTs, arrivalMs) {
		ia.extendGroup(sendTs, arrivalMs, size)
		return 0, 0, 0, false
	}

	if uint32(sendTs-ia.current.firstTimestamp) >= ia.groupLengthShifted {
		if ia.prior.valid {
			tsDelta = ia.current.timestampAccum - ia.prior.timestampAccum
			tDelta = ia.current.lastArrivalMs - ia.prior.lastArrivalMs
			sizeDelta = ia.current.sizeAccum - ia.prior.sizeAccum
			ok = true
		}
		ia.prior = ia.current
		ia.startGroup(sendTs, arrivalMs, size)
		return tsDelta, tDelta, sizeDelta, ok
	}

	ia.extendGroup(sendTs, arrivalMs, size)
	return 0, 0, 0, false
}

func (ia *InterArrival) startGroup(sendTs uint32, arrivalMs int64, size int) {
	ia.current = tsGroup{
		valid:          true,
		firstTimestamp: sendTs,
		timestampAccum: sendTs,
		firstArrivalMs: arrivalMs,
		lastArrivalMs:  arrivalMs,
		sizeAccum:      size,
	}
}

func (ia *InterArrival) extendGroup(sendTs uint32, arrivalMs int64, size int) {
	ia.current.timestampAccum = sendTs
	ia.current.lastArrivalMs = arrivalMs
	ia.current.sizeAccum += size
}

// belongsToBurst implements spec.md's burst-detection rule: if recv-delta
// <= 5ms and send-delta <= 0, merge into the current group regardless of
// the group-length threshold.
func (ia *InterArrival) belongsToBurst(sendTs uint32, arrivalMs int64) bool {
	recvDeltaMs := arrivalMs - ia.current.lastArrivalMs
	sendDelta := int32(sendTs - ia.current.timestampAccum)
	return recvDeltaMs <= burstTimeThresholdMs && sendDelta <= 0
}

// shiftedReorderThreshold converts the 3s reordering-reset window into the
// shifted timestamp domain.
func shiftedReorderThreshold() uint32 {
	return uint32(float64(reorderResetThresholdMs) / kTimestampToMs)
}

// TsDeltaToMs converts a shifted tsDelta into milliseconds, the scale used
// throughout the estimator/detector pipeline.
func TsDeltaToMs(tsDelta uint32) float64 {
	return float64(tsDelta) * kTimestampToMs
}
