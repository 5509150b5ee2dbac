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
	"github.com/stretchr/testify/require"
)

type fakeObserver struct {
	calls   int
	lastBps float64
	lastN   int
}

func (f *fakeObserver) OnReceiveBitrateChanged(ssrcs []uint32, bps float64) {
	f.calls++
	f.lastBps = bps
	f.lastN = len(ssrcs)
}

func TestRemoteEstimator_SteadyStreamNotifiesObserver(t *testing.T) {
	obs := &fakeObserver{}
	r := NewRemoteBitrateEstimatorAbsSendTime(obs, nil)

	var nowMs int64
	sendTime24 := uint32(0)
	// 20ms expressed in the wire 6.18 fixed-point abs-send-time format:
	// 20/1000 * 2^18.
	const deltaPerPacket24 = uint32(20 * (1 << 18) / 1000)
	for i := 0; i < 200; i++ {
		r.IncomingPacketInfo(nowMs, sendTime24, 0xAABBCC, 1200)
		nowMs += 20
		sendTime24 = (sendTime24 + deltaPerPacket24) & 0xFFFFFF
	}

	assert.Greater(t, obs.calls, 0)
	assert.Equal(t, 1, obs.lastN)
	assert.GreaterOrEqual(t, obs.lastBps, minBitrateBps)
}

func TestRemoteEstimator_MultipleSsrcsReportedTogether(t *testing.T) {
	obs := &fakeObserver{}
	r := NewRemoteBitrateEstimatorAbsSendTime(obs, nil)

	var nowMs int64
	// Send times advance 20ms per step (6.18 fixed point), matching the
	// arrival spacing, so each stream closes a timestamp group per packet.
	const deltaPerPacket24 = uint32(20 * (1 << 18) / 1000)
	for i := 0; i < 10; i++ {
		sendTime24 := uint32(i) * deltaPerPacket24
		r.IncomingPacketInfo(nowMs, sendTime24, 0x1111, 500)
		r.IncomingPacketInfo(nowMs, sendTime24, 0x2222, 500)
		nowMs += 20
	}

	require.Greater(t, obs.calls, 0)
	assert.Equal(t, 2, obs.lastN)
}

// TestFindBestProbe_DisqualifiesHighDelayVarianceCluster exercises the
// scenario where the first (chronologically earliest) cluster fails the
// min-delta trustworthiness test, so the scan stops there without
// considering a later cluster that would otherwise have scored higher.
func TestFindBestProbe_DisqualifiesHighDelayVarianceCluster(t *testing.T) {
	untrustworthy := Cluster{
		SendMeanMs:       5,
		RecvMeanMs:       4, // would be 2,400,000 bps
		MeanSize:         1200,
		Count:            10,
		NumAboveMinDelta: 2, // <= count/2: fails the trustworthiness test
	}
	trustworthy := Cluster{
		SendMeanMs:       5,
		RecvMeanMs:       5, // 1,920,000 bps
		MeanSize:         1200,
		Count:            10,
		NumAboveMinDelta: 8,
	}

	_, ok := FindBestProbe([]Cluster{untrustworthy, trustworthy})
	assert.False(t, ok, "the first cluster's failure must stop the scan before the later, trustworthy cluster")
}

// TestFindBestProbe_PicksHighestAmongQualifyingClusters exercises the
// normal case: every cluster up to and including the best one qualifies,
// and the highest-throughput one wins.
func TestFindBestProbe_PicksHighestAmongQualifyingClusters(t *testing.T) {
	lower := Cluster{
		SendMeanMs:       5,
		RecvMeanMs:       5, // 1,920,000 bps
		MeanSize:         1200,
		Count:            10,
		NumAboveMinDelta: 8,
	}
	higher := Cluster{
		SendMeanMs:       4,
		RecvMeanMs:       4, // 2,400,000 bps
		MeanSize:         1200,
		Count:            10,
		NumAboveMinDelta: 8,
	}

	best, ok := FindBestProbe([]Cluster{lower, higher})
	require.True(t, ok)
	assert.InDelta(t, 2400000.0, best.GetRecvBitrateBps(), 0.01)
}

func TestFindBestProbe_NoClustersQualify(t *testing.T) {
	_, ok := FindBestProbe([]Cluster{{Count: 1}})
	assert.False(t, ok)
}

// TestComputeClusters_VarianceAboveBoundProducesMultipleClusters exercises
// spec.md section 8's testable property: send-delta variance beyond the
// 2.5ms cluster-bound threshold splits probes into more than one cluster.
func TestComputeClusters_VarianceAboveBoundProducesMultipleClusters(t *testing.T) {
	r := NewRemoteBitrateEstimatorAbsSendTime(nil, nil)

	base := int64(0)
	sendMs := 0.0
	for i := 0; i < 5; i++ {
		r.recordProbe(shiftedMsConst(sendMs), base, 1200)
		sendMs += 10
		base += 10
	}
	for i := 0; i < 5; i++ {
		r.recordProbe(shiftedMsConst(sendMs), base, 1200)
		sendMs += 40
		base += 40
	}

	clusters := r.ComputeClusters()
	assert.GreaterOrEqual(t, len(clusters), 2)
}

// TestProcessClusters_BreakOnFirstFailedCluster reproduces the
// break-on-first-failure scan policy: clusters are walked in chronological
// order and the scan stops at the first one that fails the trustworthiness
// test, never reaching a later cluster that would otherwise qualify.
//
// First cluster (probes 0-5): constant 2ms send deltas, receive deltas
// alternating 0/1ms, so only 2 of its 5 pairs clear the >=1ms floor on
// both sides (NumAboveMinDelta=2, Count=5) and it fails the
// NumAboveMinDelta>Count/2 trustworthiness test. A large send-time jump at
// probe 6 (with no receive-side growth, so it doesn't feed the first
// cluster's count) closes that cluster and starts a second. The second
// cluster (probes 7-11) has constant 10ms send and receive deltas, so
// every pair qualifies — but it is never reached.
func TestProcessClusters_BreakOnFirstFailedCluster(t *testing.T) {
	r := NewRemoteBitrateEstimatorAbsSendTime(nil, nil)

	sendMs := []float64{0, 2, 4, 6, 8, 10, 1000, 1010, 1020, 1030, 1040, 1050}
	arrivalMs := []int64{0, 0, 1, 1, 2, 2, 2, 12, 22, 32, 42, 52}
	for i := range sendMs {
		r.recordProbe(shiftedMsConst(sendMs[i]), arrivalMs[i], 1200)
	}

	_, ok := r.ProcessClusters(arrivalMs[len(arrivalMs)-1])
	assert.False(t, ok, "the first untrustworthy cluster must stop the scan before the later, qualifying cluster")
}
