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
	"math"
	"sync"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"github.com/mediasoup/worker/internal/rtp"
)

// streamTimeoutMs, maxProbePackets, minClusterSize, clusterBoundMs, and
// expectedNumberOfProbes are the constants
// original_source/worker/src/RTC/RemoteBitrateEstimator/RemoteBitrateEstimatorAbsSendTime.cpp's
// cluster-computation pass fixes for SSRC bookkeeping and probe-cluster
// bounds, mirrored by spec.md section 4.6.
const (
	streamTimeoutMs        = 2000
	maxProbePackets        = 15
	minClusterSize         = 4
	clusterBoundMs         = 2.5
	expectedNumberOfProbes = 3
)

// Probe is one packet recorded for initial-bandwidth cluster analysis.
type Probe struct {
	SendTimeMs  float64
	ArrivalTime int64
	PayloadSize int
}

// Cluster is an aggregate over a run of probes with similar inter-packet
// timing, per spec.md section 4.6.
type Cluster struct {
	SendMeanMs       float64
	RecvMeanMs       float64
	MeanSize         float64
	Count            int
	NumAboveMinDelta int
}

type ssrcState struct {
	interArrival *InterArrival
	estimator    *Estimator
	detector     *Detector
	lastUpdateMs int64
}

// Observer receives bitrate-changed notifications from the estimator, as
// spec.md section 4.6's onReceiveBitrateChanged callback.
type Observer interface {
	OnReceiveBitrateChanged(ssrcs []uint32, bitrateBps float64)
}

// RemoteBitrateEstimatorAbsSendTime is the receive-side bandwidth estimator
// orchestrator, grounded in
// original_source/worker/src/RTC/RemoteBitrateEstimator/RemoteBitrateEstimatorAbsSendTime.cpp
// and the teacher's pkg/sfu/bwe/remotebwe package's lock/observer shape.
type RemoteBitrateEstimatorAbsSendTime struct {
	logger *zap.Logger

	lock sync.Mutex

	observer Observer
	ssrcs    map[uint32]*ssrcState

	rateController *RateController

	probes      deque.Deque[Probe]
	probing     bool
	firstPacket bool

	incomingBitrate *RateCounter
	lastProcessMs   int64
}

// NewRemoteBitrateEstimatorAbsSendTime constructs an estimator reporting
// changes to observer.
func NewRemoteBitrateEstimatorAbsSendTime(observer Observer, logger *zap.Logger) *RemoteBitrateEstimatorAbsSendTime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteBitrateEstimatorAbsSendTime{
		logger:          logger,
		observer:        observer,
		ssrcs:           make(map[uint32]*ssrcState),
		rateController:  NewRateController(),
		incomingBitrate: NewRateCounter(1000, 50),
		firstPacket:     true,
	}
}

// IncomingPacketInfo runs one packet through the estimator pipeline (spec.md
// section 4.6, steps 1-9): SSRC tracking, interarrival grouping, Kalman
// offset estimation, overuse detection, probe clustering, and AIMD rate
// control. The observer is notified with the current estimate each time a
// packet closes a timestamp group, whether or not the estimate changed.
func (r *RemoteBitrateEstimatorAbsSendTime) IncomingPacketInfo(nowMs int64, sendTime24 uint32, ssrc uint32, payloadSize int) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.incomingBitrate.Update(uint64(payloadSize), nowMs)

	sendTimeShifted := rtp.ShiftAbsSendTime(sendTime24)

	state, ok := r.ssrcs[ssrc]
	if !ok {
		state = &ssrcState{
			interArrival: NewInterArrival(shiftedMsConst(timestampGroupLengthMs)),
			estimator:    NewEstimator(),
			detector:     NewDetector(),
		}
		r.ssrcs[ssrc] = state
	}
	state.lastUpdateMs = nowMs

	if r.probing || len(r.ssrcs) == 1 {
		r.recordProbe(sendTimeShifted, nowMs, payloadSize)
	}

	tsDelta, tDelta, sizeDelta, ok := state.interArrival.ComputeDeltas(sendTimeShifted, nowMs, nowMs, payloadSize)
	if !ok {
		return
	}

	tsDeltaMs := TsDeltaToMs(tsDelta)
	state.estimator.Update(tDelta, tsDeltaMs, sizeDelta)

	hypothesis := state.detector.Detect(state.estimator.GetOffset(), tsDeltaMs, state.estimator.GetNumOfDeltas(), nowMs)

	r.timeoutStreams(nowMs)

	if !r.firstPacket && r.probes.Len() >= 2 && !r.probing {
		if bps, ok := r.ProcessClusters(nowMs); ok {
			r.applyEstimate(bps, nowMs)
			return
		}
	}
	r.firstPacket = false

	incomingBps := r.incomingBitrate.Rate(nowMs) * 8
	newEstimate := r.rateController.Update(hypothesis, incomingBps, nowMs)
	r.applyEstimate(newEstimate, nowMs)
}

func (r *RemoteBitrateEstimatorAbsSendTime) applyEstimate(bps float64, nowMs int64) {
	r.lastProcessMs = nowMs
	if r.observer == nil {
		return
	}
	ssrcs := make([]uint32, 0, len(r.ssrcs))
	for ssrc := range r.ssrcs {
		ssrcs = append(ssrcs, ssrc)
	}
	r.observer.OnReceiveBitrateChanged(ssrcs, bps)
}

func (r *RemoteBitrateEstimatorAbsSendTime) recordProbe(sendTimeShifted uint32, arrivalMs int64, size int) {
	r.probes.PushBack(Probe{
		SendTimeMs:  TsDeltaToMs(sendTimeShifted),
		ArrivalTime: arrivalMs,
		PayloadSize: size,
	})
	for r.probes.Len() > maxProbePackets {
		r.probes.PopFront()
	}
}

// timeoutStreams resets the interarrival grouping and Kalman estimator for
// any SSRC that has not been heard from in streamTimeoutMs, per spec.md
// section 4.6 step 4. The detector's hypothesis and threshold survive,
// mirroring the original's asymmetric reset.
func (r *RemoteBitrateEstimatorAbsSendTime) timeoutStreams(nowMs int64) {
	for ssrc, state := range r.ssrcs {
		if nowMs-state.lastUpdateMs > streamTimeoutMs {
			state.interArrival = NewInterArrival(shiftedMsConst(timestampGroupLengthMs))
			state.estimator = NewEstimator()
			r.logger.Debug("timed out stream", zap.Uint32("ssrc", ssrc))
		}
	}
}

// GetSendBitrateBps and GetRecvBitrateBps derive a cluster's throughput from
// its mean packet size over its mean send/receive inter-packet delta.
func (c Cluster) GetSendBitrateBps() float64 { return c.MeanSize * 8.0 * 1000.0 / c.SendMeanMs }
func (c Cluster) GetRecvBitrateBps() float64 { return c.MeanSize * 8.0 * 1000.0 / c.RecvMeanMs }

// isWithinClusterBounds reports whether sendDeltaMs belongs to the cluster
// being accumulated: an empty cluster accepts anything, otherwise the delta
// must fall within clusterBoundMs of the cluster's running send-delta mean.
func isWithinClusterBounds(sendDeltaMs float64, cluster Cluster) bool {
	if cluster.Count == 0 {
		return true
	}
	mean := cluster.SendMeanMs / float64(cluster.Count)
	return math.Abs(sendDeltaMs-mean) < clusterBoundMs
}

// ComputeClusters groups the recorded probes into runs with similar
// inter-packet send/receive timing, per spec.md section 4.6. The
// numAboveMinDelta increment for a probe pair is attributed to whichever
// cluster is current at the moment that pair is examined, before the
// cluster-bounds check decides whether that pair also starts a new
// cluster — a probe that breaks a cluster boundary still counts toward the
// cluster it broke, not the one it starts.
func (r *RemoteBitrateEstimatorAbsSendTime) ComputeClusters() []Cluster {
	var clusters []Cluster
	if r.probes.Len() < 2 {
		return clusters
	}

	var current Cluster
	prevSendMs := r.probes.At(0).SendTimeMs
	prevArrivalMs := float64(r.probes.At(0).ArrivalTime)

	for i := 1; i < r.probes.Len(); i++ {
		p := r.probes.At(i)
		sendDeltaMs := p.SendTimeMs - prevSendMs
		recvDeltaMs := float64(p.ArrivalTime) - prevArrivalMs

		if sendDeltaMs >= 1.0 && recvDeltaMs >= 1.0 {
			current.NumAboveMinDelta++
		}

		if !isWithinClusterBounds(sendDeltaMs, current) {
			if current.Count >= minClusterSize {
				clusters = append(clusters, finalizeCluster(current))
			}
			current = Cluster{}
		}

		current.SendMeanMs += sendDeltaMs
		current.RecvMeanMs += recvDeltaMs
		current.MeanSize += float64(p.PayloadSize)
		current.Count++

		prevSendMs = p.SendTimeMs
		prevArrivalMs = float64(p.ArrivalTime)
	}
	if current.Count >= minClusterSize {
		clusters = append(clusters, finalizeCluster(current))
	}
	return clusters
}

func finalizeCluster(c Cluster) Cluster {
	n := float64(c.Count)
	c.SendMeanMs /= n
	c.RecvMeanMs /= n
	c.MeanSize /= n
	return c
}

// FindBestProbe scans clusters in chronological order for the one with the
// highest trustworthy throughput, per spec.md section 4.6: a cluster counts
// as trustworthy when more than half its probe pairs have send and receive
// deltas of at least 1 ms (NumAboveMinDelta > Count/2) and its send/recv
// mean delay gap stays
// within [-5, +2] ms. The scan stops at the first cluster that fails this
// test rather than skipping past it, but does not discard an earlier
// qualifying cluster it already found.
func FindBestProbe(clusters []Cluster) (Cluster, bool) {
	var best Cluster
	found := false
	var bestBps float64

	for _, c := range clusters {
		if c.SendMeanMs == 0 || c.RecvMeanMs == 0 {
			continue
		}
		if c.NumAboveMinDelta > c.Count/2 && c.RecvMeanMs-c.SendMeanMs <= 2.0 && c.SendMeanMs-c.RecvMeanMs <= 5.0 {
			bps := math.Min(c.GetSendBitrateBps(), c.GetRecvBitrateBps())
			if bps > bestBps {
				best = c
				bestBps = bps
				found = true
			}
			continue
		}
		break
	}
	return best, found
}

// isBitrateImproving reports whether newBps is either the first-ever
// estimate or an improvement over the rate controller's current one, per
// spec.md section 4.6: a probe can never pull the estimate down.
func isBitrateImproving(rc *RateController, newBps float64) bool {
	initial := !rc.ValidEstimate() && newBps > 0
	improving := rc.ValidEstimate() && newBps > rc.LatestEstimate()
	return initial || improving
}

// ProcessClusters evaluates the recorded probe buffer for an initial
// bandwidth estimate, applying it only if it improves on the current one.
func (r *RemoteBitrateEstimatorAbsSendTime) ProcessClusters(nowMs int64) (float64, bool) {
	clusters := r.ComputeClusters()
	if len(clusters) == 0 {
		if r.probes.Len() >= maxProbePackets {
			r.probes.PopFront()
		}
		return 0, false
	}

	if best, ok := FindBestProbe(clusters); ok {
		bps := math.Min(best.GetSendBitrateBps(), best.GetRecvBitrateBps())
		if isBitrateImproving(r.rateController, bps) {
			r.rateController.SetEstimate(bps, nowMs)
			for r.probes.Len() > 0 {
				r.probes.PopFront()
			}
			return bps, true
		}
	}

	if len(clusters) >= expectedNumberOfProbes {
		for r.probes.Len() > 0 {
			r.probes.PopFront()
		}
	}
	return 0, false
}

// shiftedMsConst converts a millisecond duration into the shifted
// send-timestamp domain, the same scale TsDeltaToMs inverts.
func shiftedMsConst(ms float64) uint32 {
	return uint32(ms / kTimestampToMs)
}
