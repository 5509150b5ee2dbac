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

// Package room implements the Room/Transport/Receiver ownership hierarchy:
// a Room owns a set of transports, each transport owns a set of receivers
// and an RtpListener demuxing incoming packets to them. Grounded in
// original_source/worker/src/RTC/RtpListener.cpp's lifecycle comments and
// the teacher's pkg/rtc room/participant ownership shape.
package room

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/mediasoup/worker/internal/bwe"
	"github.com/mediasoup/worker/internal/listener"
	"github.com/mediasoup/worker/internal/rtp"
	"github.com/mediasoup/worker/internal/rtpparams"
	"github.com/mediasoup/worker/internal/wkerr"
)

// CloseListener is notified when a Room finishes tearing itself down.
type CloseListener interface {
	OnRoomClosed(roomId uint32)
}

// Room owns a set of transports and emits a closed event to its listener
// on teardown.
type Room struct {
	logger *zap.Logger

	Id uint32

	mu         sync.Mutex
	transports map[string]*Transport
	closed     atomic.Bool

	closeListener CloseListener
}

// NewRoom constructs a room with the given numeric id.
func NewRoom(id uint32, closeListener CloseListener, logger *zap.Logger) *Room {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Room{
		logger:        logger.With(zap.Uint32("roomId", id)),
		Id:            id,
		transports:    make(map[string]*Transport),
		closeListener: closeListener,
	}
}

// CreateTransport creates and registers a new transport owned by the room.
func (r *Room) CreateTransport() *Transport {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := newTransport(r.logger)
	r.transports[t.Id] = t
	return t
}

// GetTransport looks up a transport by id.
func (r *Room) GetTransport(id string) (*Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transports[id]
	return t, ok
}

// CloseTransport tears down and unregisters one transport.
func (r *Room) CloseTransport(id string) error {
	r.mu.Lock()
	t, ok := r.transports[id]
	if ok {
		delete(r.transports, id)
	}
	r.mu.Unlock()

	if !ok {
		return wkerr.New(wkerr.KindReceiverNotFound, "transport %q not found", id)
	}
	t.Close()
	return nil
}

// Close tears down every transport the room owns (removing listener
// entries first, via Transport.Close), then notifies the close listener.
// Double-close is a no-op.
func (r *Room) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}

	r.mu.Lock()
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[string]*Transport)
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}

	if r.closeListener != nil {
		r.closeListener.OnRoomClosed(r.Id)
	}
}

// ---------------------------------------------------------------------

// Transport owns an RtpListener, the receivers registered against it, and
// the per-transport bandwidth estimator fed by every packet it demuxes.
type Transport struct {
	logger *zap.Logger

	Id string

	mu        sync.Mutex
	listener  *listener.RtpListener
	receivers map[string]*Receiver
	estimator *bwe.RemoteBitrateEstimatorAbsSendTime

	closed atomic.Bool
}

func newTransport(logger *zap.Logger) *Transport {
	id := uuid.NewString()
	l := logger.With(zap.String("transportId", id))
	t := &Transport{
		logger:    l,
		Id:        id,
		listener:  listener.NewRtpListener(l),
		receivers: make(map[string]*Receiver),
	}
	t.estimator = bwe.NewRemoteBitrateEstimatorAbsSendTime(loggingObserver{logger: l}, l)
	return t
}

// loggingObserver reports bitrate-changed events to the transport's logger.
// A real sender-side consumer (REMB/TWCC generation) is external per
// spec.md section 1; this is the one concrete Observer the worker itself
// needs until that consumer exists.
type loggingObserver struct {
	logger *zap.Logger
}

func (o loggingObserver) OnReceiveBitrateChanged(ssrcs []uint32, bitrateBps float64) {
	o.logger.Debug("available bitrate changed",
		zap.Uint32s("ssrcs", ssrcs),
		zap.Float64("bitrateBps", bitrateBps))
}

// ReceiveRtpPacket demultiplexes buf to its owning receiver and forwards its
// payload size and absolute-send-time to the transport's bandwidth
// estimator, per spec.md section 2's data flow. Packets that fail to parse
// or resolve to no receiver are dropped; this mirrors the teacher's
// best-effort handling of malformed inbound media, which must never take
// down the worker loop.
func (t *Transport) ReceiveRtpPacket(buf []byte) error {
	pkt, err := rtp.Parse(buf)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		return wkerr.New(wkerr.KindChannelClosed, "transport is closed")
	}
	rcv := t.listener.GetRtpReceiver(pkt)
	estimator := t.estimator
	t.mu.Unlock()

	if rcv == nil {
		return wkerr.New(wkerr.KindReceiverNotFound, "no receiver for ssrc %d pt %d", pkt.Ssrc, pkt.PayloadType)
	}

	value, ok := pkt.GetExtension(rtp.AbsSendTimeExtensionId)
	if !ok {
		return nil
	}
	sendTime24, ok := rtp.ParseAbsSendTime(value)
	if !ok {
		return nil
	}

	nowMs := time.Now().UnixMilli()
	estimator.IncomingPacketInfo(nowMs, sendTime24, pkt.Ssrc, len(pkt.Payload))
	return nil
}

// Receive creates a receiver with the given parameters and registers its
// listener-table entries.
func (t *Transport) Receive(params *rtpparams.RtpParameters) (*Receiver, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return nil, wkerr.New(wkerr.KindChannelClosed, "transport is closed")
	}

	r := &Receiver{id: uuid.NewString(), params: params}
	if err := t.listener.AddRtpReceiver(r); err != nil {
		return nil, err
	}
	t.receivers[r.id] = r
	return r, nil
}

// CloseReceiver removes a receiver's listener entries and unregisters it.
func (t *Transport) CloseReceiver(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.receivers[id]
	if !ok {
		return wkerr.New(wkerr.KindReceiverNotFound, "receiver %q not found", id)
	}
	t.listener.RemoveRtpReceiver(r)
	delete(t.receivers, id)
	return nil
}

// Listener exposes the transport's RtpListener for packet dispatch.
func (t *Transport) Listener() *listener.RtpListener {
	return t.listener
}

// Close removes every receiver's listener entries before releasing them,
// per the containing transport's documented lifecycle. Double-close is a
// no-op.
func (t *Transport) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.receivers {
		t.listener.RemoveRtpReceiver(r)
	}
	t.receivers = make(map[string]*Receiver)
}

// ---------------------------------------------------------------------

// Receiver is a non-owning listener-table target with immutable
// parameters.
type Receiver struct {
	id     string
	params *rtpparams.RtpParameters
}

// Id returns the receiver's stable identity, satisfying listener.Receiver.
func (r *Receiver) Id() string { return r.id }

// Parameters returns the receiver's immutable declared configuration,
// satisfying listener.Receiver.
func (r *Receiver) Parameters() *rtpparams.RtpParameters { return r.params }
