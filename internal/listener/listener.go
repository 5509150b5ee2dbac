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

// Package listener implements the transport-level RTP demultiplexer: three
// lookup tables mapping SSRC, muxId, and payload type to receivers, with
// transactional add/remove semantics, grounded in
// original_source/worker/src/RTC/RtpListener.cpp.
package listener

import (
	"go.uber.org/zap"

	"github.com/mediasoup/worker/internal/rtp"
	"github.com/mediasoup/worker/internal/rtpparams"
	"github.com/mediasoup/worker/internal/wkerr"
)

// Receiver is the subset of receiver behaviour the listener needs: its
// declared parameters and a stable identity for table entries.
type Receiver interface {
	Id() string
	Parameters() *rtpparams.RtpParameters
}

// RtpListener demuxes incoming RTP packets to receivers via three
// independent tables, all non-owning.
type RtpListener struct {
	logger *zap.Logger

	ssrcTable  map[uint32]Receiver
	muxIdTable map[string]Receiver
	ptTable    map[uint8]Receiver
}

// NewRtpListener constructs an empty listener.
func NewRtpListener(logger *zap.Logger) *RtpListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RtpListener{
		logger:     logger,
		ssrcTable:  make(map[uint32]Receiver),
		muxIdTable: make(map[string]Receiver),
		ptTable:    make(map[uint8]Receiver),
	}
}

// snapshot captures the listener's tables for rollback.
type snapshot struct {
	ssrcTable  map[uint32]Receiver
	muxIdTable map[string]Receiver
	ptTable    map[uint8]Receiver
}

func (l *RtpListener) snapshot() snapshot {
	s := snapshot{
		ssrcTable:  make(map[uint32]Receiver, len(l.ssrcTable)),
		muxIdTable: make(map[string]Receiver, len(l.muxIdTable)),
		ptTable:    make(map[uint8]Receiver, len(l.ptTable)),
	}
	for k, v := range l.ssrcTable {
		s.ssrcTable[k] = v
	}
	for k, v := range l.muxIdTable {
		s.muxIdTable[k] = v
	}
	for k, v := range l.ptTable {
		s.ptTable[k] = v
	}
	return s
}

func (l *RtpListener) restore(s snapshot) {
	l.ssrcTable = s.ssrcTable
	l.muxIdTable = s.muxIdTable
	l.ptTable = s.ptTable
}

// removeAll erases every entry pointing at r from all three tables.
func (l *RtpListener) removeAll(r Receiver) {
	for k, v := range l.ssrcTable {
		if v == r {
			delete(l.ssrcTable, k)
		}
	}
	for k, v := range l.muxIdTable {
		if v == r {
			delete(l.muxIdTable, k)
		}
	}
	for k, v := range l.ptTable {
		if v == r {
			delete(l.ptTable, k)
		}
	}
}

// AddRtpReceiver (re)registers r's table entries, transactionally: r's
// existing entries are removed, then its current parameters' entries are
// inserted. Any insertion that collides with a key already pointing at a
// different receiver rolls the whole operation back and returns an error.
func (l *RtpListener) AddRtpReceiver(r Receiver) error {
	before := l.snapshot()

	l.removeAll(r)

	params := r.Parameters()

	for _, enc := range params.Encodings {
		if err := l.insertSsrc(enc.Ssrc, r); err != nil {
			l.restore(before)
			return err
		}
		if enc.HasRtx {
			if err := l.insertSsrc(enc.RtxSsrc, r); err != nil {
				l.restore(before)
				return err
			}
		}
		if enc.HasFec {
			if err := l.insertSsrc(enc.FecSsrc, r); err != nil {
				l.restore(before)
				return err
			}
		}
	}

	if params.MuxId != "" {
		if existing, ok := l.muxIdTable[params.MuxId]; ok && existing != r {
			l.restore(before)
			return wkerr.New(wkerr.KindDuplicateKey, "muxId %q already registered", params.MuxId)
		}
		l.muxIdTable[params.MuxId] = r
	}

	needsPtFallback := false
	for _, enc := range params.Encodings {
		if enc.MissingSsrc() {
			needsPtFallback = true
			break
		}
	}
	if needsPtFallback {
		for _, c := range params.Codecs {
			if existing, ok := l.ptTable[c.PayloadType]; ok && existing != r {
				l.restore(before)
				return wkerr.New(wkerr.KindDuplicateKey, "payload type %d already registered", c.PayloadType)
			}
			l.ptTable[c.PayloadType] = r
		}
	}

	return nil
}

func (l *RtpListener) insertSsrc(ssrc uint32, r Receiver) error {
	if ssrc == 0 {
		return nil
	}
	if existing, ok := l.ssrcTable[ssrc]; ok && existing != r {
		return wkerr.New(wkerr.KindDuplicateKey, "ssrc %d already registered", ssrc)
	}
	l.ssrcTable[ssrc] = r
	return nil
}

// RemoveRtpReceiver erases every entry in every table whose value is r.
func (l *RtpListener) RemoveRtpReceiver(r Receiver) {
	l.removeAll(r)
}

// GetRtpReceiver resolves a receiver for an incoming packet. It first tries
// the SSRC table; on a hit it validates the packet's payload type against
// the receiver's declared codecs rather than falling through. Failing that,
// it tries the payload-type table and, on a hit, promotes the SSRC into the
// SSRC table for future lookups.
func (l *RtpListener) GetRtpReceiver(pkt *rtp.Packet) Receiver {
	if r, ok := l.ssrcTable[pkt.Ssrc]; ok {
		if !r.Parameters().HasPayloadType(pkt.PayloadType) {
			l.logger.Warn("ssrc known but payload type mismatch",
				zap.Uint32("ssrc", pkt.Ssrc),
				zap.Uint8("payloadType", pkt.PayloadType))
			return nil
		}
		return r
	}

	if r, ok := l.ptTable[pkt.PayloadType]; ok {
		l.ssrcTable[pkt.Ssrc] = r
		return r
	}

	return nil
}

// GetRtpReceiverBySsrc is a direct SSRC-table lookup.
func (l *RtpListener) GetRtpReceiverBySsrc(ssrc uint32) Receiver {
	return l.ssrcTable[ssrc]
}
