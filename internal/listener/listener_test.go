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

package listener

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediasoup/worker/internal/rtp"
	"github.com/mediasoup/worker/internal/rtpparams"
	"github.com/mediasoup/worker/internal/wkerr"
)

type fakeReceiver struct {
	id     string
	params *rtpparams.RtpParameters
}

func (f *fakeReceiver) Id() string                            { return f.id }
func (f *fakeReceiver) Parameters() *rtpparams.RtpParameters  { return f.params }

func newReceiver(id string, ssrc uint32, pt uint8) *fakeReceiver {
	return &fakeReceiver{
		id: id,
		params: &rtpparams.RtpParameters{
			Codecs:    []rtpparams.Codec{{PayloadType: pt, Name: "opus", ClockRate: 48000}},
			Encodings: []rtpparams.Encoding{{Ssrc: ssrc}},
		},
	}
}

func TestAddRtpReceiver_BasicRegistration(t *testing.T) {
	l := NewRtpListener(nil)
	r := newReceiver("r1", 1000, 96)
	require.NoError(t, l.AddRtpReceiver(r))
	assert.Equal(t, r, l.GetRtpReceiverBySsrc(1000))
}

func TestAddRtpReceiver_IdempotentReRegistration(t *testing.T) {
	l := NewRtpListener(nil)
	r := newReceiver("r1", 1000, 96)
	require.NoError(t, l.AddRtpReceiver(r))
	require.NoError(t, l.AddRtpReceiver(r))
	assert.Equal(t, r, l.GetRtpReceiverBySsrc(1000))
}

// TestAddRtpReceiver_CollisionRollsBackToPreCallState is spec scenario 3:
// a second receiver trying to claim an SSRC already owned by another
// receiver fails, and the listener's tables are byte-identical to their
// pre-call state afterward.
func TestAddRtpReceiver_CollisionRollsBackToPreCallState(t *testing.T) {
	l := NewRtpListener(nil)
	r1 := newReceiver("r1", 1000, 96)
	r2 := newReceiver("r2", 2000, 97)
	require.NoError(t, l.AddRtpReceiver(r1))
	require.NoError(t, l.AddRtpReceiver(r2))

	before := l.snapshot()

	colliding := newReceiver("r3", 1000, 98) // claims r1's ssrc
	err := l.AddRtpReceiver(colliding)
	require.Error(t, err)
	assert.True(t, wkerr.Is(err, wkerr.KindDuplicateKey))

	after := l.snapshot()
	assert.Equal(t, before.ssrcTable, after.ssrcTable)
	assert.Equal(t, before.muxIdTable, after.muxIdTable)
	assert.Equal(t, before.ptTable, after.ptTable)

	// r3 must have none of its own entries registered either: its only
	// ssrc still belongs to r1.
	assert.Equal(t, r1, l.GetRtpReceiverBySsrc(1000))
}

// TestGetRtpReceiver_PromotesOnPtTableHit is spec scenario 2: a packet
// whose ssrc is unknown but whose payload type matches a receiver that
// needs PT-table fallback (missing rtx ssrc) is resolved via the PT table,
// and the ssrc is then promoted into the ssrc table.
func TestGetRtpReceiver_PromotesOnPtTableHit(t *testing.T) {
	l := NewRtpListener(nil)
	r := &fakeReceiver{
		id: "r1",
		params: &rtpparams.RtpParameters{
			Codecs:    []rtpparams.Codec{{PayloadType: 96, Name: "vp8", ClockRate: 90000}},
			Encodings: []rtpparams.Encoding{{Ssrc: 1000, HasRtx: true}}, // missing RtxSsrc
		},
	}
	require.NoError(t, l.AddRtpReceiver(r))

	pkt := &rtp.Packet{Ssrc: 5555, PayloadType: 96}
	got := l.GetRtpReceiver(pkt)
	require.Equal(t, r, got)

	// Promotion: now resolvable directly via the ssrc table.
	assert.Equal(t, r, l.GetRtpReceiverBySsrc(5555))
}

func TestGetRtpReceiver_PayloadTypeMismatchReturnsNilWithoutFallback(t *testing.T) {
	l := NewRtpListener(nil)
	r := newReceiver("r1", 1000, 96)
	require.NoError(t, l.AddRtpReceiver(r))

	pkt := &rtp.Packet{Ssrc: 1000, PayloadType: 200}
	got := l.GetRtpReceiver(pkt)
	assert.Nil(t, got)
}

func TestRemoveRtpReceiver_LeavesNoReferences(t *testing.T) {
	l := NewRtpListener(nil)
	r := newReceiver("r1", 1000, 96)
	require.NoError(t, l.AddRtpReceiver(r))
	l.RemoveRtpReceiver(r)

	assert.Nil(t, l.GetRtpReceiverBySsrc(1000))
	for _, v := range l.ptTable {
		assert.NotEqual(t, r, v)
	}
}
