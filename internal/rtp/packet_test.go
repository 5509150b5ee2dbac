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

package rtp

import (
	"testing"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildPacket(t *testing.T, hdr pionrtp.Header, payload []byte) []byte {
	t.Helper()
	p := &pionrtp.Packet{Header: hdr, Payload: payload}
	buf, err := p.Marshal()
	require.NoError(t, err)
	return buf
}

func TestParse_Basic(t *testing.T) {
	hdr := pionrtp.Header{
		Version:        2,
		Marker:         true,
		PayloadType:    96,
		SequenceNumber: 1000,
		Timestamp:      90000,
		SSRC:           0xCAFEBABE,
	}
	buf := buildPacket(t, hdr, []byte("hello"))

	p, err := Parse(buf)
	require.NoError(t, err)
	assert.True(t, p.Marker)
	assert.EqualValues(t, 96, p.PayloadType)
	assert.EqualValues(t, 1000, p.SequenceNumber)
	assert.EqualValues(t, 90000, p.Timestamp)
	assert.EqualValues(t, 0xCAFEBABE, p.Ssrc)
	assert.Equal(t, []byte("hello"), p.Payload)
}

func TestParse_WithAbsSendTimeExtension(t *testing.T) {
	const absSendTimeId = 3
	sendTime24 := uint32(0x112233)

	hdr := pionrtp.Header{
		Version:     2,
		PayloadType: 100,
		SSRC:        1,
	}
	require.NoError(t, hdr.SetExtension(absSendTimeId, EncodeAbsSendTime(sendTime24)))
	buf := buildPacket(t, hdr, []byte{1, 2, 3})

	p, err := Parse(buf)
	require.NoError(t, err)

	val, ok := p.GetExtension(absSendTimeId)
	require.True(t, ok)
	got, ok := ParseAbsSendTime(val)
	require.True(t, ok)
	assert.Equal(t, sendTime24, got)
	assert.Equal(t, []byte{1, 2, 3}, p.Payload)
}

func TestParse_WithCsrc(t *testing.T) {
	hdr := pionrtp.Header{
		Version: 2,
		SSRC:    1,
		CSRC:    []uint32{10, 20, 30},
	}
	buf := buildPacket(t, hdr, []byte("x"))

	p, err := Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, []uint32{10, 20, 30}, p.Csrc)
}

func TestParse_TooShort(t *testing.T) {
	_, err := Parse(make([]byte, 11))
	require.Error(t, err)
}

func TestParse_BadVersion(t *testing.T) {
	buf := make([]byte, 12)
	buf[0] = 1 << 6 // version 1
	_, err := Parse(buf)
	require.Error(t, err)
}

func TestParse_CsrcOverrunsInput(t *testing.T) {
	buf := make([]byte, 12)
	buf[0] = (2 << 6) | 0x0F // version 2, csrc count 15
	_, err := Parse(buf)
	require.Error(t, err)
}

func TestParse_ExtensionOverrunsInput(t *testing.T) {
	buf := make([]byte, 16)
	buf[0] = (2 << 6) | 0x10 // version 2, extension bit set
	// profile bytes at [12:14], length-in-words at [14:16] declares far more
	// than remains.
	buf[14] = 0xFF
	buf[15] = 0xFF
	_, err := Parse(buf)
	require.Error(t, err)
}
