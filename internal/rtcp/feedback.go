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

// Package rtcp implements the subset of RTCP generic transport/payload
// feedback (RFC 4585) this worker needs: the common header shared by all
// feedback packets, and two message types, NACK (RFC 4585) and SR_REQ
// (RFC 5104). Wire formats are bit-exact.
package rtcp

import (
	"encoding/binary"

	"github.com/mediasoup/worker/internal/wkerr"
)

// PayloadType identifies the RTCP packet type carried in the common
// header's PT field.
type PayloadType uint8

const (
	PtRtpfb PayloadType = 205
	PtPsfb  PayloadType = 206
)

// FMT (feedback message type) values this worker parses/builds.
const (
	FmtNack  uint8 = 1
	FmtSrReq uint8 = 5
)

const commonHeaderSize = 4
const version2 = 2

// CommonHeader is the 4-byte header shared by every RTCP packet: 2-bit
// version, 1-bit padding flag, 5-bit FMT, 8-bit PT, 16-bit length in
// 32-bit words minus one.
type CommonHeader struct {
	Padding bool
	Fmt     uint8
	Pt      PayloadType
	// Length is the wire length field: (packetSize/4) - 1.
	Length uint16
}

// ParseCommonHeader decodes the 4-byte RTCP common header.
func ParseCommonHeader(buf []byte) (*CommonHeader, error) {
	if len(buf) < commonHeaderSize {
		return nil, wkerr.New(wkerr.KindMalformedWire, "rtcp: not enough space for common header")
	}
	version := buf[0] >> 6
	if version != version2 {
		return nil, wkerr.New(wkerr.KindMalformedWire, "rtcp: unsupported version %d", version)
	}
	return &CommonHeader{
		Padding: buf[0]&0x20 != 0,
		Fmt:     buf[0] & 0x1F,
		Pt:      PayloadType(buf[1]),
		Length:  binary.BigEndian.Uint16(buf[2:4]),
	}, nil
}

// Serialize writes the common header into buf[0:4]. packetSize is the full
// size in bytes of the packet this header belongs to (header + ssrcs +
// items); it must be a multiple of 4. The length field is computed from it
// per spec.md section 4.1: (packetSize/4) - 1.
func (h *CommonHeader) Serialize(buf []byte, packetSize int) {
	buf[0] = version2 << 6
	if h.Padding {
		buf[0] |= 0x20
	}
	buf[0] |= h.Fmt & 0x1F
	buf[1] = byte(h.Pt)
	binary.BigEndian.PutUint16(buf[2:4], uint16(packetSize/4-1))
}

// WordCount returns how many 32-bit words a packet of the given byte size
// occupies, for validating the length field invariant from spec.md
// section 8: length == wordCount(packet) - 1.
func WordCount(packetSize int) int {
	return packetSize / 4
}

// ssrcsSize is the byte span of sender_ssrc + media_ssrc, present in every
// feedback packet immediately after the common header.
const ssrcsSize = 8

func parseSsrcs(buf []byte) (senderSsrc, mediaSsrc uint32, err error) {
	if len(buf) < ssrcsSize {
		return 0, 0, wkerr.New(wkerr.KindMalformedWire, "rtcp: feedback packet too short for sender/media ssrc")
	}
	return binary.BigEndian.Uint32(buf[0:4]), binary.BigEndian.Uint32(buf[4:8]), nil
}

func putSsrcs(buf []byte, senderSsrc, mediaSsrc uint32) {
	binary.BigEndian.PutUint32(buf[0:4], senderSsrc)
	binary.BigEndian.PutUint32(buf[4:8], mediaSsrc)
}
