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

// Package rtp implements a borrowing RTP packet parser, bit-exact to RFC
// 3550, plus the absolute-send-time header extension (the draft 24-bit,
// 1<<18 ticks/s format). It has no RTP packet serializer; the only encoder
// here is EncodeAbsSendTime for the 3-byte extension value.
package rtp

import (
	"encoding/binary"

	"github.com/mediasoup/worker/internal/wkerr"
)

const (
	fixedHeaderSize = 12
	version2        = 2

	// AbsSendTimeMax is one past the largest value the 24-bit abs-send-time
	// field can hold.
	AbsSendTimeMax = 1 << 24
)

// Extension is a single (id, value) RTP header extension element as
// carried by a one-byte-header extension block (RFC 5285). Extension ids
// are restricted to 1..14 by the one-byte form; id 15 is reserved and
// id 0 is padding, neither is surfaced here.
type Extension struct {
	Id    uint8
	Value []byte
}

// Packet is a parsed view over a caller-owned buffer. It borrows that
// buffer for its CSRC list, extensions, and Payload; it must not outlive
// the buffer it was parsed from.
type Packet struct {
	Version        uint8
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	Ssrc           uint32
	Csrc           []uint32
	Extensions     []Extension
	Payload        []byte

	// PayloadOffset is the byte offset of Payload within the buffer Parse
	// was called with.
	PayloadOffset int
}

// Parse decodes the fixed header, CSRC list, and header extensions of buf.
// It fails per spec.md section 4.1: buf shorter than 12 bytes, version != 2,
// a declared extension block that extends beyond buf, or a CSRC count whose
// 4-byte-word span exceeds the remaining bytes.
func Parse(buf []byte) (*Packet, error) {
	if len(buf) < fixedHeaderSize {
		return nil, wkerr.New(wkerr.KindMalformedWire, "rtp: packet shorter than fixed header (%d bytes)", len(buf))
	}

	version := buf[0] >> 6
	if version != version2 {
		return nil, wkerr.New(wkerr.KindMalformedWire, "rtp: unsupported version %d", version)
	}

	hasPadding := buf[0]&0x20 != 0
	hasExtension := buf[0]&0x10 != 0
	csrcCount := int(buf[0] & 0x0F)
	marker := buf[1]&0x80 != 0
	payloadType := buf[1] & 0x7F

	p := &Packet{
		Version:        version,
		Marker:         marker,
		PayloadType:    payloadType,
		SequenceNumber: binary.BigEndian.Uint16(buf[2:4]),
		Timestamp:      binary.BigEndian.Uint32(buf[4:8]),
		Ssrc:           binary.BigEndian.Uint32(buf[8:12]),
	}

	offset := fixedHeaderSize
	csrcSpan := csrcCount * 4
	if csrcSpan > len(buf)-offset {
		return nil, wkerr.New(wkerr.KindMalformedWire, "rtp: csrc count %d exceeds remaining input", csrcCount)
	}
	if csrcCount > 0 {
		p.Csrc = make([]uint32, csrcCount)
		for i := 0; i < csrcCount; i++ {
			p.Csrc[i] = binary.BigEndian.Uint32(buf[offset : offset+4])
			offset += 4
		}
	}

	if hasExtension {
		if len(buf)-offset < 4 {
			return nil, wkerr.New(wkerr.KindMalformedWire, "rtp: declared extension header extends beyond input")
		}
		// profile (2 bytes) is ignored; we only support the one-byte header
		// form used by abs-send-time and friends.
		extLenWords := int(binary.BigEndian.Uint16(buf[offset+2 : offset+4]))
		extBlockLen := extLenWords * 4
		offset += 4
		if extBlockLen > len(buf)-offset {
			return nil, wkerr.New(wkerr.KindMalformedWire, "rtp: declared payload header extends beyond input")
		}
		extEnd := offset + extBlockLen
		exts, err := parseOneByteExtensions(buf[offset:extEnd])
		if err != nil {
			return nil, err
		}
		p.Extensions = exts
		offset = extEnd
	}

	payloadEnd := len(buf)
	if hasPadding && payloadEnd > offset {
		padLen := int(buf[payloadEnd-1])
		if padLen > 0 && padLen <= payloadEnd-offset {
			payloadEnd -= padLen
		}
	}

	p.PayloadOffset = offset
	p.Payload = buf[offset:payloadEnd]

	return p, nil
}

// parseOneByteExtensions walks a one-byte-header extension block (RFC 5285
// section 4.2), skipping padding bytes (id 0) and stopping at the reserved
// terminator (id 15).
func parseOneByteExtensions(block []byte) ([]Extension, error) {
	var exts []Extension
	i := 0
	for i < len(block) {
		b := block[i]
		id := b >> 4
		if id == 0 {
			i++ // padding
			continue
		}
		if id == 15 {
			break
		}
		length := int(b&0x0F) + 1
		i++
		if i+length > len(block) {
			return nil, wkerr.New(wkerr.KindMalformedWire, "rtp: header extension id %d overruns extension block", id)
		}
		exts = append(exts, Extension{Id: id, Value: block[i : i+length]})
		i += length
	}
	return exts, nil
}

// GetExtension returns the raw value of the extension with the given id,
// and whether it was present.
func (p *Packet) GetExtension(id uint8) ([]byte, bool) {
	for _, e := range p.Extensions {
		if e.Id == id {
			return e.Value, true
		}
	}
	return nil, false
}
