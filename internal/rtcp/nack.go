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

package rtcp

import (
	"encoding/binary"

	"github.com/mediasoup/worker/internal/wkerr"
)

// nackItemSize is the wire size of one NACK item: 16-bit packet id plus
// 16-bit lost-packet bitmask, grounded in
// original_source/worker/src/RTC/RTCP/FeedbackRtpNack.cpp.
const nackItemSize = 4

// NackItem holds a 16-bit packet id and a 16-bit bitmask of lost packets
// following that id (bit 0 == pid+2, bit 15 == pid+17; see MissingSeqNumbers).
type NackItem struct {
	PacketId          uint16
	LostPacketBitmask uint16
}

// ParseNackItem decodes one NACK item. It requires at least 4 bytes
// remaining, per spec.md section 4.1.
func ParseNackItem(buf []byte) (*NackItem, error) {
	if len(buf) < nackItemSize {
		return nil, wkerr.New(wkerr.KindMalformedWire, "rtcp: not enough space for NACK item")
	}
	return &NackItem{
		PacketId:         binary.BigEndian.Uint16(buf[0:2]),
		LostPacketBitmask: binary.BigEndian.Uint16(buf[2:4]),
	}, nil
}

// Serialize writes the item's 4 bytes into buf, which must be at least
// GetSize() long.
func (n *NackItem) Serialize(buf []byte) int {
	binary.BigEndian.PutUint16(buf[0:2], n.PacketId)
	binary.BigEndian.PutUint16(buf[2:4], n.LostPacketBitmask)
	return nackItemSize
}

// GetSize returns the wire size of this item.
func (n *NackItem) GetSize() int {
	return nackItemSize
}

// MissingSeqNumbers expands the item into the full set of sequence numbers
// it reports lost: the packet id itself, plus one entry per set bitmask bit
// at packet id + bit position + 2, per spec.md section 8's worked example
// (pid=100, bitmask 0b101 names {100, 102, 104}).
func (n *NackItem) MissingSeqNumbers() []uint16 {
	out := []uint16{n.PacketId}
	for bit := 0; bit < 16; bit++ {
		if n.LostPacketBitmask&(1<<uint(bit)) != 0 {
			out = append(out, n.PacketId+uint16(bit)+2)
		}
	}
	return out
}

// Packet is a NACK (RTPFB, FMT=1) feedback packet: common header,
// sender_ssrc, media_ssrc, then a list of NackItem.
type Packet struct {
	SenderSsrc uint32
	MediaSsrc  uint32
	Items      []NackItem
}

// ParseNackPacket decodes a full NACK packet from a buffer that starts at
// the common header.
func ParseNackPacket(buf []byte) (*Packet, error) {
	header, err := ParseCommonHeader(buf)
	if err != nil {
		return nil, err
	}
	if header.Pt != PtRtpfb || header.Fmt != FmtNack {
		return nil, wkerr.New(wkerr.KindMalformedWire, "rtcp: not a NACK packet (pt=%d fmt=%d)", header.Pt, header.Fmt)
	}

	body := buf[commonHeaderSize:]
	senderSsrc, mediaSsrc, err := parseSsrcs(body)
	if err != nil {
		return nil, err
	}
	body = body[ssrcsSize:]

	p := &Packet{SenderSsrc: senderSsrc, MediaSsrc: mediaSsrc}
	for len(body) >= nackItemSize {
		item, err := ParseNackItem(body)
		if err != nil {
			return nil, err
		}
		p.Items = append(p.Items, *item)
		body = body[nackItemSize:]
	}
	return p, nil
}

// GetSize returns the full wire size of the packet (header + ssrcs + items).
func (p *Packet) GetSize() int {
	return commonHeaderSize + ssrcsSize + len(p.Items)*nackItemSize
}

// Serialize writes the full NACK packet into buf, which must be at least
// GetSize() long.
func (p *Packet) Serialize(buf []byte) int {
	size := p.GetSize()
	header := CommonHeader{Fmt: FmtNack, Pt: PtRtpfb}
	header.Serialize(buf, size)

	putSsrcs(buf[commonHeaderSize:], p.SenderSsrc, p.MediaSsrc)

	offset := commonHeaderSize + ssrcsSize
	for i := range p.Items {
		offset += p.Items[i].Serialize(buf[offset:])
	}
	return size
}

// BuildNackItems packs a set of missing sequence numbers into NackItem
// entries, each covering a base pid plus up to 16 bitmask bits, following
// the teacher's NackQueue.Pairs bucketing (pkg/sfu/buffer/nack.go).
// Sequence numbers are walked in the order given (it does not sort them): a
// number 2 to 17 above the current base sets a bit in that item, any other
// number starts a new item. Ascending input yields the fewest items.
func BuildNackItems(missing []uint16) []NackItem {
	if len(missing) == 0 {
		return nil
	}

	var items []NackItem
	var current *NackItem
	for _, sn := range missing {
		if current != nil && sn-current.PacketId >= 2 && sn-current.PacketId <= 17 {
			current.LostPacketBitmask |= 1 << uint(sn-current.PacketId-2)
			continue
		}
		items = append(items, NackItem{PacketId: sn})
		current = &items[len(items)-1]
	}
	return items
}
