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

import "github.com/mediasoup/worker/internal/wkerr"

// SrReqPacket is a Sender-Report-Request (RTPFB, FMT=5, RFC 5104) feedback
// packet. It carries no items; it's header-only beyond the two ssrcs,
// grounded in original_source's FeedbackRtpSrReq.hpp.
type SrReqPacket struct {
	SenderSsrc uint32
	MediaSsrc  uint32
}

// NewSrReq builds a fresh SR_REQ packet to send, mirroring the original's
// (sender_ssrc, media_ssrc) constructor.
func NewSrReq(senderSsrc, mediaSsrc uint32) *SrReqPacket {
	return &SrReqPacket{SenderSsrc: senderSsrc, MediaSsrc: mediaSsrc}
}

// ParseSrReq decodes a buffer starting at the common header, mirroring the
// original's CommonHeader-borrowing constructor.
func ParseSrReq(buf []byte) (*SrReqPacket, error) {
	header, err := ParseCommonHeader(buf)
	if err != nil {
		return nil, err
	}
	if header.Pt != PtRtpfb || header.Fmt != FmtSrReq {
		return nil, wkerr.New(wkerr.KindMalformedWire, "rtcp: not a SR_REQ packet (pt=%d fmt=%d)", header.Pt, header.Fmt)
	}

	senderSsrc, mediaSsrc, err := parseSsrcs(buf[commonHeaderSize:])
	if err != nil {
		return nil, err
	}
	return &SrReqPacket{SenderSsrc: senderSsrc, MediaSsrc: mediaSsrc}, nil
}

// GetSize returns the packet's wire size: header + two ssrcs, no items.
func (p *SrReqPacket) GetSize() int {
	return commonHeaderSize + ssrcsSize
}

// Serialize writes the packet into buf, which must be at least GetSize() long.
func (p *SrReqPacket) Serialize(buf []byte) int {
	size := p.GetSize()
	header := CommonHeader{Fmt: FmtSrReq, Pt: PtRtpfb}
	header.Serialize(buf, size)
	putSsrcs(buf[commonHeaderSize:], p.SenderSsrc, p.MediaSsrc)
	return size
}
