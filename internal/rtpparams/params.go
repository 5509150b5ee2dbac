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

// Package rtpparams holds the declared, immutable configuration a receiver
// is created with: its codecs and encodings.
package rtpparams

// Codec describes one entry in a receiver's codec list.
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
}

// Encoding describes one simulcast/rtx/fec layer of a receiver.
type Encoding struct {
	Ssrc uint32

	HasRtx  bool
	RtxSsrc uint32

	HasFec  bool
	FecSsrc uint32
}

// MissingSsrc reports whether this encoding fails to declare all of the
// SSRCs it claims to use — an empty primary ssrc, or hasRtx/hasFec set
// without the corresponding ssrc. The listener uses this to decide whether
// a codec's payload type must also be registered in the PT table.
func (e Encoding) MissingSsrc() bool {
	if e.Ssrc == 0 {
		return true
	}
	if e.HasRtx && e.RtxSsrc == 0 {
		return true
	}
	if e.HasFec && e.FecSsrc == 0 {
		return true
	}
	return false
}

// RtpParameters is a receiver's declared, immutable configuration.
type RtpParameters struct {
	Codecs    []Codec
	Encodings []Encoding
	MuxId     string
}

// HasPayloadType reports whether pt appears among the declared codecs.
func (p *RtpParameters) HasPayloadType(pt uint8) bool {
	for _, c := range p.Codecs {
		if c.PayloadType == pt {
			return true
		}
	}
	return false
}
