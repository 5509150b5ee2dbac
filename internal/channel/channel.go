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

// Package channel implements the framed control-channel byte stream
// connecting the worker to its parent process: length-prefixed JSON
// payloads over a readable/writable stream, grounded in
// Channel::UnixStreamSocket (see Loop.hpp) and expressed in the teacher's
// idiom (an io.ReadWriteCloser-backed framer rather than a raw fd).
package channel

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/mediasoup/worker/internal/wkerr"
)

// maxPayloadSize bounds a single frame's payload, per spec.md section 6.
const maxPayloadSize = 4 * 1024 * 1024

// Request is one inbound control-channel message.
type Request struct {
	Id       uint32          `json:"id"`
	Method   string          `json:"method"`
	Internal json.RawMessage `json:"internal,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Response is one outbound reply to a Request.
type Response struct {
	Id       uint32          `json:"id"`
	Accepted bool            `json:"accepted"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Notification is an unsolicited worker-to-parent event; it shares framing
// with Request/Response but omits an id.
type Notification struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Channel frames messages over stream with a 4-byte big-endian length
// prefix, matching the original's netstring-style framing.
type Channel struct {
	logger *zap.Logger

	mu     sync.Mutex
	stream io.ReadWriteCloser
	reader *bufio.Reader

	closed bool
}

// New wraps stream in a Channel.
func New(stream io.ReadWriteCloser, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		logger: logger,
		stream: stream,
		reader: bufio.NewReader(stream),
	}
}

// ReadRequest blocks for the next framed request. It returns io.EOF when
// the remote end has closed the stream.
func (c *Channel) ReadRequest() (*Request, error) {
	payload, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, wkerr.New(wkerr.KindMalformedWire, "invalid request payload: %v", err)
	}
	return &req, nil
}

func (c *Channel) readFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.reader, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxPayloadSize {
		return nil, wkerr.New(wkerr.KindMalformedWire, "message too big")
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteResponse sends a framed response.
func (c *Channel) WriteResponse(resp *Response) error {
	buf, err := json.Marshal(resp)
	if err != nil {
		return wkerr.New(wkerr.KindInternal, "marshal response: %v", err)
	}
	return c.writeFrame(buf)
}

// WriteNotification sends a framed notification.
func (c *Channel) WriteNotification(n *Notification) error {
	buf, err := json.Marshal(n)
	if err != nil {
		return wkerr.New(wkerr.KindInternal, "marshal notification: %v", err)
	}
	return c.writeFrame(buf)
}

func (c *Channel) writeFrame(payload []byte) error {
	if len(payload) > maxPayloadSize {
		return wkerr.New(wkerr.KindMalformedWire, "message too big")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return wkerr.New(wkerr.KindChannelClosed, "channel is closed")
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.stream.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := c.stream.Write(payload)
	return err
}

// Close closes the underlying stream. Double-close is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.stream.Close()
}
