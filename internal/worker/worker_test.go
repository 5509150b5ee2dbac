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

package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediasoup/worker/internal/channel"
	"github.com/mediasoup/worker/internal/rtp"
)

func newTestWorker(t *testing.T) (*Worker, io.ReadWriteCloser) {
	t.Helper()
	parent, child := net.Pipe()
	t.Cleanup(func() { parent.Close() })
	ch := channel.New(child, nil)
	w := New(ch, nil, nil)
	return w, parent
}

func sendRequest(t *testing.T, conn io.ReadWriteCloser, id uint32, method string, internal, data any) {
	t.Helper()
	req := map[string]any{"id": id, "method": method}
	if internal != nil {
		req["internal"] = internal
	}
	if data != nil {
		req["data"] = data
	}
	payload, err := json.Marshal(req)
	require.NoError(t, err)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	_, err = conn.Write(lenBuf[:])
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)
}

func readResponse(t *testing.T, conn io.ReadWriteCloser) *channel.Response {
	t.Helper()
	var lenBuf [4]byte
	_, err := io.ReadFull(conn, lenBuf[:])
	require.NoError(t, err)
	size := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, size)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	var resp channel.Response
	require.NoError(t, json.Unmarshal(buf, &resp))
	return &resp
}

func TestWorker_UnknownMethodRejected(t *testing.T) {
	w, parent := newTestWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)

	sendRequest(t, parent, 1, "bogus.method", nil, nil)
	resp := readResponse(t, parent)
	assert.False(t, resp.Accepted)
	assert.NotEmpty(t, resp.Error)
}

func TestWorker_RoomLifecycle(t *testing.T) {
	w, parent := newTestWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)

	sendRequest(t, parent, 1, "room.createRoom", nil, map[string]any{"roomId": 42})
	resp := readResponse(t, parent)
	assert.True(t, resp.Accepted)

	sendRequest(t, parent, 2, "room.dump", map[string]any{"roomId": 42}, nil)
	resp = readResponse(t, parent)
	assert.True(t, resp.Accepted)

	sendRequest(t, parent, 3, "room.close", map[string]any{"roomId": 42}, nil)
	resp = readResponse(t, parent)
	assert.True(t, resp.Accepted)

	sendRequest(t, parent, 4, "room.dump", map[string]any{"roomId": 42}, nil)
	resp = readResponse(t, parent)
	assert.False(t, resp.Accepted)
}

func TestWorker_TransportAndReceiverLifecycle(t *testing.T) {
	w, parent := newTestWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)

	sendRequest(t, parent, 1, "room.createRoom", nil, map[string]any{"roomId": 1})
	require.True(t, readResponse(t, parent).Accepted)

	sendRequest(t, parent, 2, "peer.createTransport", map[string]any{"roomId": 1}, nil)
	resp := readResponse(t, parent)
	require.True(t, resp.Accepted)
	var created struct {
		TransportId string `json:"transportId"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	require.NotEmpty(t, created.TransportId)

	params := map[string]any{
		"codecs":    []map[string]any{{"PayloadType": 96, "Name": "vp8", "ClockRate": 90000}},
		"encodings": []map[string]any{{"Ssrc": 1000}},
	}
	sendRequest(t, parent, 3, "rtpReceiver.receive",
		map[string]any{"roomId": 1, "transportId": created.TransportId}, params)
	resp = readResponse(t, parent)
	require.True(t, resp.Accepted)

	sendRequest(t, parent, 4, "peer.close", map[string]any{"roomId": 1, "transportId": created.TransportId}, nil)
	resp = readResponse(t, parent)
	assert.True(t, resp.Accepted)
}

func TestWorker_ReceiveRtpPacketDeliversToTransport(t *testing.T) {
	w, parent := newTestWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)

	sendRequest(t, parent, 1, "room.createRoom", nil, map[string]any{"roomId": 1})
	require.True(t, readResponse(t, parent).Accepted)

	sendRequest(t, parent, 2, "peer.createTransport", map[string]any{"roomId": 1}, nil)
	resp := readResponse(t, parent)
	require.True(t, resp.Accepted)
	var created struct {
		TransportId string `json:"transportId"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &created))

	params := map[string]any{
		"codecs":    []map[string]any{{"PayloadType": 96, "Name": "vp8", "ClockRate": 90000}},
		"encodings": []map[string]any{{"Ssrc": 1000}},
	}
	sendRequest(t, parent, 3, "rtpReceiver.receive",
		map[string]any{"roomId": 1, "transportId": created.TransportId}, params)
	require.True(t, readResponse(t, parent).Accepted)

	hdr := pionrtp.Header{
		Version:          2,
		PayloadType:      96,
		SequenceNumber:   1,
		Timestamp:        90000,
		SSRC:             1000,
		Extension:        true,
		ExtensionProfile: 0xBEDE,
	}
	require.NoError(t, hdr.SetExtension(rtp.AbsSendTimeExtensionId, rtp.EncodeAbsSendTime(0x112233)))
	p := &pionrtp.Packet{Header: hdr, Payload: []byte("hello")}
	buf, err := p.Marshal()
	require.NoError(t, err)

	require.NoError(t, w.ReceiveRtpPacket(1, created.TransportId, buf))
	require.Error(t, w.ReceiveRtpPacket(1, "missing-transport", buf))
	require.Error(t, w.ReceiveRtpPacket(999, created.TransportId, buf))
}

func TestWorker_DoubleCloseIsNoop(t *testing.T) {
	w, parent := newTestWorker(t)
	go io.Copy(io.Discard, parent)
	w.Close()
	w.Close()
}

func TestWorker_CtxCancelClosesCleanly(t *testing.T) {
	w, parent := newTestWorker(t)
	defer parent.Close()
	go io.Copy(io.Discard, parent)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan int, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after context cancellation")
	}
}
