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

// Package worker implements the worker's single-threaded cooperative event
// loop: it owns the room map, dispatches control requests arriving over the
// channel, and handles process signals, grounded in Loop.hpp's listener
// shape and close ordering.
package worker

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/frostbyte73/core"
	"go.uber.org/zap"

	"github.com/mediasoup/worker/internal/channel"
	"github.com/mediasoup/worker/internal/config"
	"github.com/mediasoup/worker/internal/logger"
	"github.com/mediasoup/worker/internal/room"
	"github.com/mediasoup/worker/internal/rtpparams"
	"github.com/mediasoup/worker/internal/wkerr"
)

// Worker owns the room map and dispatches channel requests. Requests are
// handled on the goroutine that calls Run; the room map is guarded by mu
// because Close, ReceiveRtpPacket and OnRoomClosed can reach it from other
// goroutines.
type Worker struct {
	logger *zap.Logger
	cfg    *config.Config
	ch     *channel.Channel

	mu    sync.Mutex // guards rooms against the one case of concurrency: Close racing Run
	rooms map[uint32]*room.Room

	closed core.Fuse
}

// New constructs a worker bound to ch.
func New(ch *channel.Channel, cfg *config.Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Worker{
		logger: logger,
		cfg:    cfg,
		ch:     ch,
		rooms:  make(map[uint32]*room.Room),
		closed: core.NewFuse(),
	}
}

// Run drives the event loop until the channel closes, a fatal signal
// arrives, or ctx is cancelled. It returns the process exit code: 0 for a
// clean shutdown (ctx cancelled or channel closed) and 128+n for signal
// termination. The 42 code for an unexpected error is set by main, not Run.
// Signal handling is stopped before Close runs.
func (w *Worker) Run(ctx context.Context) int {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	signal.Ignore(syscall.SIGPIPE)
	defer signal.Stop(sigCh)

	reqCh := make(chan *channel.Request)
	errCh := make(chan error, 1)
	go func() {
		for {
			req, err := w.ch.ReadRequest()
			if err != nil {
				errCh <- err
				return
			}
			reqCh <- req
		}
	}()

	for {
		select {
		case <-ctx.Done():
			signal.Stop(sigCh)
			w.Close()
			return 0

		case sig := <-sigCh:
			w.logger.Info("received signal, closing", zap.String("signal", sig.String()))
			signal.Stop(sigCh)
			w.Close()
			if s, ok := sig.(syscall.Signal); ok {
				return 128 + int(s)
			}
			return 128

		case err := <-errCh:
			w.logger.Info("channel closed remotely, closing", zap.Error(err))
			signal.Stop(sigCh)
			w.Close()
			return 0

		case req := <-reqCh:
			w.handleRequest(req)
		}
	}
}

// handleRequest dispatches one request to its method handler and writes
// back a response. Dispatch errors become request rejections; they never
// unwind the loop.
func (w *Worker) handleRequest(req *channel.Request) {
	data, err := w.dispatch(req)
	resp := &channel.Response{Id: req.Id}
	if err != nil {
		resp.Accepted = false
		resp.Error = err.Error()
	} else {
		resp.Accepted = true
		resp.Data = data
	}
	if werr := w.ch.WriteResponse(resp); werr != nil {
		w.logger.Warn("failed to write response", zap.Error(werr))
	}
}

func (w *Worker) dispatch(req *channel.Request) (json.RawMessage, error) {
	switch req.Method {
	case "worker.dump":
		return w.dumpWorker()
	case "worker.updateSettings":
		return w.updateSettings(req.Data)
	case "room.createRoom":
		return w.createRoom(req.Data)
	case "room.close":
		return nil, w.closeRoom(req.Internal)
	case "room.dump":
		return w.dumpRoom(req.Internal)
	case "peer.createTransport":
		return w.createTransport(req.Internal)
	case "peer.close":
		return nil, w.closeTransport(req.Internal)
	case "rtpReceiver.receive":
		return w.receive(req.Internal, req.Data)
	case "rtpReceiver.close":
		return nil, w.closeReceiver(req.Internal)
	default:
		return nil, wkerr.New(wkerr.KindUnknownMethod, "unknown method %q", req.Method)
	}
}

type internalIds struct {
	RoomId      uint32 `json:"roomId"`
	TransportId string `json:"transportId"`
	ReceiverId  string `json:"receiverId"`
}

func parseInternal(raw json.RawMessage) (internalIds, error) {
	var ids internalIds
	if len(raw) == 0 {
		return ids, nil
	}
	if err := json.Unmarshal(raw, &ids); err != nil {
		return ids, wkerr.New(wkerr.KindParametersInvalid, "invalid internal object: %v", err)
	}
	return ids, nil
}

func (w *Worker) getRoom(roomId uint32) (*room.Room, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rooms[roomId]
	if !ok {
		return nil, wkerr.New(wkerr.KindRoomNotFound, "room %d not found", roomId)
	}
	return r, nil
}

func (w *Worker) dumpWorker() (json.RawMessage, error) {
	w.mu.Lock()
	roomIds := make([]uint32, 0, len(w.rooms))
	for id := range w.rooms {
		roomIds = append(roomIds, id)
	}
	w.mu.Unlock()
	return json.Marshal(map[string]any{"rooms": roomIds})
}

func (w *Worker) updateSettings(data json.RawMessage) (json.RawMessage, error) {
	var update config.RtcConfig
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, wkerr.New(wkerr.KindParametersInvalid, "invalid settings: %v", err)
	}
	w.cfg.ApplyUpdate(&update)
	if update.LogLevel != "" {
		logger.SetLevel(update.LogLevel)
	}
	return nil, nil
}

func (w *Worker) createRoom(data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		RoomId uint32 `json:"roomId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, wkerr.New(wkerr.KindParametersInvalid, "invalid room.createRoom data: %v", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.rooms[req.RoomId]; exists {
		return nil, wkerr.New(wkerr.KindParametersInvalid, "room %d already exists", req.RoomId)
	}
	w.rooms[req.RoomId] = room.NewRoom(req.RoomId, w, w.logger)
	return nil, nil
}

func (w *Worker) closeRoom(internal json.RawMessage) error {
	ids, err := parseInternal(internal)
	if err != nil {
		return err
	}

	w.mu.Lock()
	r, ok := w.rooms[ids.RoomId]
	if ok {
		delete(w.rooms, ids.RoomId)
	}
	w.mu.Unlock()

	if !ok {
		return wkerr.New(wkerr.KindRoomNotFound, "room %d not found", ids.RoomId)
	}
	r.Close()
	return nil
}

func (w *Worker) dumpRoom(internal json.RawMessage) (json.RawMessage, error) {
	ids, err := parseInternal(internal)
	if err != nil {
		return nil, err
	}
	if _, err := w.getRoom(ids.RoomId); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"roomId": ids.RoomId})
}

func (w *Worker) createTransport(internal json.RawMessage) (json.RawMessage, error) {
	ids, err := parseInternal(internal)
	if err != nil {
		return nil, err
	}
	r, err := w.getRoom(ids.RoomId)
	if err != nil {
		return nil, err
	}
	t := r.CreateTransport()
	return json.Marshal(map[string]any{"transportId": t.Id})
}

func (w *Worker) closeTransport(internal json.RawMessage) error {
	ids, err := parseInternal(internal)
	if err != nil {
		return err
	}
	r, err := w.getRoom(ids.RoomId)
	if err != nil {
		return err
	}
	return r.CloseTransport(ids.TransportId)
}

func (w *Worker) receive(internal json.RawMessage, data json.RawMessage) (json.RawMessage, error) {
	ids, err := parseInternal(internal)
	if err != nil {
		return nil, err
	}
	r, err := w.getRoom(ids.RoomId)
	if err != nil {
		return nil, err
	}
	t, ok := r.GetTransport(ids.TransportId)
	if !ok {
		return nil, wkerr.New(wkerr.KindReceiverNotFound, "transport %q not found", ids.TransportId)
	}

	var params rtpparams.RtpParameters
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, wkerr.New(wkerr.KindParametersInvalid, "invalid rtp parameters: %v", err)
	}

	rcv, err := t.Receive(&params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"receiverId": rcv.Id()})
}

func (w *Worker) closeReceiver(internal json.RawMessage) error {
	ids, err := parseInternal(internal)
	if err != nil {
		return err
	}
	r, err := w.getRoom(ids.RoomId)
	if err != nil {
		return err
	}
	t, ok := r.GetTransport(ids.TransportId)
	if !ok {
		return wkerr.New(wkerr.KindReceiverNotFound, "transport %q not found", ids.TransportId)
	}
	return t.CloseReceiver(ids.ReceiverId)
}

// ReceiveRtpPacket hands a raw inbound RTP buffer to the named room's
// transport, which demuxes it and feeds its bandwidth estimator. This is the
// data-plane counterpart to the "rtpReceiver.receive" control request: the
// actual socket/SRTP layer that produces buf is an external collaborator
// per spec.md section 1, so this is the worker's entry point for it rather
// than a channel.Request method.
func (w *Worker) ReceiveRtpPacket(roomId uint32, transportId string, buf []byte) error {
	r, err := w.getRoom(roomId)
	if err != nil {
		return err
	}
	t, ok := r.GetTransport(transportId)
	if !ok {
		return wkerr.New(wkerr.KindReceiverNotFound, "transport %q not found", transportId)
	}
	return t.ReceiveRtpPacket(buf)
}

// OnRoomClosed satisfies room.CloseListener; it is invoked synchronously
// from Room.Close and only drops the worker's own reference, since the
// caller (closeRoom) has already removed it in the normal path. It exists
// to cover rooms that close themselves outside of a room.close request.
func (w *Worker) OnRoomClosed(roomId uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.rooms, roomId)
}

// Close runs the documented shutdown sequence: close all rooms (each tears
// down its transports and receivers, removing listener entries first),
// then release the channel. Double-close is a no-op.
func (w *Worker) Close() {
	w.closed.Once(func() {
		w.mu.Lock()
		rooms := make([]*room.Room, 0, len(w.rooms))
		for _, r := range w.rooms {
			rooms = append(rooms, r)
		}
		w.rooms = make(map[uint32]*room.Room)
		w.mu.Unlock()

		for _, r := range rooms {
			r.Close()
		}

		_ = w.ch.WriteNotification(&channel.Notification{Event: "worker.close"})
		if err := w.ch.Close(); err != nil {
			w.logger.Debug("channel close", zap.Error(err))
		}
	})
}
