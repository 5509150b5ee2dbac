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

// Package wkerr defines the typed error kinds the worker distinguishes
// between when turning an internal failure into a channel response
// (spec.md section 7).
package wkerr

import "fmt"

// Kind enumerates the error categories a control-request rejection or an
// internal failure can carry.
type Kind string

const (
	KindMalformedWire     Kind = "malformed_wire"
	KindDuplicateKey      Kind = "duplicate_key"
	KindUnknownMethod     Kind = "unknown_method"
	KindRoomNotFound      Kind = "room_not_found"
	KindReceiverNotFound  Kind = "receiver_not_found"
	KindParametersInvalid Kind = "parameters_invalid"
	KindChannelClosed     Kind = "channel_closed"
	KindInternal          Kind = "internal"
)

// Error is a typed error carrying a Kind so callers (the worker's request
// dispatcher in particular) can react without string matching.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

// New builds an *Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Is reports whether err is a *Error of the given kind, so callers can
// write `if wkerr.Is(err, wkerr.KindRoomNotFound)` without a type switch.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
