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

// Package logger wraps zap the way the worker's ambient stack expects:
// one process-wide logger, level selected by MEDIASOUP_LOG_LEVEL.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.RWMutex
	log = buildDefault()
)

// envLogLevel is the only environment variable spec.md names: optional
// MEDIASOUP_LOG_LEVEL selecting among {debug, warn, error}.
const envLogLevel = "MEDIASOUP_LOG_LEVEL"

func buildDefault() *zap.Logger {
	return build(os.Getenv(envLogLevel))
}

func build(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "t"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := zapcore.WarnLevel
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "error":
		lvl = zapcore.ErrorLevel
	case "warn", "":
		lvl = zapcore.WarnLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger rather than crashing the worker over
		// a logging misconfiguration.
		return zap.NewNop()
	}
	return l
}

// SetLevel reconfigures the process-wide logger, used by worker.updateSettings.
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()

	old := log
	log = build(level)
	_ = old.Sync()
}

// Named returns a child logger tagged with the given component name, the
// way the teacher scopes loggers per subsystem (e.g. "rbe", "rtcp", "rtp").
func Named(name string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log.Named(name)
}

// Sync flushes any buffered log entries. Called during worker shutdown.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return log.Sync()
}
