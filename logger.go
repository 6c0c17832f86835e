/************************************************************************************
 *
 * gatewire, A Lightweight Go client for bidirectional chat-platform gateways
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package gatewire

import (
	"os"

	"github.com/rs/zerolog"
)

// LogLevel mirrors the four levels spec.md's logging callback is invoked
// with. No I/O is performed directly by any component; everything funnels
// through a LogFunc.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "DEBUG"
	case LogInfo:
		return "INFO"
	case LogWarn:
		return "WARN"
	case LogError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LogFields carries the structured context a log record was emitted with:
// the originating subsystem plus the level.
type LogFields struct {
	Level  LogLevel
	System string
}

// LogFunc is the single callback every component logs through. Implementing
// this is the entire logging contract a caller needs to satisfy; no
// interface, no I/O performed by the library itself.
type LogFunc func(msg string, fields LogFields)

// NewZerologSink adapts a LogFunc backed by zerolog, for callers who want
// structured, leveled output without writing their own sink. Grounded on
// the logging stack TheRockettek's Sandwich gateway proxies ship with.
func NewZerologSink(out *os.File) LogFunc {
	if out == nil {
		out = os.Stderr
	}
	logger := zerolog.New(out).With().Timestamp().Logger()

	return func(msg string, fields LogFields) {
		evt := logger.WithLevel(zerologLevel(fields.Level)).Str("system", fields.System)
		evt.Msg(msg)
	}
}

func zerologLevel(l LogLevel) zerolog.Level {
	switch l {
	case LogDebug:
		return zerolog.DebugLevel
	case LogInfo:
		return zerolog.InfoLevel
	case LogWarn:
		return zerolog.WarnLevel
	case LogError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// noopLog is used where a component was constructed without a LogFunc.
func noopLog(string, LogFields) {}

// logAt is a small helper every component calls so call sites read as
// logAt(fn, LogDebug, "shard", "...") instead of repeating the LogFields
// literal everywhere.
func logAt(fn LogFunc, level LogLevel, system, msg string) {
	if fn == nil {
		return
	}
	fn(msg, LogFields{Level: level, System: system})
}
