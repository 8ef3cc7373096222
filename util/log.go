// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package util

import (
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

type LogFunc func(msg string, ctx ...interface{})

// EphemeralErrorHandler downgrades the log level of an error that is expected
// to clear up by itself, such as a base chain node being briefly unreachable.
// A matching error is logged at Debug during IgnoreDuration, at Warn until
// Duration has passed since it was first seen, and at Error afterwards. Any
// other error resets the handler.
type EphemeralErrorHandler struct {
	Duration       time.Duration
	ErrorString    string
	IgnoreDuration time.Duration

	firstOccurrence time.Time
}

func NewEphemeralErrorHandler(duration time.Duration, errorString string, ignoreDuration time.Duration) *EphemeralErrorHandler {
	return &EphemeralErrorHandler{
		Duration:       duration,
		ErrorString:    errorString,
		IgnoreDuration: ignoreDuration,
	}
}

func (h *EphemeralErrorHandler) matches(err error) bool {
	return h.ErrorString == "" || strings.Contains(err.Error(), h.ErrorString)
}

// LogLevel returns the log function to use for err, given the level the
// caller would use otherwise.
func (h *EphemeralErrorHandler) LogLevel(err error, currentLogLevel LogFunc) LogFunc {
	if err == nil || !h.matches(err) {
		h.Reset()
		return currentLogLevel
	}
	if h.firstOccurrence.IsZero() {
		h.firstOccurrence = time.Now()
	}
	since := time.Since(h.firstOccurrence)
	if since < h.IgnoreDuration {
		return log.Debug
	}
	if since < h.Duration {
		return log.Warn
	}
	return log.Error
}

func (h *EphemeralErrorHandler) Reset() {
	h.firstOccurrence = time.Time{}
}

// CompareLogLevels reports whether two log functions are the same function.
func CompareLogLevels(a, b LogFunc) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
