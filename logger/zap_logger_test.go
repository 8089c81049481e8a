package logger

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/stylesift/trendcache/types"
)

func newObservedLogger() (types.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewZapWrapper(zap.New(core)), logs
}

func TestZapWrapper_ErrorWithErrStack(t *testing.T) {
	l, logs := newObservedLogger()

	base := errors.New("backend unreachable")
	wrapped := errors.Wrap(base, "stats query failed")

	l.ErrorWithErrStack("Cache backend error", wrapped, zap.String("backend", "sqlite"))

	entries := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Cache backend error", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "backend unreachable", fields["error"], "must log the root cause, not the wrapper")
	assert.Equal(t, "sqlite", fields["backend"])

	// The carried stack trace goes out line by line at debug level.
	debugEntries := logs.FilterLevelExact(zapcore.DebugLevel).All()
	require.NotEmpty(t, debugEntries)

	joined := ""
	for _, e := range debugEntries {
		joined += e.Message + "\n"
	}
	assert.Contains(t, joined, "zap_logger_test.go", "stack must point at the error's origin")
}

func TestZapWrapper_ErrorWithErrStack_NilError(t *testing.T) {
	l, logs := newObservedLogger()

	l.ErrorWithErrStack("Something went wrong", nil, zap.Int("attempt", 2))

	entries := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Something went wrong", entries[0].Message)

	fields := entries[0].ContextMap()
	_, hasError := fields["error"]
	assert.False(t, hasError)
	assert.Equal(t, int64(2), fields["attempt"])

	assert.Empty(t, logs.FilterLevelExact(zapcore.DebugLevel).All())
}

func TestZapWrapper_ErrorWithErrStack_PlainError(t *testing.T) {
	l, logs := newObservedLogger()

	// Errors built without a stack still log their message cleanly.
	l.ErrorWithErrStack("Sweep failed", types.ErrCacheStorageUnavailable)

	entries := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, entries, 1)
	assert.Equal(t, types.ErrCacheStorageUnavailable.Error(), entries[0].ContextMap()["error"])
}
