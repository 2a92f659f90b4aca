package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New("loud")
	assert.Error(t, err)

	log, err := New("debug")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestWithContextAddsTransaction(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := ContextWithTransaction(context.Background(), "01HXTXN")
	WithContext(ctx, base).Info("debit sent")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "01HXTXN", logs.All()[0].ContextMap()["transaction_id"])
}

func TestWithContextWithoutMetadata(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	WithContext(context.Background(), base).Info("plain")
	assert.Empty(t, logs.All()[0].Context)
	assert.Equal(t, "", TransactionFrom(context.Background()))
}
