package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/hazard-announcer/internal/testutil"
)

func exerciseKV(t *testing.T, kv KV) {
	ctx := context.Background()

	_, err := kv.Get(ctx, "settings")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set(ctx, "settings", []byte(`{"enabled":true}`)))
	got, err := kv.Get(ctx, "settings")
	require.NoError(t, err)
	assert.JSONEq(t, `{"enabled":true}`, string(got))

	require.NoError(t, kv.Set(ctx, "settings", []byte(`{"enabled":false}`)))
	got, err = kv.Get(ctx, "settings")
	require.NoError(t, err)
	assert.JSONEq(t, `{"enabled":false}`, string(got))
}

func TestMemoryKV(t *testing.T) {
	exerciseKV(t, NewMemoryKV())
}

func TestMemoryKV_CopiesValues(t *testing.T) {
	kv := NewMemoryKV()
	buf := []byte("abc")
	require.NoError(t, kv.Set(context.Background(), "k", buf))
	buf[0] = 'z'

	got, err := kv.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestSQLiteKV(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dbPath := filepath.Join(t.TempDir(), "state.db")

	kv, err := NewSQLiteKV(logger, dbPath)
	require.NoError(t, err)
	exerciseKV(t, kv)
	require.NoError(t, kv.Close())

	t.Run("SurvivesReopen", func(t *testing.T) {
		reopened, err := NewSQLiteKV(logger, dbPath)
		require.NoError(t, err)
		defer reopened.Close()

		got, err := reopened.Get(context.Background(), "settings")
		require.NoError(t, err)
		assert.JSONEq(t, `{"enabled":false}`, string(got))
	})
}

func TestJetStreamKV(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	logger := zaptest.NewLogger(t)
	kv, err := NewJetStreamKV(js, "", logger)
	require.NoError(t, err)
	exerciseKV(t, kv)

	// Binding again reuses the existing bucket and its contents
	again, err := NewJetStreamKV(js, DefaultBucket, logger)
	require.NoError(t, err)
	got, err := again.Get(context.Background(), "settings")
	require.NoError(t, err)
	assert.JSONEq(t, `{"enabled":false}`, string(got))
}

func TestJetStreamKV_CanceledContext(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	kv, err := NewJetStreamKV(js, "CANCELED", zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, kv.Set(ctx, "k", []byte("v")), context.Canceled)
}
