package kv

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store, key string) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, key, []byte(`{"openingAmount":100}`)))
	val, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"openingAmount":100}`, string(val))

	require.NoError(t, s.Delete(ctx, key))
	_, ok, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, s.Delete(ctx, key))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory(), "shift_ana_caja-1")
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	value := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", value))
	value[0] = 'z'

	got, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestRedisKeysMatchShiftKeyWithoutPrefix(t *testing.T) {
	r := NewRedis("127.0.0.1:6379", "", 0, "")
	t.Cleanup(func() { _ = r.Close() })
	assert.Equal(t, "shift_ana_caja-1", r.key("shift_ana_caja-1"))

	scoped := NewRedis("127.0.0.1:6379", "", 0, "tienda2:")
	t.Cleanup(func() { _ = scoped.Close() })
	assert.Equal(t, "tienda2:shift_ana_caja-1", scoped.key("shift_ana_caja-1"))
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("CAJAPOS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set CAJAPOS_TEST_REDIS_ADDR to run redis integration test")
	}

	r := NewRedis(addr, os.Getenv("CAJAPOS_TEST_REDIS_PASSWORD"), 0, "cajapos-test:")
	t.Cleanup(func() {
		_ = r.Close()
	})
	require.NoError(t, r.Ping(context.Background()))

	exerciseStore(t, r, fmt.Sprintf("shift_it_%d", time.Now().UnixNano()))

	bare := NewRedis(addr, os.Getenv("CAJAPOS_TEST_REDIS_PASSWORD"), 0, "")
	t.Cleanup(func() {
		_ = bare.Close()
	})
	key := fmt.Sprintf("shift_it_%d_caja-1", time.Now().UnixNano())
	ctx := context.Background()
	require.NoError(t, bare.Set(ctx, key, []byte(`{"openingAmount":50}`)))
	t.Cleanup(func() {
		_ = bare.Delete(context.Background(), key)
	})
	raw, err := bare.client.Get(ctx, key).Bytes()
	require.NoError(t, err)
	assert.JSONEq(t, `{"openingAmount":50}`, string(raw))
}
