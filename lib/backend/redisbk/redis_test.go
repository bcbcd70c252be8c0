/*
 * Backend.AI AppProxy
 * Copyright (C) 2026  Lablup Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package redisbk

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/lablup/appproxy/lib/backend"
	"github.com/lablup/appproxy/lib/backend/test"
)

func newBackend(t *testing.T) *RedisBackend {
	t.Helper()
	srv := miniredis.RunT(t)
	bk, err := New(context.Background(), Config{Addr: srv.Addr(), Prefix: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	return bk
}

func TestRedisComplianceSuite(t *testing.T) {
	test.RunBackendComplianceSuite(t, func(t *testing.T) backend.Backend {
		return newBackend(t)
	})
}

// Redis expires keys by itself; reads must treat an expired key as
// deleted and range queries must prune the index entry.
func TestRedisExpiry(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	bk, err := New(ctx, Config{Addr: srv.Addr(), Prefix: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })

	key := backend.Key("tests", "expiry", "one")
	_, err = bk.Put(ctx, backend.Item{
		Key:     key,
		Value:   []byte("v"),
		Expires: time.Now().UTC().Add(5 * time.Second),
	})
	require.NoError(t, err)

	_, err = bk.Get(ctx, key)
	require.NoError(t, err)

	// miniredis only expires on explicit time travel.
	srv.FastForward(10 * time.Second)

	_, err = bk.Get(ctx, key)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	prefix := backend.ExactKey("tests", "expiry")
	res, err := bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	require.NoError(t, err)
	require.Empty(t, res.Items)

	// The expired key can be created again.
	_, err = bk.Create(ctx, backend.Item{Key: key, Value: []byte("v2")})
	require.NoError(t, err)
}

func TestRedisRevisionsAdvance(t *testing.T) {
	ctx := context.Background()
	bk := newBackend(t)

	key := backend.Key("tests", "rev", "one")
	first, err := bk.Put(ctx, backend.Item{Key: key, Value: []byte("1")})
	require.NoError(t, err)
	second, err := bk.Put(ctx, backend.Item{Key: key, Value: []byte("2")})
	require.NoError(t, err)
	require.Greater(t, second.ID, first.ID)
}

// Two backends on the same server see each other's mutations through
// the pub/sub channel, which is what the cross-process bus rides on.
func TestRedisCrossProcessWatch(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)

	writer, err := New(ctx, Config{Addr: srv.Addr(), Prefix: "shared"})
	require.NoError(t, err)
	t.Cleanup(func() { writer.Close() })

	reader, err := New(ctx, Config{Addr: srv.Addr(), Prefix: "shared"})
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })

	watcher, err := reader.NewWatcher(ctx, backend.Watch{
		Name:     "cross",
		Prefixes: [][]byte{backend.ExactKey("tests", "cross")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { watcher.Close() })

	select {
	case event := <-watcher.Events():
		require.Equal(t, backend.OpInit, event.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for init event")
	}

	key := backend.Key("tests", "cross", "one")
	_, err = writer.Put(ctx, backend.Item{Key: key, Value: []byte("v")})
	require.NoError(t, err)

	select {
	case event := <-watcher.Events():
		require.Equal(t, backend.OpPut, event.Type)
		require.Equal(t, key, event.Item.Key)
		require.Equal(t, []byte("v"), event.Item.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for put event")
	}
}
