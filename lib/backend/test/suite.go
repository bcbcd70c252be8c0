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

// Package test contains a backend acceptance test suite that is
// implementation independent. Each backend runs the suite against itself.
package test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/lablup/appproxy/lib/backend"
)

// Constructor builds a fresh backend for one subtest.
type Constructor func(t *testing.T) backend.Backend

// RunBackendComplianceSuite runs the acceptance tests shared by all
// backend implementations.
func RunBackendComplianceSuite(t *testing.T, newBackend Constructor) {
	t.Run("CRUD", func(t *testing.T) { testCRUD(t, newBackend(t)) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, newBackend(t)) })
	t.Run("Range", func(t *testing.T) { testRange(t, newBackend(t)) })
	t.Run("Watch", func(t *testing.T) { testWatch(t, newBackend(t)) })
	t.Run("Locking", func(t *testing.T) { testLocking(t, newBackend(t)) })
}

func testCRUD(t *testing.T, bk backend.Backend) {
	ctx := context.Background()

	item := backend.Item{Key: backend.Key("tests", "crud", "one"), Value: []byte("1")}
	_, err := bk.Create(ctx, item)
	require.NoError(t, err)

	// Second create of the same key must fail.
	_, err = bk.Create(ctx, item)
	require.True(t, trace.IsAlreadyExists(err), "expected AlreadyExists, got %v", err)

	out, err := bk.Get(ctx, item.Key)
	require.NoError(t, err)
	require.Equal(t, item.Value, out.Value)

	// Put overwrites.
	item.Value = []byte("2")
	_, err = bk.Put(ctx, item)
	require.NoError(t, err)
	out, err = bk.Get(ctx, item.Key)
	require.NoError(t, err)
	require.Equal(t, []byte("2"), out.Value)

	// Update requires existence.
	item.Value = []byte("3")
	_, err = bk.Update(ctx, item)
	require.NoError(t, err)
	_, err = bk.Update(ctx, backend.Item{Key: backend.Key("tests", "crud", "missing"), Value: []byte("x")})
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	require.NoError(t, bk.Delete(ctx, item.Key))
	_, err = bk.Get(ctx, item.Key)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
	err = bk.Delete(ctx, item.Key)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func testCompareAndSwap(t *testing.T, bk backend.Backend) {
	ctx := context.Background()
	key := backend.Key("tests", "cas", "one")

	_, err := bk.Create(ctx, backend.Item{Key: key, Value: []byte("old")})
	require.NoError(t, err)

	// Wrong expected value must fail.
	_, err = bk.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("stale")},
		backend.Item{Key: key, Value: []byte("new")})
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)

	_, err = bk.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("old")},
		backend.Item{Key: key, Value: []byte("new")})
	require.NoError(t, err)

	out, err := bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), out.Value)

	// Missing key must fail.
	_, err = bk.CompareAndSwap(ctx,
		backend.Item{Key: backend.Key("tests", "cas", "missing"), Value: []byte("old")},
		backend.Item{Key: backend.Key("tests", "cas", "missing"), Value: []byte("new")})
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)
}

func testRange(t *testing.T, bk backend.Backend) {
	ctx := context.Background()

	for _, kv := range []struct{ k, v string }{
		{"c", "3"}, {"a", "1"}, {"b", "2"},
	} {
		_, err := bk.Put(ctx, backend.Item{Key: backend.Key("tests", "range", kv.k), Value: []byte(kv.v)})
		require.NoError(t, err)
	}
	_, err := bk.Put(ctx, backend.Item{Key: backend.Key("tests", "other", "x"), Value: []byte("9")})
	require.NoError(t, err)

	prefix := backend.ExactKey("tests", "range")
	res, err := bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	require.NoError(t, err)
	require.Len(t, res.Items, 3)
	// Sorted by key.
	require.Equal(t, backend.Key("tests", "range", "a"), res.Items[0].Key)
	require.Equal(t, backend.Key("tests", "range", "b"), res.Items[1].Key)
	require.Equal(t, backend.Key("tests", "range", "c"), res.Items[2].Key)

	res, err = bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), 2)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)

	require.NoError(t, bk.DeleteRange(ctx, prefix, backend.RangeEnd(prefix)))
	res, err = bk.GetRange(ctx, prefix, backend.RangeEnd(prefix), backend.NoLimit)
	require.NoError(t, err)
	require.Empty(t, res.Items)

	// Unrelated keys survive the range delete.
	_, err = bk.Get(ctx, backend.Key("tests", "other", "x"))
	require.NoError(t, err)
}

func testWatch(t *testing.T, bk backend.Backend) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := bk.NewWatcher(ctx, backend.Watch{
		Name:     "suite",
		Prefixes: [][]byte{backend.ExactKey("tests", "watch")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { watcher.Close() })

	requireEvent := func(expected backend.OpType) backend.Event {
		t.Helper()
		select {
		case event := <-watcher.Events():
			require.Equal(t, expected, event.Type)
			return event
		case <-watcher.Done():
			t.Fatal("watcher closed unexpectedly")
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for %v event", expected)
		}
		return backend.Event{}
	}

	requireEvent(backend.OpInit)

	key := backend.Key("tests", "watch", "one")
	_, err = bk.Put(ctx, backend.Item{Key: key, Value: []byte("1")})
	require.NoError(t, err)
	event := requireEvent(backend.OpPut)
	require.Equal(t, key, event.Item.Key)
	require.Equal(t, []byte("1"), event.Item.Value)

	// Writes outside the watched prefix are not delivered.
	_, err = bk.Put(ctx, backend.Item{Key: backend.Key("tests", "unwatched", "two"), Value: []byte("2")})
	require.NoError(t, err)

	require.NoError(t, bk.Delete(ctx, key))
	event = requireEvent(backend.OpDelete)
	require.Equal(t, key, event.Item.Key)
}

func testLocking(t *testing.T, bk backend.Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	lockKey := backend.Key("tests", "locks", "fp1")

	var inside int32
	var executed int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := backend.RunWhileLocked(ctx, bk, lockKey, 10*time.Second, func(ctx context.Context) error {
				if !atomic.CompareAndSwapInt32(&inside, 0, 1) {
					return trace.CompareFailed("critical section entered twice")
				}
				time.Sleep(20 * time.Millisecond)
				atomic.StoreInt32(&inside, 0)
				atomic.AddInt32(&executed, 1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(3), atomic.LoadInt32(&executed))
}
