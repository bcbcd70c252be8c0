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

// Package memory implements an in-process backend used by tests and
// single-node development setups.
package memory

import (
	"bytes"
	"container/heap"
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/lablup/appproxy/lib/backend"
)

// btree degree balances depth and node copying for small key sets.
const bTreeDegree = 8

// Config holds memory backend configuration.
type Config struct {
	// Clock overrides the time source, used in tests.
	Clock clockwork.Clock
	// BufferSize is the queue size of watchers attached to this backend.
	BufferSize int
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BufferSize <= 0 {
		c.BufferSize = backend.DefaultQueueSize
	}
	return nil
}

// Memory is a btree-backed in-process backend with TTL support. Expired
// items are dropped lazily on every operation, so time can be driven by a
// fake clock in tests.
type Memory struct {
	cfg Config

	mu     sync.Mutex
	tree   *btree.BTreeG[*btreeItem]
	heap   minHeap
	buf    *backend.Buffer
	nextID int64
	closed bool
}

// New returns a new memory backend.
func New(cfg Config) (*Memory, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Memory{
		cfg: cfg,
		tree: btree.NewG(bTreeDegree, func(a, b *btreeItem) bool {
			return bytes.Compare(a.Key, b.Key) < 0
		}),
		buf:    backend.NewBuffer(),
		nextID: 1,
	}, nil
}

// Clock returns the clock used by this backend.
func (m *Memory) Clock() clockwork.Clock {
	return m.cfg.Clock
}

// Close closes the backend and all attached watchers.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.buf.Close()
}

// Create creates item if it does not exist.
func (m *Memory) Create(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkState(); err != nil {
		return nil, trace.Wrap(err)
	}
	m.removeExpired()
	if _, found := m.tree.Get(&btreeItem{Item: backend.Item{Key: i.Key}}); found {
		return nil, trace.AlreadyExists("key %q already exists", string(i.Key))
	}
	m.upsert(i)
	return m.newLease(i), nil
}

// Put puts value into backend (creates if it does not exist, updates it
// otherwise).
func (m *Memory) Put(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkState(); err != nil {
		return nil, trace.Wrap(err)
	}
	m.removeExpired()
	m.upsert(i)
	return m.newLease(i), nil
}

// Update updates an existing item.
func (m *Memory) Update(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkState(); err != nil {
		return nil, trace.Wrap(err)
	}
	m.removeExpired()
	if _, found := m.tree.Get(&btreeItem{Item: backend.Item{Key: i.Key}}); !found {
		return nil, trace.NotFound("key %q is not found", string(i.Key))
	}
	m.upsert(i)
	return m.newLease(i), nil
}

// CompareAndSwap compares the value of an existing item with expected and,
// when they match, replaces it with replaceWith.
func (m *Memory) CompareAndSwap(ctx context.Context, expected backend.Item, replaceWith backend.Item) (*backend.Lease, error) {
	if !bytes.Equal(expected.Key, replaceWith.Key) {
		return nil, trace.BadParameter("expected and replaceWith keys should match")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkState(); err != nil {
		return nil, trace.Wrap(err)
	}
	m.removeExpired()
	existing, found := m.tree.Get(&btreeItem{Item: backend.Item{Key: expected.Key}})
	if !found {
		return nil, trace.CompareFailed("key %q is not found", string(expected.Key))
	}
	if !bytes.Equal(existing.Value, expected.Value) {
		return nil, trace.CompareFailed("current value does not match expected for %q", string(expected.Key))
	}
	m.upsert(replaceWith)
	return m.newLease(replaceWith), nil
}

// Get returns a single item or a not found error.
func (m *Memory) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkState(); err != nil {
		return nil, trace.Wrap(err)
	}
	m.removeExpired()
	existing, found := m.tree.Get(&btreeItem{Item: backend.Item{Key: key}})
	if !found {
		return nil, trace.NotFound("key %q is not found", string(key))
	}
	item := existing.Item
	return &item, nil
}

// GetRange returns items in the [startKey, endKey) range sorted by key.
func (m *Memory) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 {
		return nil, trace.BadParameter("missing parameter startKey")
	}
	if len(endKey) == 0 {
		return nil, trace.BadParameter("missing parameter endKey")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkState(); err != nil {
		return nil, trace.Wrap(err)
	}
	m.removeExpired()
	var res backend.GetResult
	m.tree.AscendRange(
		&btreeItem{Item: backend.Item{Key: startKey}},
		&btreeItem{Item: backend.Item{Key: endKey}},
		func(item *btreeItem) bool {
			res.Items = append(res.Items, item.Item)
			return limit == backend.NoLimit || len(res.Items) < limit
		})
	return &res, nil
}

// Delete deletes an item by key.
func (m *Memory) Delete(ctx context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkState(); err != nil {
		return trace.Wrap(err)
	}
	m.removeExpired()
	existing, found := m.tree.Get(&btreeItem{Item: backend.Item{Key: key}})
	if !found {
		return trace.NotFound("key %q is not found", string(key))
	}
	m.deleteItem(existing)
	return nil
}

// DeleteRange deletes all items in the [startKey, endKey) range.
func (m *Memory) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkState(); err != nil {
		return trace.Wrap(err)
	}
	m.removeExpired()
	var doomed []*btreeItem
	m.tree.AscendRange(
		&btreeItem{Item: backend.Item{Key: startKey}},
		&btreeItem{Item: backend.Item{Key: endKey}},
		func(item *btreeItem) bool {
			doomed = append(doomed, item)
			return true
		})
	for _, item := range doomed {
		m.deleteItem(item)
	}
	return nil
}

// NewWatcher returns a new event watcher attached to this backend.
func (m *Memory) NewWatcher(ctx context.Context, watch backend.Watch) (backend.Watcher, error) {
	if watch.QueueSize <= 0 {
		watch.QueueSize = m.cfg.BufferSize
	}
	return m.buf.NewWatcher(ctx, watch)
}

func (m *Memory) checkState() error {
	if m.closed {
		return trace.ConnectionProblem(nil, "backend is closed")
	}
	return nil
}

// upsert inserts or replaces an item, schedules its expiry and emits the
// put event. Callers must hold m.mu.
func (m *Memory) upsert(i backend.Item) {
	i.ID = m.nextID
	m.nextID++
	item := &btreeItem{Item: i, index: -1}
	if prev, found := m.tree.ReplaceOrInsert(item); found {
		m.heap.removeEl(prev)
	}
	if !i.Expires.IsZero() {
		m.heap.pushEl(item)
	}
	m.buf.Emit(backend.Event{Type: backend.OpPut, Item: i})
}

// deleteItem removes an item and emits the delete event. Callers must hold
// m.mu.
func (m *Memory) deleteItem(item *btreeItem) {
	m.tree.Delete(item)
	m.heap.removeEl(item)
	m.buf.Emit(backend.Event{Type: backend.OpDelete, Item: backend.Item{Key: item.Key}})
}

// removeExpired drops all items whose expiry is not after now, emitting
// delete events in expiry order. Callers must hold m.mu.
func (m *Memory) removeExpired() {
	now := m.cfg.Clock.Now()
	for {
		item := m.heap.top()
		if item == nil || item.Expires.After(now) {
			return
		}
		m.deleteItem(item)
	}
}

func (m *Memory) newLease(i backend.Item) *backend.Lease {
	return &backend.Lease{Key: i.Key}
}

type btreeItem struct {
	backend.Item
	index int
}

// minHeap orders scheduled expiries, earliest first.
type minHeap []*btreeItem

func (mh minHeap) Len() int { return len(mh) }

func (mh minHeap) Less(i, j int) bool {
	return mh[i].Expires.Before(mh[j].Expires)
}

func (mh minHeap) Swap(i, j int) {
	mh[i], mh[j] = mh[j], mh[i]
	mh[i].index = i
	mh[j].index = j
}

func (mh *minHeap) Push(x any) {
	item := x.(*btreeItem)
	item.index = len(*mh)
	*mh = append(*mh, item)
}

func (mh *minHeap) Pop() any {
	old := *mh
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*mh = old[:n-1]
	return item
}

func (mh *minHeap) pushEl(item *btreeItem) {
	heap.Push(mh, item)
}

func (mh *minHeap) removeEl(item *btreeItem) {
	if item.index >= 0 {
		heap.Remove(mh, item.index)
	}
}

func (mh *minHeap) top() *btreeItem {
	if len(*mh) == 0 {
		return nil
	}
	return (*mh)[0]
}
