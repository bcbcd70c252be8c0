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

package backend

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"
)

// DefaultQueueSize is the watcher queue size used when the watch request
// does not specify one.
const DefaultQueueSize = 1024

// Buffer fans out backend events to all registered watchers. Backend
// implementations emit every committed mutation into the buffer in commit
// order; watchers that fall behind are closed and are expected to
// resynchronize through a fresh watcher.
type Buffer struct {
	mu       sync.Mutex
	log      *slog.Logger
	watchers map[*BufferWatcher]struct{}
	closed   bool
}

// NewBuffer returns a new instance of an event buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		log:      slog.With("component", "buffer"),
		watchers: make(map[*BufferWatcher]struct{}),
	}
}

// Emit fans out events to all watchers interested in them.
func (b *Buffer) Emit(events ...Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, event := range events {
		for watcher := range b.watchers {
			if !watcher.wants(event) {
				continue
			}
			select {
			case watcher.eventsC <- event:
			default:
				b.log.Warn("Closing watcher, buffer overflow",
					"watcher", watcher.watch.String(), "capacity", cap(watcher.eventsC))
				delete(b.watchers, watcher)
				watcher.closeWatcher()
			}
		}
	}
}

// NewWatcher registers a new watcher. The first event on the returned
// watcher is always OpInit.
func (b *Buffer) NewWatcher(ctx context.Context, watch Watch) (Watcher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, trace.BadParameter("buffer is closed")
	}
	if watch.QueueSize <= 0 {
		watch.QueueSize = DefaultQueueSize
	}
	watcher := &BufferWatcher{
		buffer:  b,
		watch:   watch,
		eventsC: make(chan Event, watch.QueueSize),
		doneC:   make(chan struct{}),
	}
	// Reserved capacity above, cannot block.
	watcher.eventsC <- Event{Type: OpInit}
	b.watchers[watcher] = struct{}{}
	return watcher, nil
}

// Close closes the buffer and all active watchers.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for watcher := range b.watchers {
		watcher.closeWatcher()
	}
	b.watchers = nil
	return nil
}

func (b *Buffer) removeWatcher(w *BufferWatcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	delete(b.watchers, w)
}

// BufferWatcher is a watcher connected to the buffer
// and receiving fan-out events from the watcher
type BufferWatcher struct {
	buffer  *Buffer
	watch   Watch
	eventsC chan Event
	doneC   chan struct{}
	once    sync.Once
}

// Events returns events channel
func (w *BufferWatcher) Events() <-chan Event {
	return w.eventsC
}

// Done channel is closed when the watcher is closed
func (w *BufferWatcher) Done() <-chan struct{} {
	return w.doneC
}

// Close closes the watcher and detaches it from the buffer.
func (w *BufferWatcher) Close() error {
	w.buffer.removeWatcher(w)
	w.closeWatcher()
	return nil
}

func (w *BufferWatcher) closeWatcher() {
	w.once.Do(func() {
		close(w.doneC)
	})
}

// wants reports whether the event matches one of the watch prefixes. An
// init event and an empty prefix list match everything.
func (w *BufferWatcher) wants(e Event) bool {
	if e.Type == OpInit || len(w.watch.Prefixes) == 0 {
		return true
	}
	for _, prefix := range w.watch.Prefixes {
		if HasPrefix(e.Item.Key, prefix) {
			return true
		}
	}
	return false
}
