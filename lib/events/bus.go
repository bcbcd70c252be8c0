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

// Package events is the circuit-lifecycle event bus connecting
// coordinators and workers.
//
// Events ride on the shared store: publishing writes a short-lived
// envelope under the events prefix, subscribing watches that prefix.
// Delivery is therefore at-most-once per subscriber; consumers must be
// idempotent and reconcile over the REST API after gaps.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gravitational/trace"

	"github.com/lablup/appproxy"
	"github.com/lablup/appproxy/lib/backend"
	"github.com/lablup/appproxy/lib/defaults"
	"github.com/lablup/appproxy/lib/types"
)

// Kind discriminates event envelopes.
type Kind string

const (
	// KindCircuitCreated announces a freshly created circuit. The
	// envelope carries the full record.
	KindCircuitCreated Kind = "circuit.created"
	// KindCircuitUpdated announces a route or session update.
	KindCircuitUpdated Kind = "circuit.updated"
	// KindCircuitRemoved announces circuit teardown.
	KindCircuitRemoved Kind = "circuit.removed"
	// KindWorkerRegistered announces a worker (re-)registration.
	KindWorkerRegistered Kind = "worker.registered"
	// KindWorkerRemoved announces worker removal.
	KindWorkerRemoved Kind = "worker.removed"
)

// Event is the envelope published on the bus.
type Event struct {
	// Kind tells consumers how to interpret the envelope.
	Kind Kind `json:"kind"`
	// Worker is the authority concerned, set on every kind.
	Worker string `json:"worker,omitempty"`
	// CircuitID is set on circuit events.
	CircuitID string `json:"circuit,omitempty"`
	// Circuit carries the full record on created/updated events so
	// workers can install handlers without a read-back.
	Circuit *types.Circuit `json:"payload,omitempty"`
}

// CircuitCreated builds a circuit-created envelope.
func CircuitCreated(c types.Circuit) Event {
	return Event{Kind: KindCircuitCreated, Worker: c.Worker, CircuitID: c.ID, Circuit: &c}
}

// CircuitUpdated builds a circuit-updated envelope.
func CircuitUpdated(c types.Circuit) Event {
	return Event{Kind: KindCircuitUpdated, Worker: c.Worker, CircuitID: c.ID, Circuit: &c}
}

// CircuitRemoved builds a circuit-removed envelope.
func CircuitRemoved(c types.Circuit) Event {
	return Event{Kind: KindCircuitRemoved, Worker: c.Worker, CircuitID: c.ID}
}

// WorkerRegistered builds a worker-registered envelope.
func WorkerRegistered(authority string) Event {
	return Event{Kind: KindWorkerRegistered, Worker: authority}
}

// WorkerRemoved builds a worker-removed envelope.
func WorkerRemoved(authority string) Event {
	return Event{Kind: KindWorkerRemoved, Worker: authority}
}

// Bus publishes and subscribes to event envelopes over a backend.
type Bus struct {
	backend backend.Backend
	log     *slog.Logger
	seq     atomic.Uint64
}

// NewBus returns a bus riding on the given backend.
func NewBus(bk backend.Backend) *Bus {
	return &Bus{
		backend: bk,
		log:     slog.With(appproxy.ComponentKey, appproxy.ComponentEvents),
	}
}

// eventsPrefix is where envelopes live in the store.
func eventsPrefix() []byte {
	return backend.ExactKey("coordinator", "events")
}

// Publish writes the envelope under a time-ordered key with a short
// TTL. Subscribers past the TTL window reconcile over the API instead.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.Kind == "" {
		return trace.BadParameter("missing event kind")
	}
	value, err := json.Marshal(event)
	if err != nil {
		return trace.Wrap(err)
	}
	// Nanosecond timestamp plus a process-local sequence keeps keys
	// unique and roughly ordered across publishers.
	key := fmt.Sprintf("%020d-%06d", b.backend.Clock().Now().UnixNano(), b.seq.Add(1))
	_, err = b.backend.Put(ctx, backend.Item{
		Key:     backend.Key("coordinator", "events", key),
		Value:   value,
		Expires: b.backend.Clock().Now().UTC().Add(defaults.EventTTL),
	})
	return trace.Wrap(err)
}

// Subscribe opens a stream of envelopes published after this call.
func (b *Bus) Subscribe(ctx context.Context) (*Stream, error) {
	watcher, err := b.backend.NewWatcher(ctx, backend.Watch{
		Name:      "events",
		Prefixes:  [][]byte{eventsPrefix()},
		QueueSize: defaults.EventQueueSize,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stream := &Stream{
		watcher: watcher,
		eventsC: make(chan Event, defaults.EventQueueSize),
		log:     b.log,
	}
	go stream.pump(ctx)
	return stream, nil
}

// Stream decodes watch events into envelopes.
type Stream struct {
	watcher backend.Watcher
	eventsC chan Event
	log     *slog.Logger
}

// Events returns the envelope channel. The channel is closed when the
// stream ends; consumers must resubscribe and reconcile.
func (s *Stream) Events() <-chan Event {
	return s.eventsC
}

// Done signals stream closure.
func (s *Stream) Done() <-chan struct{} {
	return s.watcher.Done()
}

// Close closes the stream and its watcher.
func (s *Stream) Close() error {
	return s.watcher.Close()
}

func (s *Stream) pump(ctx context.Context) {
	defer close(s.eventsC)
	for {
		select {
		case raw, ok := <-s.watcher.Events():
			if !ok {
				return
			}
			// Only puts carry envelopes; deletes are TTL expiry noise.
			if raw.Type != backend.OpPut {
				continue
			}
			var event Event
			if err := json.Unmarshal(raw.Item.Value, &event); err != nil {
				s.log.WarnContext(ctx, "Dropping undecodable event", "key", string(raw.Item.Key), "error", err)
				continue
			}
			select {
			case s.eventsC <- event:
			case <-ctx.Done():
				return
			case <-s.watcher.Done():
				return
			}
		case <-ctx.Done():
			return
		case <-s.watcher.Done():
			return
		}
	}
}
