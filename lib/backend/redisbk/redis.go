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

// Package redisbk implements the Redis powered backend.
//
// Every item lives in its own string key so Redis TTLs apply per item.
// A sorted set mirrors all live keys to answer lexicographic range
// queries, mutations run as Lua scripts to stay atomic, and watch
// events ride a pub/sub channel shared by every process on the same
// prefix. Keys expired by Redis disappear from reads lazily and do not
// produce delete events; bus consumers reconcile over the API instead.
package redisbk

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/lablup/appproxy/lib/backend"
)

const defaultDialTimeout = 30 * time.Second

// Config holds Redis backend configuration.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string
	// Username and Password enable Redis AUTH.
	Username string
	Password string
	// DB selects the Redis logical database.
	DB int
	// Prefix namespaces every key, index and channel.
	Prefix string
	// DialTimeout bounds the initial connection probe.
	DialTimeout time.Duration
	// BufferSize is the queue size of watchers attached to this backend.
	BufferSize int
	// Clock overrides the time source, used in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing parameter Addr")
	}
	if c.Prefix == "" {
		c.Prefix = "appproxy"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = backend.DefaultQueueSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Mutation scripts return the new revision on success and a negative
// sentinel on precondition failure, so each call is a single atomic
// round trip.
var (
	createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return -1 end
local rev = redis.call('INCR', KEYS[3])
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
redis.call('ZADD', KEYS[2], 0, ARGV[3])
return rev`)

	putScript = redis.NewScript(`
local rev = redis.call('INCR', KEYS[3])
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
redis.call('ZADD', KEYS[2], 0, ARGV[3])
return rev`)

	updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local rev = redis.call('INCR', KEYS[3])
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
redis.call('ZADD', KEYS[2], 0, ARGV[3])
return rev`)

	casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then return -2 end
if cur ~= ARGV[1] then return -1 end
local rev = redis.call('INCR', KEYS[3])
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return rev`)

	deleteScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('ZREM', KEYS[2], ARGV[1])
  return -1
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return redis.call('INCR', KEYS[3])`)
)

// RedisBackend stores items in Redis.
type RedisBackend struct {
	cfg    Config
	client *redis.Client
	buf    *backend.Buffer
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a Redis backend after probing the server.
func New(ctx context.Context, cfg Config) (*RedisBackend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, trace.ConnectionProblem(err, "pinging redis at %v", cfg.Addr)
	}
	closeCtx, closeCancel := context.WithCancel(context.Background())
	b := &RedisBackend{
		cfg:    cfg,
		client: client,
		buf:    backend.NewBuffer(),
		log:    slog.With("component", "redisbk"),
		ctx:    closeCtx,
		cancel: closeCancel,
	}
	go b.watchLoop()
	return b, nil
}

// Clock returns the clock used by this backend.
func (b *RedisBackend) Clock() clockwork.Clock {
	return b.cfg.Clock
}

// Close closes the backend and all attached watchers.
func (b *RedisBackend) Close() error {
	b.cancel()
	b.buf.Close()
	return trace.Wrap(b.client.Close())
}

func (b *RedisBackend) itemKey(key []byte) string {
	return b.cfg.Prefix + ":item:" + string(key)
}

func (b *RedisBackend) indexKey() string {
	return b.cfg.Prefix + ":index"
}

func (b *RedisBackend) revisionKey() string {
	return b.cfg.Prefix + ":revision"
}

func (b *RedisBackend) eventsChannel() string {
	return b.cfg.Prefix + ":events"
}

// ttlMillis converts an expiry time into the PX argument, 0 when the
// item does not expire.
func (b *RedisBackend) ttlMillis(expires time.Time) int64 {
	if expires.IsZero() {
		return 0
	}
	ttl := backend.TTL(b.cfg.Clock, expires)
	return int64(ttl / time.Millisecond)
}

// wireEvent is the pub/sub envelope of one committed mutation.
type wireEvent struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
	ID    int64  `json:"id"`
}

// publish broadcasts a committed mutation to every watcher on this
// prefix, including our own watch loop.
func (b *RedisBackend) publish(ctx context.Context, op string, key, value []byte, rev int64) {
	payload, err := json.Marshal(wireEvent{
		Op:    op,
		Key:   string(key),
		Value: base64.StdEncoding.EncodeToString(value),
		ID:    rev,
	})
	if err != nil {
		b.log.WarnContext(ctx, "Failed to encode event", "error", err)
		return
	}
	if err := b.client.Publish(ctx, b.eventsChannel(), payload).Err(); err != nil {
		b.log.WarnContext(ctx, "Failed to publish event", "key", string(key), "error", err)
	}
}

// Create creates item if it does not exist.
func (b *RedisBackend) Create(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	rev, err := createScript.Run(ctx, b.client,
		[]string{b.itemKey(i.Key), b.indexKey(), b.revisionKey()},
		i.Value, b.ttlMillis(i.Expires), string(i.Key)).Int64()
	if err != nil {
		return nil, convertErr(err)
	}
	if rev == -1 {
		return nil, trace.AlreadyExists("key %q already exists", string(i.Key))
	}
	b.publish(ctx, "put", i.Key, i.Value, rev)
	return &backend.Lease{Key: i.Key, ID: rev}, nil
}

// Put puts value into backend (creates if it does not exist, updates it
// otherwise).
func (b *RedisBackend) Put(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	rev, err := putScript.Run(ctx, b.client,
		[]string{b.itemKey(i.Key), b.indexKey(), b.revisionKey()},
		i.Value, b.ttlMillis(i.Expires), string(i.Key)).Int64()
	if err != nil {
		return nil, convertErr(err)
	}
	b.publish(ctx, "put", i.Key, i.Value, rev)
	return &backend.Lease{Key: i.Key, ID: rev}, nil
}

// Update updates an existing item.
func (b *RedisBackend) Update(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	rev, err := updateScript.Run(ctx, b.client,
		[]string{b.itemKey(i.Key), b.indexKey(), b.revisionKey()},
		i.Value, b.ttlMillis(i.Expires), string(i.Key)).Int64()
	if err != nil {
		return nil, convertErr(err)
	}
	if rev == -1 {
		return nil, trace.NotFound("key %q is not found", string(i.Key))
	}
	b.publish(ctx, "put", i.Key, i.Value, rev)
	return &backend.Lease{Key: i.Key, ID: rev}, nil
}

// CompareAndSwap compares the value of an existing item with expected
// and, when they match, replaces it with replaceWith.
func (b *RedisBackend) CompareAndSwap(ctx context.Context, expected backend.Item, replaceWith backend.Item) (*backend.Lease, error) {
	if string(expected.Key) != string(replaceWith.Key) {
		return nil, trace.BadParameter("expected and replaceWith keys should match")
	}
	rev, err := casScript.Run(ctx, b.client,
		[]string{b.itemKey(expected.Key), b.indexKey(), b.revisionKey()},
		expected.Value, replaceWith.Value, b.ttlMillis(replaceWith.Expires)).Int64()
	if err != nil {
		return nil, convertErr(err)
	}
	switch rev {
	case -2:
		return nil, trace.CompareFailed("key %q is not found", string(expected.Key))
	case -1:
		return nil, trace.CompareFailed("current value does not match expected for %q", string(expected.Key))
	}
	b.publish(ctx, "put", replaceWith.Key, replaceWith.Value, rev)
	return &backend.Lease{Key: replaceWith.Key, ID: rev}, nil
}

// Get returns a single item or a not found error.
func (b *RedisBackend) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	value, err := b.client.Get(ctx, b.itemKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, trace.NotFound("key %q is not found", string(key))
		}
		return nil, convertErr(err)
	}
	return &backend.Item{Key: key, Value: value}, nil
}

// GetRange returns items in the [startKey, endKey) range sorted by key.
func (b *RedisBackend) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 {
		return nil, trace.BadParameter("missing parameter startKey")
	}
	if len(endKey) == 0 {
		return nil, trace.BadParameter("missing parameter endKey")
	}
	members, err := b.rangeKeys(ctx, startKey, endKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var res backend.GetResult
	for _, member := range members {
		value, err := b.client.Get(ctx, b.itemKey([]byte(member))).Bytes()
		if err == redis.Nil {
			// Expired out from under the index; prune lazily.
			b.client.ZRem(ctx, b.indexKey(), member)
			continue
		}
		if err != nil {
			return nil, convertErr(err)
		}
		res.Items = append(res.Items, backend.Item{Key: []byte(member), Value: value})
		if limit != backend.NoLimit && len(res.Items) >= limit {
			break
		}
	}
	return &res, nil
}

// Delete deletes an item by key.
func (b *RedisBackend) Delete(ctx context.Context, key []byte) error {
	rev, err := deleteScript.Run(ctx, b.client,
		[]string{b.itemKey(key), b.indexKey(), b.revisionKey()},
		string(key)).Int64()
	if err != nil {
		return convertErr(err)
	}
	if rev == -1 {
		return trace.NotFound("key %q is not found", string(key))
	}
	b.publish(ctx, "del", key, nil, rev)
	return nil
}

// DeleteRange deletes all items in the [startKey, endKey) range.
func (b *RedisBackend) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	members, err := b.rangeKeys(ctx, startKey, endKey)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, member := range members {
		if err := b.Delete(ctx, []byte(member)); err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}
	return nil
}

// rangeKeys lists live keys in [startKey, endKey) from the sorted set
// index.
func (b *RedisBackend) rangeKeys(ctx context.Context, startKey, endKey []byte) ([]string, error) {
	members, err := b.client.ZRangeByLex(ctx, b.indexKey(), &redis.ZRangeBy{
		Min: "[" + string(startKey),
		Max: "(" + string(endKey),
	}).Result()
	if err != nil {
		return nil, convertErr(err)
	}
	return members, nil
}

// NewWatcher returns a new event watcher fed by the pub/sub channel.
func (b *RedisBackend) NewWatcher(ctx context.Context, watch backend.Watch) (backend.Watcher, error) {
	if watch.QueueSize <= 0 {
		watch.QueueSize = b.cfg.BufferSize
	}
	return b.buf.NewWatcher(ctx, watch)
}

// watchLoop re-emits pub/sub mutation envelopes into the local buffer.
// go-redis resubscribes internally after connection loss.
func (b *RedisBackend) watchLoop() {
	pubsub := b.client.Subscribe(b.ctx, b.eventsChannel())
	defer pubsub.Close()
	for {
		select {
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			var wire wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
				b.log.Warn("Dropping undecodable pub/sub event", "error", err)
				continue
			}
			event := backend.Event{Item: backend.Item{Key: []byte(wire.Key), ID: wire.ID}}
			switch wire.Op {
			case "put":
				event.Type = backend.OpPut
				value, err := base64.StdEncoding.DecodeString(wire.Value)
				if err != nil {
					b.log.Warn("Dropping event with undecodable value", "key", wire.Key, "error", err)
					continue
				}
				event.Item.Value = value
			case "del":
				event.Type = backend.OpDelete
			default:
				continue
			}
			b.buf.Emit(event)
		case <-b.ctx.Done():
			return
		}
	}
}

func convertErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case err == context.Canceled, err == context.DeadlineExceeded:
		return trace.Wrap(err)
	default:
		return trace.ConnectionProblem(err, "%s", err.Error())
	}
}
