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

// Package etcdbk implements the etcd powered backend, the production
// store of AppProxy deployments.
package etcdbk

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lablup/appproxy/lib/backend"
	"github.com/lablup/appproxy/lib/utils"
)

const (
	defaultDialTimeout = 30 * time.Second
	defaultPrefix      = "/appproxy"
)

// Config holds etcd backend configuration.
type Config struct {
	// Endpoints is the list of etcd peer addresses.
	Endpoints []string
	// Prefix is prepended to every key.
	Prefix string
	// Username and Password enable etcd authentication.
	Username string
	Password string
	// TLSCertFile, TLSKeyFile and TLSCAFile enable client TLS.
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
	// DialTimeout bounds the initial connection.
	DialTimeout time.Duration
	// BufferSize is the queue size of watchers attached to this backend.
	BufferSize int
	// Clock overrides the time source, used in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Endpoints) == 0 {
		return trace.BadParameter("missing parameter Endpoints")
	}
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if !strings.HasPrefix(c.Prefix, "/") {
		c.Prefix = "/" + c.Prefix
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

// EtcdBackend stores items in an etcd cluster, one key per item, using
// leases for TTLs and a prefix watch for the event stream.
type EtcdBackend struct {
	cfg    Config
	client *clientv3.Client
	buf    *backend.Buffer
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a new etcd backend connected to the configured cluster.
func New(ctx context.Context, cfg Config) (*EtcdBackend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	clientConfig := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	}
	if cfg.TLSCertFile != "" {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		clientConfig.TLS = tlsConfig
	}
	client, err := clientv3.New(clientConfig)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	closeCtx, cancel := context.WithCancel(context.Background())
	b := &EtcdBackend{
		cfg:    cfg,
		client: client,
		buf:    backend.NewBuffer(),
		log:    slog.With("component", "etcdbk"),
		ctx:    closeCtx,
		cancel: cancel,
	}
	go b.watchLoop()
	return b, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, trace.Wrap(err, "loading etcd client keypair")
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
	if cfg.TLSCAFile != "" {
		caPEM, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, trace.Wrap(err, "reading etcd CA file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, trace.BadParameter("no certificates parsed from %v", cfg.TLSCAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// Clock returns the clock used by this backend.
func (b *EtcdBackend) Clock() clockwork.Clock {
	return b.cfg.Clock
}

// Close closes the backend, the watch loop and all attached watchers.
func (b *EtcdBackend) Close() error {
	b.cancel()
	b.buf.Close()
	return trace.Wrap(b.client.Close())
}

// Create creates item if it does not exist.
func (b *EtcdBackend) Create(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	key := b.prependPrefix(i.Key)
	opts, err := b.ttlOpts(ctx, i.Expires)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(i.Value), opts...)).
		Commit()
	if err != nil {
		return nil, convertErr(err)
	}
	if !resp.Succeeded {
		return nil, trace.AlreadyExists("key %q already exists", string(i.Key))
	}
	return &backend.Lease{Key: i.Key}, nil
}

// Put puts value into backend (creates if it does not exist, updates it
// otherwise).
func (b *EtcdBackend) Put(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	opts, err := b.ttlOpts(ctx, i.Expires)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := b.client.Put(ctx, b.prependPrefix(i.Key), string(i.Value), opts...); err != nil {
		return nil, convertErr(err)
	}
	return &backend.Lease{Key: i.Key}, nil
}

// Update updates an existing item.
func (b *EtcdBackend) Update(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	key := b.prependPrefix(i.Key)
	opts, err := b.ttlOpts(ctx, i.Expires)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), ">", 0)).
		Then(clientv3.OpPut(key, string(i.Value), opts...)).
		Commit()
	if err != nil {
		return nil, convertErr(err)
	}
	if !resp.Succeeded {
		return nil, trace.NotFound("key %q is not found", string(i.Key))
	}
	return &backend.Lease{Key: i.Key}, nil
}

// CompareAndSwap compares the value of an existing item with expected and,
// when they match, replaces it with replaceWith.
func (b *EtcdBackend) CompareAndSwap(ctx context.Context, expected backend.Item, replaceWith backend.Item) (*backend.Lease, error) {
	if string(expected.Key) != string(replaceWith.Key) {
		return nil, trace.BadParameter("expected and replaceWith keys should match")
	}
	key := b.prependPrefix(expected.Key)
	opts, err := b.ttlOpts(ctx, replaceWith.Expires)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := b.client.Txn(ctx).
		If(
			clientv3.Compare(clientv3.CreateRevision(key), ">", 0),
			clientv3.Compare(clientv3.Value(key), "=", string(expected.Value)),
		).
		Then(clientv3.OpPut(key, string(replaceWith.Value), opts...)).
		Commit()
	if err != nil {
		return nil, convertErr(err)
	}
	if !resp.Succeeded {
		return nil, trace.CompareFailed("current value does not match expected for %q", string(expected.Key))
	}
	return &backend.Lease{Key: replaceWith.Key}, nil
}

// Get returns a single item or a not found error.
func (b *EtcdBackend) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	resp, err := b.client.Get(ctx, b.prependPrefix(key))
	if err != nil {
		return nil, convertErr(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, trace.NotFound("key %q is not found", string(key))
	}
	kv := resp.Kvs[0]
	return &backend.Item{Key: key, Value: kv.Value, ID: kv.ModRevision}, nil
}

// GetRange returns items in the [startKey, endKey) range sorted by key.
func (b *EtcdBackend) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 {
		return nil, trace.BadParameter("missing parameter startKey")
	}
	if len(endKey) == 0 {
		return nil, trace.BadParameter("missing parameter endKey")
	}
	opts := []clientv3.OpOption{
		clientv3.WithRange(b.prependPrefix(endKey)),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	}
	if limit > 0 {
		opts = append(opts, clientv3.WithLimit(int64(limit)))
	}
	resp, err := b.client.Get(ctx, b.prependPrefix(startKey), opts...)
	if err != nil {
		return nil, convertErr(err)
	}
	var res backend.GetResult
	for _, kv := range resp.Kvs {
		res.Items = append(res.Items, backend.Item{
			Key:   b.trimPrefix(kv.Key),
			Value: kv.Value,
			ID:    kv.ModRevision,
		})
	}
	return &res, nil
}

// Delete deletes an item by key.
func (b *EtcdBackend) Delete(ctx context.Context, key []byte) error {
	resp, err := b.client.Delete(ctx, b.prependPrefix(key))
	if err != nil {
		return convertErr(err)
	}
	if resp.Deleted == 0 {
		return trace.NotFound("key %q is not found", string(key))
	}
	return nil
}

// DeleteRange deletes all items in the [startKey, endKey) range.
func (b *EtcdBackend) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	_, err := b.client.Delete(ctx, b.prependPrefix(startKey), clientv3.WithRange(b.prependPrefix(endKey)))
	return convertErr(err)
}

// NewWatcher returns a new event watcher fed by the etcd prefix watch.
func (b *EtcdBackend) NewWatcher(ctx context.Context, watch backend.Watch) (backend.Watcher, error) {
	if watch.QueueSize <= 0 {
		watch.QueueSize = b.cfg.BufferSize
	}
	return b.buf.NewWatcher(ctx, watch)
}

// watchLoop reads etcd watch responses for the whole prefix and re-emits
// them into the buffer in commit order, reconnecting with linear backoff.
func (b *EtcdBackend) watchLoop() {
	retry, err := utils.NewLinear(utils.LinearConfig{
		Step:   time.Second,
		Max:    time.Minute,
		Jitter: utils.NewHalfJitter(),
		Clock:  b.cfg.Clock,
	})
	if err != nil {
		b.log.Error("Failed to create watch retry", "error", err)
		return
	}
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}
		if err := b.watchEvents(); err != nil {
			b.log.Warn("Watch loop exited, reconnecting", "error", err)
		}
		select {
		case <-retry.After():
			retry.Inc()
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *EtcdBackend) watchEvents() error {
	ctx, cancel := context.WithCancel(b.ctx)
	defer cancel()
	rch := b.client.Watch(clientv3.WithRequireLeader(ctx), b.cfg.Prefix, clientv3.WithPrefix())
	for resp := range rch {
		if err := resp.Err(); err != nil {
			return trace.Wrap(err)
		}
		events := make([]backend.Event, 0, len(resp.Events))
		for _, ev := range resp.Events {
			events = append(events, b.fromEvent(ev))
		}
		b.buf.Emit(events...)
	}
	return trace.ConnectionProblem(nil, "etcd watch channel closed")
}

func (b *EtcdBackend) fromEvent(ev *clientv3.Event) backend.Event {
	event := backend.Event{
		Item: backend.Item{
			Key: b.trimPrefix(ev.Kv.Key),
			ID:  ev.Kv.ModRevision,
		},
	}
	if ev.Type == mvccpb.DELETE {
		event.Type = backend.OpDelete
	} else {
		event.Type = backend.OpPut
		event.Item.Value = ev.Kv.Value
	}
	return event
}

// ttlOpts grants a lease matching the expiry when one is set.
func (b *EtcdBackend) ttlOpts(ctx context.Context, expires time.Time) ([]clientv3.OpOption, error) {
	if expires.IsZero() {
		return nil, nil
	}
	ttl := backend.TTL(b.cfg.Clock, expires)
	lease, err := b.client.Grant(ctx, int64(ttl/time.Second)+1)
	if err != nil {
		return nil, convertErr(err)
	}
	return []clientv3.OpOption{clientv3.WithLease(lease.ID)}, nil
}

func (b *EtcdBackend) prependPrefix(key []byte) string {
	return b.cfg.Prefix + string(key)
}

func (b *EtcdBackend) trimPrefix(key []byte) []byte {
	return []byte(strings.TrimPrefix(string(key), b.cfg.Prefix))
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
