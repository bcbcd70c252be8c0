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

// Package certwatcher serves TLS keypairs from disk and hot-reloads
// them when the files change, so certificate rotation never requires a
// frontend restart.
package certwatcher

import (
	"context"
	"crypto/tls"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/lablup/appproxy"
)

// ReloadInterval is the fallback poll period. Inotify misses rotations
// done by swapping a bind mount; the poll does not.
const ReloadInterval = time.Minute

// KeyPairPath locates one PEM certificate chain and its private key.
type KeyPairPath struct {
	Certificate string
	PrivateKey  string
}

// Config sets the keypair locations and the reload machinery.
type Config struct {
	// KeyPairs lists the keypairs to serve. SNI picks between them;
	// the first pair is the fallback.
	KeyPairs []KeyPairPath
	// Clock drives the fallback poll, for tests.
	Clock clockwork.Clock
	// Log is the reload loop logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.KeyPairs) == 0 {
		return trace.BadParameter("missing parameter KeyPairs")
	}
	for _, pair := range c.KeyPairs {
		if pair.Certificate == "" || pair.PrivateKey == "" {
			return trace.BadParameter("a keypair needs both a certificate and a private key path")
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(appproxy.ComponentKey, appproxy.ComponentCertWatcher)
	}
	return nil
}

// Watcher keeps the latest keypairs loaded from disk.
type Watcher struct {
	cfg Config

	mu           sync.RWMutex
	certificates []tls.Certificate
}

// New loads the initial keypairs and returns a watcher. Pairs that
// fail to parse at startup are a hard error; later reload failures
// keep the previous pairs and are only logged.
func New(cfg Config) (*Watcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	w := &Watcher{cfg: cfg}
	if err := w.reload(); err != nil {
		return nil, trace.Wrap(err)
	}
	return w, nil
}

// Run reloads the keypairs on file events until ctx ends. The watch
// covers the parent directories rather than the files themselves:
// secret mounts rotate by replacing the file behind a symlink, which
// only the directory sees.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return trace.Wrap(err)
	}
	defer watcher.Close()

	dirs := make(map[string]struct{})
	for _, pair := range w.cfg.KeyPairs {
		dirs[filepath.Dir(pair.Certificate)] = struct{}{}
		dirs[filepath.Dir(pair.PrivateKey)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return trace.ConnectionProblem(err, "watching certificate directory %v", dir)
		}
	}

	ticker := w.cfg.Clock.NewTicker(ReloadInterval)
	defer ticker.Stop()

	w.cfg.Log.InfoContext(ctx, "Watching certificate paths for changes", "pairs", len(w.cfg.KeyPairs))
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-watcher.Errors:
			w.cfg.Log.WarnContext(ctx, "Certificate watch error", "error", err)
		case event := <-watcher.Events:
			if !w.relevant(event) {
				continue
			}
			w.reloadAndLog(ctx, "fsnotify")
		case <-ticker.Chan():
			w.reloadAndLog(ctx, "poll")
		}
	}
}

// relevant reports whether the event touches one of the watched files.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	for _, pair := range w.cfg.KeyPairs {
		if name == filepath.Clean(pair.Certificate) || name == filepath.Clean(pair.PrivateKey) {
			return true
		}
	}
	return false
}

func (w *Watcher) reloadAndLog(ctx context.Context, source string) {
	if err := w.reload(); err != nil {
		// Rotation writes certificate and key one after the other; the
		// mismatched intermediate state fails to parse and the next
		// event retries.
		w.cfg.Log.WarnContext(ctx, "Keeping previous certificates", "source", source, "error", err)
		return
	}
	w.cfg.Log.InfoContext(ctx, "Reloaded TLS certificates", "source", source)
}

func (w *Watcher) reload() error {
	certs := make([]tls.Certificate, 0, len(w.cfg.KeyPairs))
	for _, pair := range w.cfg.KeyPairs {
		certificate, err := tls.LoadX509KeyPair(pair.Certificate, pair.PrivateKey)
		if err != nil {
			return trace.BadParameter("loading keypair %v, %v: %v",
				pair.Certificate, pair.PrivateKey, err)
		}
		certs = append(certs, certificate)
	}
	w.mu.Lock()
	w.certificates = certs
	w.mu.Unlock()
	return nil
}

// GetCertificate is compatible with tls.Config.GetCertificate, letting
// the watcher feed the frontend TLS listeners directly.
func (w *Watcher) GetCertificate(clientHello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.certificates) == 1 {
		return &w.certificates[0], nil
	}
	for i := range w.certificates {
		if err := clientHello.SupportsCertificate(&w.certificates[i]); err == nil {
			return &w.certificates[i], nil
		}
	}
	if len(w.certificates) > 0 {
		// No pair matched the hello; serve the first and let the client
		// decide.
		return &w.certificates[0], nil
	}
	return nil, trace.NotFound("no certificates loaded")
}
