package probesession

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/mcprobe/controller/internal/applog"
)

// CredentialStore holds the probeId -> sharedSecret mapping loaded from
// the credentials file, hot-reloadable at runtime.
//
// The map is replaced as a whole, never mutated in place: a reader
// always observes either the pre-reload or post-reload map in full.
type CredentialStore struct {
	mu      sync.RWMutex
	secrets map[string]string

	path        string
	lastModTime time.Time
}

// NewCredentialStore creates a store backed by the JSON document at
// path. Call Load once before serving traffic, then Watch to keep it
// fresh.
func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{
		path:    path,
		secrets: make(map[string]string),
	}
}

// Load re-reads the credentials file and swaps the secret map on
// success. A missing file is tolerated: the map becomes empty, denying
// all auth until a valid file appears. A present-but-unparsable file
// leaves the previous map untouched — the swap only happens after a
// full successful parse.
func (c *CredentialStore) Load() error {
	log := applog.For("probesession.credentials")

	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		c.mu.Lock()
		c.secrets = make(map[string]string)
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		log.WithError(err).Warn("failed to read credentials file")
		return err
	}

	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err != nil {
		log.WithError(err).Warn("failed to parse credentials file; keeping previous map")
		return err
	}

	c.mu.Lock()
	c.secrets = parsed
	c.mu.Unlock()

	if info, err := os.Stat(c.path); err == nil {
		c.lastModTime = info.ModTime()
	}
	return nil
}

// Secret returns the shared secret for id, if any.
func (c *CredentialStore) Secret(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	secret, ok := c.secrets[id]
	return secret, ok
}

// Watch polls the credentials file's modification time at the given
// interval and reloads on change, until ctx is done. Polling, rather
// than a filesystem-event watch, keeps the reload latency a fixed,
// easily testable function of interval.
func (c *CredentialStore) Watch(ctx context.Context, interval time.Duration) {
	log := applog.For("probesession.credentials")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(c.path)
			if err != nil {
				if !os.IsNotExist(err) {
					log.WithError(err).Warn("failed to stat credentials file")
				}
				continue
			}
			if info.ModTime().After(c.lastModTime) {
				if err := c.Load(); err != nil {
					log.WithError(err).Warn("credentials reload failed")
				} else {
					log.Info("credentials reloaded")
				}
			}
		}
	}
}
