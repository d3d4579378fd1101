// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package cache stores raw model responses keyed by a deterministic hash of
// the record identity, prompt version, model, and serialized model inputs.
//
// The cache is a single JSON object on disk mapping key to entry. It is
// append-only: entries are never removed or invalidated, and a prompt version
// bump simply produces new keys. Every write merges with the file's current
// contents under a cross-process lock and lands via temp-file-then-rename, so
// a reader never observes a partially written file.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/pdiddy/rct-designspec/pkg/types"
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache is closed")

// Key derives the cache key. fingerprint is the hash of the serialized
// model inputs (see Fingerprint).
func Key(rctID, promptVersion, model, fingerprint string) string {
	// encoding/json sorts map keys, which keeps the key stable.
	data, _ := json.Marshal(map[string]string{
		"rct_id":         rctID,
		"prompt_version": promptVersion,
		"model":          model,
		"input_hash":     fingerprint,
	})
	return Hash(string(data))
}

// Fingerprint hashes the serialized model inputs. Anything that changes what
// the model sees (prompt text, decoding settings, schema) must be part of
// inputs so it changes the key.
func Fingerprint(inputs any) (string, error) {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("serializing model inputs: %w", err)
	}
	return Hash(string(data)), nil
}

// Hash returns the hex SHA-256 of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Cache is an open handle on a cache file. It is safe for concurrent use.
type Cache struct {
	path string
	lock *flock.Flock

	// writeMu serializes file writes within this process; lock does the
	// same across processes.
	writeMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]types.CacheEntry
	closed  bool
}

// Open loads the cache file at path. A missing file is an empty cache; a
// file that does not parse is an error rather than being silently replaced.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	c := &Cache{
		path: path,
		lock: flock.New(path + ".lock"),
	}
	entries, err := readFile(path)
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// Path returns the cache file location.
func (c *Cache) Path() string {
	return c.path
}

// Len returns the number of entries held in memory.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Lookup returns the entry stored under key.
func (c *Cache) Lookup(key string) (types.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Store records entry under key and persists it. Keys are write-once: if
// the key already exists (in memory or on disk) and force is false, Store
// is a no-op and reports false. The returned bool is true when the entry was
// written. Readers are never blocked by the file write.
func (c *Cache) Store(key string, entry types.CacheEntry, force bool) (bool, error) {
	c.mu.RLock()
	closed := c.closed
	_, exists := c.entries[key]
	c.mu.RUnlock()
	if closed {
		return false, ErrClosed
	}
	if exists && !force {
		return false, nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.lock.Lock(); err != nil {
		return false, fmt.Errorf("locking cache %s: %w", c.path, err)
	}
	defer c.lock.Unlock()

	onDisk, err := readFile(c.path)
	if err != nil {
		return false, err
	}
	written := false
	if _, ok := onDisk[key]; !ok || force {
		onDisk[key] = entry
		if err := writeFileAtomic(c.path, onDisk); err != nil {
			return false, err
		}
		written = true
	}

	// Pick up entries other processes wrote since we opened.
	c.mu.Lock()
	for k, v := range onDisk {
		c.entries[k] = v
	}
	c.mu.Unlock()
	return written, nil
}

// Flush writes any in-memory entries missing from the file and reloads
// entries written by other processes. Store already persists, so Flush only
// reconciles the handle with disk at the end of a run.
func (c *Cache) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.lock.Lock(); err != nil {
		return fmt.Errorf("locking cache %s: %w", c.path, err)
	}
	defer c.lock.Unlock()

	onDisk, err := readFile(c.path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	missing := false
	for k, v := range c.entries {
		if _, ok := onDisk[k]; !ok {
			onDisk[k] = v
			missing = true
		}
	}
	if missing {
		if err := writeFileAtomic(c.path, onDisk); err != nil {
			return err
		}
	}
	c.entries = onDisk
	return nil
}

// Close flushes and releases the handle. Further Stores return ErrClosed.
func (c *Cache) Close() error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil
	}
	err := c.Flush()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

func readFile(path string) (map[string]types.CacheEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]types.CacheEntry{}, nil
		}
		return nil, fmt.Errorf("reading cache %s: %w", path, err)
	}
	entries := map[string]types.CacheEntry{}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing cache %s: %w", path, err)
	}
	return entries, nil
}

// writeFileAtomic writes to a temp file in the target directory, syncs it,
// and renames it over path.
func writeFileAtomic(path string, entries map[string]types.CacheEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming cache file: %w", err)
	}
	committed = true
	return nil
}
