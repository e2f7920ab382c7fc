package inference

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Fingerprint returns the hex SHA-256 content fingerprint of a model payload.
func Fingerprint(model []byte) string {
	sum := sha256.Sum256(model)
	return hex.EncodeToString(sum[:])
}

// Cache is the on-disk serialization cache for accelerated bindings: one
// artifact per model, addressed by content fingerprint. A fingerprint
// mismatch invalidates the entry silently; the caller just regenerates.
//
// ONNX Runtime exposes no API to export its compiled engine, so today the
// stored artifact is the model payload verbatim and a hit saves nothing but
// the disk read; the lookup/store/invalidate plumbing is what this type
// really provides. A backend that can emit a real serialized binding plugs
// into the same paths.
//
// The directory layout is opaque to callers and may live anywhere writable.
type Cache struct {
	dir string
	log *zap.SugaredLogger
}

// NewCache opens (creating if needed) a cache rooted at dir. An empty dir
// returns a nil cache, which all methods treat as a permanent miss.
func NewCache(dir string, log *zap.SugaredLogger) (*Cache, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &Cache{dir: dir, log: log}, nil
}

// Dir returns the cache root, or empty for a nil cache.
func (c *Cache) Dir() string {
	if c == nil {
		return ""
	}
	return c.dir
}

func (c *Cache) path(fingerprint string) string {
	return filepath.Join(c.dir, fingerprint+".bin")
}

// Lookup returns the cached artifact for fingerprint. A stored artifact whose
// content no longer matches its fingerprint is removed and reported as a miss.
func (c *Cache) Lookup(fingerprint string) ([]byte, bool) {
	if c == nil || fingerprint == "" {
		return nil, false
	}
	data, err := os.ReadFile(c.path(fingerprint))
	if err != nil {
		return nil, false
	}
	if Fingerprint(data) != fingerprint {
		// Stale or corrupted artifact: invalidate and regenerate.
		_ = os.Remove(c.path(fingerprint))
		if c.log != nil {
			c.log.Warnw("cache artifact fingerprint mismatch, invalidated",
				"fingerprint", shortFingerprint(fingerprint))
		}
		return nil, false
	}
	return data, true
}

// Store writes an artifact under its fingerprint. The write is atomic
// (temp file + rename) so a concurrent Lookup never sees a partial artifact.
func (c *Cache) Store(fingerprint string, data []byte) error {
	if c == nil || fingerprint == "" {
		return nil
	}
	if existing, ok := c.Lookup(fingerprint); ok && bytes.Equal(existing, data) {
		return nil
	}
	tmp, err := os.CreateTemp(c.dir, "artifact-*")
	if err != nil {
		return fmt.Errorf("failed to stage cache artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close cache artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path(fingerprint)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish cache artifact: %w", err)
	}
	return nil
}
