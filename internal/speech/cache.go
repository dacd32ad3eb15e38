package speech

import (
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-speak/internal/config"
)

// maxCachePath bounds the composed cache file path. A directory deep enough
// to blow it is a configuration problem, handled as a soft cache miss rather
// than a request failure.
const maxCachePath = 2048

// CacheEntry points at a finalized rendering reusable for a text fingerprint.
type CacheEntry struct {
	Key        string
	Path       string
	SampleRate int
}

// Cache is a flat directory of renderings named by text fingerprint. Entries
// are written once and never invalidated here; operators manage eviction
// out-of-band.
type Cache struct {
	dir     string
	enabled bool
	log     *slog.Logger
}

func NewCache(cfg config.SpeechConfig, log *slog.Logger) *Cache {
	return &Cache{
		dir:     cfg.CacheDir,
		enabled: cfg.UseCache,
		log:     log.With(slog.String("component", "speech-cache")),
	}
}

func (c *Cache) Enabled() bool {
	return c.enabled
}

// Fingerprint derives the fixed-width cache key from the raw text. Hash
// collisions are accepted as hits; text equality is not re-verified.
func Fingerprint(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// rateSuffix encodes a target sample rate as the artifact filename extension.
func rateSuffix(rate int) string {
	if rate == config.AltSampleRate {
		return ".sln16"
	}
	return ".sln"
}

// EntryPath composes the cache path for text at rate. ok is false when
// caching is disabled or the composed path would be too long.
func (c *Cache) EntryPath(text string, rate int) (string, bool) {
	if !c.enabled {
		return "", false
	}
	name := Fingerprint(text) + rateSuffix(rate)
	if len(c.dir)+len(name)+1 > maxCachePath {
		c.log.Debug("cache path too long, skipping cache", slog.String("dir", c.dir))
		return "", false
	}
	return filepath.Join(c.dir, name), true
}

// Lookup checks for an existing rendering. Existence check only; no side
// effects.
func (c *Cache) Lookup(text string, rate int) (CacheEntry, bool) {
	path, ok := c.EntryPath(text, rate)
	if !ok {
		return CacheEntry{}, false
	}
	if _, err := os.Stat(path); err != nil {
		return CacheEntry{}, false
	}
	return CacheEntry{
		Key:        Fingerprint(text),
		Path:       path,
		SampleRate: rate,
	}, true
}

// Store copies a finalized artifact into the cache. Best-effort: the caller
// logs and continues on error, playback never blocks on a cache write.
func (c *Cache) Store(text string, rate int, artifact string) error {
	path, ok := c.EntryPath(text, rate)
	if !ok {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	return copyFile(artifact, path)
}
