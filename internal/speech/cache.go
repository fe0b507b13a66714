package speech

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/joescharf/tracecast/internal/trace"
)

// Cache stores generated audio and word timings on disk, keyed by a content
// hash. Decoded timings are also kept in an in-process L1.
type Cache struct {
	dir string
	l1  *ristretto.Cache[string, []trace.WordTiming]
}

// NewCache opens (or creates) a cache rooted at dir.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	l1, err := ristretto.NewCache(&ristretto.Config[string, []trace.WordTiming]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create timing cache: %w", err)
	}
	return &Cache{dir: dir, l1: l1}, nil
}

// Key hashes the narration together with the voice settings that shape its
// audio.
func Key(text string, voice Voice, speed float64) string {
	h := sha256.New()
	h.Write([]byte(voice))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(speed, 'f', 2, 64)))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) audioFile(key string) string   { return filepath.Join(c.dir, key+".mp3") }
func (c *Cache) timingsFile(key string) string { return filepath.Join(c.dir, key+".json") }

// AudioPath returns the cached audio file for key, if present.
func (c *Cache) AudioPath(key string) (string, bool) {
	p := c.audioFile(key)
	info, err := os.Stat(p)
	if err != nil || info.Size() == 0 {
		return "", false
	}
	return p, true
}

// StoreAudio writes audio for key and returns its path.
func (c *Cache) StoreAudio(key string, data []byte) (string, error) {
	p := c.audioFile(key)
	if err := writeAtomic(p, data); err != nil {
		return "", fmt.Errorf("cache audio: %w", err)
	}
	return p, nil
}

// Timings returns cached word timings for key.
func (c *Cache) Timings(key string) ([]trace.WordTiming, bool) {
	if t, ok := c.l1.Get(key); ok {
		return t, true
	}
	data, err := os.ReadFile(c.timingsFile(key))
	if err != nil {
		return nil, false
	}
	var t []trace.WordTiming
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, false
	}
	c.l1.Set(key, t, 1)
	return t, true
}

// StoreTimings writes word timings for key.
func (c *Cache) StoreTimings(key string, t []trace.WordTiming) error {
	if t == nil {
		t = []trace.WordTiming{}
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode timings: %w", err)
	}
	if err := writeAtomic(c.timingsFile(key), data); err != nil {
		return fmt.Errorf("cache timings: %w", err)
	}
	c.l1.Set(key, t, 1)
	return nil
}

// Close releases the in-process cache.
func (c *Cache) Close() {
	c.l1.Close()
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
