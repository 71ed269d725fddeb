// Package geomcache memoizes the source geometry of a filter request
// so a multi-layer batch extracts and transforms it once, not once per
// target. Strictly a performance layer: a miss is always recoverable
// by recomputation, never the sole source of truth.
package geomcache

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
	"golang.org/x/sync/singleflight"
)

// Key identifies one cached geometry. Fingerprint distinguishes
// variants of the same layer's geometry (selection subsets, centroid
// substitutions).
type Key struct {
	SessionID   string
	LayerID     string
	Fingerprint string
}

func (k Key) String() string {
	return k.SessionID + "/" + k.LayerID + "/" + k.Fingerprint
}

type entry struct {
	compressed []byte
	rawSize    int
	srid       int
}

// Cache owns its entries exclusively; callers hold keys, never
// references into the cache. Values are WKT payloads, lz4-compressed
// at rest since multipolygon WKT for detailed boundaries runs to
// megabytes. Concurrent reads are safe; population is singleflight so
// one batch computes each geometry at most once.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]entry
	hits    uint64
	misses  uint64
	sf      singleflight.Group
}

func New() *Cache {
	return &Cache{entries: make(map[Key]entry)}
}

// Get returns the cached WKT and its SRID, or ok=false on miss.
func (c *Cache) Get(key Key) (wkt string, srid int, ok bool) {
	c.mu.RLock()
	e, found := c.entries[key]
	c.mu.RUnlock()

	if !found {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return "", 0, false
	}

	raw, err := decompress(e.compressed, e.rawSize)
	if err != nil {
		// A corrupt entry behaves as a miss; the caller recomputes.
		c.mu.Lock()
		delete(c.entries, key)
		c.misses++
		c.mu.Unlock()
		return "", 0, false
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return string(raw), e.srid, true
}

// Put stores a WKT payload under the key.
func (c *Cache) Put(key Key, wkt string, srid int) {
	compressed := compress([]byte(wkt))
	c.mu.Lock()
	c.entries[key] = entry{compressed: compressed, rawSize: len(wkt), srid: srid}
	c.mu.Unlock()
}

// GetOrCompute returns the cached value or computes and stores it.
// Concurrent callers with the same key share one computation.
func (c *Cache) GetOrCompute(key Key, compute func() (string, int, error)) (string, int, error) {
	if wkt, srid, ok := c.Get(key); ok {
		return wkt, srid, nil
	}
	type pair struct {
		wkt  string
		srid int
	}
	v, err, _ := c.sf.Do(key.String(), func() (any, error) {
		if wkt, srid, ok := c.Get(key); ok {
			return pair{wkt, srid}, nil
		}
		wkt, srid, err := compute()
		if err != nil {
			return nil, err
		}
		c.Put(key, wkt, srid)
		return pair{wkt, srid}, nil
	})
	if err != nil {
		return "", 0, err
	}
	p := v.(pair)
	return p.wkt, p.srid, nil
}

// InvalidateSession drops every entry belonging to a session.
func (c *Cache) InvalidateSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.SessionID == sessionID {
			delete(c.entries, k)
		}
	}
}

// Stats reports hit/miss counters and entry count.
func (c *Cache) Stats() (hits, misses uint64, entries int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, len(c.entries)
}

func compress(raw []byte) []byte {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		// lz4 writes to a bytes.Buffer cannot fail; fall back to raw
		// just in case.
		return raw
	}
	if err := w.Close(); err != nil {
		return raw
	}
	return buf.Bytes()
}

func decompress(compressed []byte, rawSize int) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	out := make([]byte, 0, rawSize)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("decompress geometry: %w", err)
	}
	return buf.Bytes(), nil
}
