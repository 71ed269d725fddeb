package geomcache

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func key(layerID string) Key {
	return Key{SessionID: "s1", LayerID: layerID, Fingerprint: "fp"}
}

func TestPutGetRoundTrip(t *testing.T) {
	c := New()
	wkt := "MULTIPOLYGON(((" + strings.Repeat("0 0,1 0,1 1,", 500) + "0 0)))"
	c.Put(key("a"), wkt, 4326)

	got, srid, ok := c.Get(key("a"))
	if !ok || got != wkt || srid != 4326 {
		t.Fatalf("round trip failed: ok=%v srid=%d len=%d", ok, srid, len(got))
	}

	hits, misses, entries := c.Stats()
	if hits != 1 || misses != 0 || entries != 1 {
		t.Fatalf("stats = (%d, %d, %d)", hits, misses, entries)
	}
}

func TestMissIsRecoverable(t *testing.T) {
	c := New()
	if _, _, ok := c.Get(key("absent")); ok {
		t.Fatalf("expected miss")
	}

	wkt, srid, err := c.GetOrCompute(key("absent"), func() (string, int, error) {
		return "POINT(1 2)", 2193, nil
	})
	if err != nil || wkt != "POINT(1 2)" || srid != 2193 {
		t.Fatalf("compute path: %q %d %v", wkt, srid, err)
	}
	if _, _, ok := c.Get(key("absent")); !ok {
		t.Fatalf("computed value not cached")
	}
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	c := New()
	var computes int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := c.GetOrCompute(key("shared"), func() (string, int, error) {
				atomic.AddInt32(&computes, 1)
				return "POINT(0 0)", 4326, nil
			})
			if err != nil {
				t.Errorf("GetOrCompute: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if n := atomic.LoadInt32(&computes); n != 1 {
		t.Fatalf("computed %d times, want 1", n)
	}
}

func TestInvalidateSession(t *testing.T) {
	c := New()
	c.Put(Key{SessionID: "s1", LayerID: "a", Fingerprint: "f"}, "POINT(0 0)", 4326)
	c.Put(Key{SessionID: "s2", LayerID: "a", Fingerprint: "f"}, "POINT(1 1)", 4326)

	c.InvalidateSession("s1")

	if _, _, ok := c.Get(Key{SessionID: "s1", LayerID: "a", Fingerprint: "f"}); ok {
		t.Fatalf("s1 entry survived invalidation")
	}
	if _, _, ok := c.Get(Key{SessionID: "s2", LayerID: "a", Fingerprint: "f"}); !ok {
		t.Fatalf("s2 entry must be untouched")
	}
}
