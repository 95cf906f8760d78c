package hashroute

import (
	"math/rand"
	"testing"
	"testing/quick"
	"time"

	"meridian/internal/domain"
)

func TestPartitionForKeyDeterministic(t *testing.T) {
	keys := []domain.Key{[]byte("order-45"), []byte("550e8400-e29b-41d4-a716-446655440000"), []byte("1234567890")}
	const n = 25
	for _, key := range keys {
		p1 := PartitionForKey(key, n)
		p2 := PartitionForKey(key, n)
		if p1 != p2 {
			t.Fatalf("partition should be deterministic for %q", key)
		}
		if p1 < 0 || int(p1) >= n {
			t.Fatalf("partition out of range for %q: %d", key, p1)
		}
	}
}

func TestPartitionRangeProperty(t *testing.T) {
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	const n = 25
	if err := quick.Check(func(s []byte) bool {
		p := PartitionForKey(s, n)
		return p >= 0 && int(p) < n
	}, cfg); err != nil {
		t.Fatalf("partition property failed: %v", err)
	}
}
