package serpapi

import (
	"sync"

	"go.uber.org/zap"
)

// keyRing hands out API keys round-robin and rotates on rate limiting. Once
// every key has been rate limited in the current cycle the ring reports
// exhaustion until reset.
type keyRing struct {
	mu        sync.Mutex
	keys      []string
	idx       int
	exhausted int
}

func newKeyRing(keys []string) *keyRing {
	var clean []string
	for _, k := range keys {
		if k != "" {
			clean = append(clean, k)
		}
	}
	return &keyRing{keys: clean}
}

func (r *keyRing) len() int {
	return len(r.keys)
}

func (r *keyRing) current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return ""
	}
	return r.keys[r.idx]
}

// rotate marks the current key as rate limited. It returns false when no
// fresh key is left in this cycle.
func (r *keyRing) rotate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exhausted++
	if r.exhausted >= len(r.keys) {
		return false
	}
	r.idx = (r.idx + 1) % len(r.keys)
	zap.L().Warn("serpapi: rotated api key after 429",
		zap.Int("key", r.idx+1),
		zap.Int("keys", len(r.keys)),
	)
	return true
}

func (r *keyRing) reset() {
	r.mu.Lock()
	r.exhausted = 0
	r.mu.Unlock()
}
