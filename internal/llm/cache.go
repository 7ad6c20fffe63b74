package llm

import (
	"github.com/dgraph-io/ristretto"
)

// embeddingCache memoises embeddings per model and text. A nil cache is a
// valid no-op.
type embeddingCache struct {
	cache *ristretto.Cache
}

func newEmbeddingCache(maxItems int) (*embeddingCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxItems) * 10,
		MaxCost:     int64(maxItems),
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &embeddingCache{cache: cache}, nil
}

func (c *embeddingCache) get(model, text string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.cache.Get(model + "\x00" + text)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	if !ok {
		return nil, false
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, true
}

func (c *embeddingCache) set(model, text string, vec []float32) {
	if c == nil {
		return
	}
	stored := make([]float32, len(vec))
	copy(stored, vec)
	c.cache.Set(model+"\x00"+text, stored, 1)
}

// wait blocks until buffered writes are visible to get.
func (c *embeddingCache) wait() {
	if c == nil {
		return
	}
	c.cache.Wait()
}

func (c *embeddingCache) close() {
	if c == nil {
		return
	}
	c.cache.Close()
}
