package install

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-tinylfu"
)

// fileCache holds decoded files by lower-cased name. A nil cache stores
// nothing.
type fileCache struct {
	mu  sync.Mutex
	lfu *tinylfu.T[string, []byte]
}

func newFileCache(entries int) *fileCache {
	if entries <= 0 {
		return nil
	}
	return &fileCache{
		lfu: tinylfu.New[string, []byte](entries, entries*10, xxhash.Sum64String),
	}
}

func (c *fileCache) get(key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lfu.Get(key)
}

func (c *fileCache) add(key string, data []byte) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lfu.Add(key, data)
}
