// Package congress holds the session controller's cross-run persistent
// state: the monotonic timestamp a kernel last saved, and the
// borrow-counted cache. One Congress is created by the supervisor at
// startup and shared by every worker, one at a time, for the process's
// entire lifetime.
package congress

import (
	"sync"

	"github.com/m-labs/artiq-coredevice-session/cache"
)

type Congress struct {
	mu    sync.Mutex
	now   uint64
	Cache *cache.Cache
}

func New() *Congress {
	return &Congress{Cache: cache.New()}
}

func (c *Congress) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Congress) SetNow(t uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
