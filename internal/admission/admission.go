// Package admission caps the number of concurrently live relay sessions.
package admission

import (
	"errors"
	"sync/atomic"
)

// ErrRejected is returned to callers that translate a failed TryAcquire into an error.
var ErrRejected = errors.New("admission: session ceiling reached")

// Controller is a lock-free counter with a fixed ceiling. A ceiling <= 0
// disables the limit while still counting.
type Controller struct {
	active  atomic.Int64
	ceiling int64
}

func New(ceiling int) *Controller {
	return &Controller{ceiling: int64(ceiling)}
}

// TryAcquire takes a slot, or rolls its increment back and reports false
// when the ceiling would be exceeded.
func (c *Controller) TryAcquire() bool {
	n := c.active.Add(1)
	if c.ceiling > 0 && n > c.ceiling {
		c.active.Add(-1)
		return false
	}
	return true
}

// Release frees a slot taken by TryAcquire.
func (c *Controller) Release() {
	c.active.Add(-1)
}

func (c *Controller) Active() int64  { return c.active.Load() }
func (c *Controller) Ceiling() int64 { return c.ceiling }
