package errorx

import (
	"sync"
)

// CloseErr makes a Close method one-shot: the first call runs fn and records
// its first non-nil error, later calls return that same error without running
// fn again.
type CloseErr struct {
	mu     sync.Mutex
	closed bool
	err    error
}

func (c *CloseErr) Close(fn func() []error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.err
	}
	c.closed = true

	if fn != nil {
		for _, e := range fn() {
			if e != nil {
				c.err = e
				break
			}
		}
	}
	return c.err
}

func (c *CloseErr) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func Temporary(err error) bool {
	for e := err; e != nil; e = unwrap(e) {
		if t, ok := e.(interface{ Temporary() bool }); ok {
			return t.Temporary()
		}
	}
	return false
}

func unwrap(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}
