package future

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned for correlation ids that were never put into the
// collection or have already been removed.
var ErrNotFound = errors.New("no such correlation id")

// Collection maps correlation ids to futures.
//
// Entries are never reaped: whoever puts a future is responsible for
// removing it, otherwise it stays for the lifetime of the collection.
type Collection struct {
	lock    sync.Mutex // guards futures, never held while waiting on a future
	futures map[string]*Future
}

func NewCollection() *Collection {
	return &Collection{futures: make(map[string]*Future)}
}

// Put registers f under its correlation id. A future already registered
// under the same id is replaced.
func (c *Collection) Put(f *Future) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.futures[f.CorrelationID()] = f
}

// SetResult resolves the future registered under correlationID. Lookup and
// resolution happen under one lock hold, so a future that Remove or Put has
// already taken out of the collection is never resolved.
func (c *Collection) SetResult(correlationID string, result *Result) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	f, ok := c.futures[correlationID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "set result %s", correlationID)
	}
	// Future.SetResult never blocks
	return f.SetResult(result)
}

func (c *Collection) Get(correlationID string) (*Future, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	f, ok := c.futures[correlationID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "get %s", correlationID)
	}
	return f, nil
}

func (c *Collection) Remove(correlationID string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.futures[correlationID]; !ok {
		return errors.Wrapf(ErrNotFound, "remove %s", correlationID)
	}
	delete(c.futures, correlationID)
	return nil
}

// Len returns the number of registered futures.
func (c *Collection) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.futures)
}
