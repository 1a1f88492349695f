package config

import (
	"sync"

	"github.com/3s-rg-codes/hyperlocal/pkg/builder"
)

// Catalog holds the configured functions in manifest order.
type Catalog struct {
	mu     sync.RWMutex
	fns    []*builder.Function
	byName map[string]*builder.Function
	byID   map[string]*builder.Function
}

func NewCatalog(fns []*builder.Function) *Catalog {
	c := &Catalog{
		fns:    fns,
		byName: make(map[string]*builder.Function, len(fns)),
		byID:   make(map[string]*builder.Function, len(fns)),
	}
	for _, fn := range fns {
		c.byName[fn.Name] = fn
		c.byID[fn.Key()] = fn
	}
	return c
}

// Lookup finds a function by name or, failing that, by function id.
func (c *Catalog) Lookup(name string) (*builder.Function, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if fn, ok := c.byName[name]; ok {
		return fn, true
	}
	fn, ok := c.byID[name]
	return fn, ok
}

func (c *Catalog) List() []*builder.Function {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*builder.Function, len(c.fns))
	copy(out, c.fns)
	return out
}
