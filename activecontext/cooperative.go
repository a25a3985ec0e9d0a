package activecontext

import "sync"

// cooperative keeps the context on the scheduled unit of execution. A unit
// spawned by a context bearing unit gets a copy of its context; only one unit
// runs at a time.
type cooperative struct {
	lock    sync.Mutex
	current uint64
	running bool
	units   map[uint64]*Context
	root    *Context
}

func NewCooperative() Propagator {
	return &cooperative{units: map[uint64]*Context{}}
}

func (c *cooperative) Current() *Context {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.currentLocked()
}

func (c *cooperative) currentLocked() *Context {
	if !c.running {
		return c.root
	}
	return c.units[c.current]
}

func (c *cooperative) setLocked(ctx *Context) {
	if !c.running {
		c.root = ctx
		return
	}
	if ctx == nil {
		delete(c.units, c.current)
		return
	}
	c.units[c.current] = ctx
}

func (c *cooperative) RunWith(ctx *Context, fn func()) {
	c.lock.Lock()
	running, unit := c.running, c.current
	previous := c.currentLocked()
	c.setLocked(ctx)
	c.lock.Unlock()

	defer func() {
		c.lock.Lock()
		defer c.lock.Unlock()
		if running {
			if previous == nil {
				delete(c.units, unit)
			} else {
				c.units[unit] = previous
			}
		} else {
			c.root = previous
		}
	}()
	fn()
}

func (c *cooperative) EnterWith(ctx *Context) {
	c.lock.Lock()
	c.setLocked(ctx)
	c.lock.Unlock()
}

func (c *cooperative) Created(id, triggerID uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	var parent *Context
	if c.running && c.current == triggerID {
		parent = c.currentLocked()
	} else if p, ok := c.units[triggerID]; ok {
		parent = p
	} else if !c.running {
		parent = c.root
	}
	if parent != nil {
		copied := *parent
		c.units[id] = &copied
	}
}

func (c *cooperative) Resumed(id uint64) {
	c.lock.Lock()
	c.current = id
	c.running = true
	c.lock.Unlock()
}

func (c *cooperative) Suspended(id uint64) {
	c.lock.Lock()
	if c.running && c.current == id {
		c.running = false
	}
	c.lock.Unlock()
}

func (c *cooperative) Released(id uint64) {
	c.lock.Lock()
	delete(c.units, id)
	c.lock.Unlock()
}
