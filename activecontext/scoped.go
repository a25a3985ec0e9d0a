package activecontext

import "sync"

// scoped follows the event loop: every resource created while a context is
// current inherits it, and the executing resource's context becomes current
// between its before and after callbacks.
type scoped struct {
	lock      sync.Mutex
	stores    map[uint64]*Context
	executing []uint64
	root      *Context
}

func NewScoped() Propagator {
	return &scoped{stores: map[uint64]*Context{}}
}

func (s *scoped) Current() *Context {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.currentLocked()
}

func (s *scoped) currentLocked() *Context {
	if n := len(s.executing); n > 0 {
		return s.stores[s.executing[n-1]]
	}
	return s.root
}

func (s *scoped) setLocked(ctx *Context) {
	n := len(s.executing)
	if n == 0 {
		s.root = ctx
		return
	}
	if ctx == nil {
		delete(s.stores, s.executing[n-1])
		return
	}
	s.stores[s.executing[n-1]] = ctx
}

func (s *scoped) RunWith(ctx *Context, fn func()) {
	s.lock.Lock()
	previous := s.currentLocked()
	s.setLocked(ctx)
	s.lock.Unlock()

	defer func() {
		s.lock.Lock()
		s.setLocked(previous)
		s.lock.Unlock()
	}()
	fn()
}

func (s *scoped) EnterWith(ctx *Context) {
	s.lock.Lock()
	s.setLocked(ctx)
	s.lock.Unlock()
}

func (s *scoped) Created(id, triggerID uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if ctx := s.currentLocked(); ctx != nil {
		s.stores[id] = ctx
	}
}

func (s *scoped) Resumed(id uint64) {
	s.lock.Lock()
	s.executing = append(s.executing, id)
	s.lock.Unlock()
}

func (s *scoped) Suspended(id uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i := len(s.executing) - 1; i >= 0; i-- {
		if s.executing[i] == id {
			s.executing = s.executing[:i]
			return
		}
	}
}

func (s *scoped) Released(id uint64) {
	s.lock.Lock()
	delete(s.stores, id)
	s.lock.Unlock()
}
