// Package waittime reports how long a message waited on a connection's serial
// inbound queue, and which messages it waited behind.
package waittime

import (
	"github.com/monti-apm/monti-apm-agent-sub000/util"
	"sync"
)

type Message struct {
	ID     string
	Msg    string
	Method string
	Name   string
}

// Session is the queue introspection the host provides for a connection.
type Session interface {
	ID() string
	InQueue() []Message
}

// Entry is the projection of one message the waiter was queued behind.
type Entry struct {
	ID     string `json:"id" msgpack:"id"`
	Msg    string `json:"msg" msgpack:"msg"`
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`
	Name   string `json:"name,omitempty" msgpack:"name,omitempty"`
	// WaitTime is how long, in milliseconds, the message blocked the queue.
	WaitTime float64 `json:"waitTime,omitempty" msgpack:"waitTime,omitempty"`
}

type cachedMessage struct {
	entry      Entry
	registered int
}

type Builder struct {
	lock       sync.Mutex
	waitLists  map[string][]string
	processing map[string]Message
	cache      map[string]*cachedMessage
	clock      util.Clock
}

func New(clock util.Clock) *Builder {
	if clock == nil {
		clock = util.SystemClock
	}
	return &Builder{
		waitLists:  map[string][]string{},
		processing: map[string]Message{},
		cache:      map[string]*cachedMessage{},
		clock:      clock,
	}
}

func messageKey(sessionID, msgID string) string {
	return sessionID + "::" + msgID
}

// Register snapshots what msgID is queued behind: the message in flight, then
// the queue in order.
func (b *Builder) Register(session Session, msgID string) {
	sessionID := session.ID()
	queue := session.InQueue()

	b.lock.Lock()
	defer b.lock.Unlock()
	keys := make([]string, 0, len(queue)+1)
	if current, ok := b.processing[sessionID]; ok {
		keys = append(keys, b.retainLocked(sessionID, current))
	}
	for _, msg := range queue {
		keys = append(keys, b.retainLocked(sessionID, msg))
	}
	b.waitLists[messageKey(sessionID, msgID)] = keys
}

func (b *Builder) retainLocked(sessionID string, msg Message) string {
	key := messageKey(sessionID, msg.ID)
	cached, ok := b.cache[key]
	if !ok {
		cached = &cachedMessage{entry: Entry{ID: msg.ID, Msg: msg.Msg, Method: msg.Method, Name: msg.Name}}
		b.cache[key] = cached
	}
	cached.registered++
	return key
}

// Build returns the wait list registered for msgID and releases it.
func (b *Builder) Build(session Session, msgID string) []Entry {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.releaseLocked(messageKey(session.ID(), msgID))
}

// Evict drops a registration that will never be built.
func (b *Builder) Evict(sessionID, msgID string) {
	b.lock.Lock()
	b.releaseLocked(messageKey(sessionID, msgID))
	b.lock.Unlock()
}

func (b *Builder) releaseLocked(mainKey string) []Entry {
	keys, ok := b.waitLists[mainKey]
	if !ok {
		return []Entry{}
	}
	delete(b.waitLists, mainKey)
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		cached, ok := b.cache[key]
		if !ok {
			continue
		}
		entries = append(entries, cached.entry)
		cached.registered--
		if cached.registered <= 0 {
			delete(b.cache, key)
		}
	}
	return entries
}

// TrackWaitTime marks msg as in flight on its session. The returned func
// records how long msg blocked the queue and calls unblock once.
func (b *Builder) TrackWaitTime(session Session, msg Message, unblock func()) func() {
	sessionID := session.ID()
	started := b.clock()
	b.lock.Lock()
	b.processing[sessionID] = msg
	b.lock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			waited := b.clock() - started
			b.lock.Lock()
			if cached, ok := b.cache[messageKey(sessionID, msg.ID)]; ok {
				cached.entry.WaitTime = util.Millis(waited)
			}
			if current, ok := b.processing[sessionID]; ok && current.ID == msg.ID {
				delete(b.processing, sessionID)
			}
			b.lock.Unlock()
			if unblock != nil {
				unblock()
			}
		})
	}
}

// Cached returns the number of shared message projections held.
func (b *Builder) Cached() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.cache)
}
