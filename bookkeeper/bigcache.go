package bookkeeper

import (
	"context"
	"github.com/allegro/bigcache/v3"
	"github.com/monti-apm/monti-apm-agent-sub000/util"
	"go.uber.org/zap"
	"sync"
)

const (
	flagStarted = 0
	flagEnded   = 1
)

type bigCacheBK struct {
	cache *bigcache.BigCache

	listenerLock sync.RWMutex
	listeners    []ExpireListener

	expired chan string
	done    chan struct{}
}

func (bc *bigCacheBK) init(ctx context.Context, config Config) error {
	bc.expired = make(chan string, 1024)
	bc.done = make(chan struct{})

	cacheConfig := bigcache.DefaultConfig(config.TTL)
	cacheConfig.CleanWindow = config.CleanWindow
	cacheConfig.Shards = 64
	cacheConfig.MaxEntriesInWindow = 10000
	cacheConfig.MaxEntrySize = 8
	cacheConfig.Verbose = false
	cacheConfig.OnRemoveWithReason = bc.onRemove
	var err error
	bc.cache, err = bigcache.New(ctx, cacheConfig)
	if err != nil {
		return err
	}
	go bc.dispatch()
	return nil
}

// onRemove runs under the shard lock, so listeners are called from dispatch.
func (bc *bigCacheBK) onRemove(key string, entry []byte, reason bigcache.RemoveReason) {
	if reason != bigcache.Expired || len(entry) < 2 || entry[flagEnded] == 0x01 {
		return
	}
	select {
	case bc.expired <- key:
	default:
		logger := util.GetLogger("bookkeeper", "bigCacheBK::onRemove")
		logger.Warn("Expiry queue is full, dropping notification", zap.String("traceID", key))
	}
}

func (bc *bigCacheBK) dispatch() {
	for {
		select {
		case traceID := <-bc.expired:
			bc.listenerLock.RLock()
			listeners := bc.listeners
			bc.listenerLock.RUnlock()
			for _, listener := range listeners {
				listener(traceID)
			}
		case <-bc.done:
			return
		}
	}
}

func (bc *bigCacheBK) OnExpire(listener ExpireListener) {
	bc.listenerLock.Lock()
	defer bc.listenerLock.Unlock()
	bc.listeners = append(append([]ExpireListener(nil), bc.listeners...), listener)
}

func (bc *bigCacheBK) TraceStarted(traceID string) bool {
	return bc.hasFlag(traceID, flagStarted)
}

func (bc *bigCacheBK) TraceEnded(traceID string) bool {
	return bc.hasFlag(traceID, flagEnded)
}

func (bc *bigCacheBK) MarkTraceStarted(traceID string) {
	logger := util.GetLogger("bookkeeper", "bigCacheBK::MarkTraceStarted")
	if err := bc.setFlag(traceID, flagStarted); err != nil {
		logger.Warn("Error when trying to write to cache", zap.String("traceID", traceID), zap.Error(err))
	}
}

// MarkTraceEnded keeps the entry until it ages out so late hooks can still
// see that the trace completed.
func (bc *bigCacheBK) MarkTraceEnded(traceID string) {
	logger := util.GetLogger("bookkeeper", "bigCacheBK::MarkTraceEnded")
	if err := bc.setFlag(traceID, flagEnded); err != nil {
		logger.Warn("Error when trying to write to cache", zap.String("traceID", traceID), zap.Error(err))
	}
}

func (bc *bigCacheBK) Discard() error {
	return bc.cache.Reset()
}

func (bc *bigCacheBK) Close() error {
	select {
	case <-bc.done:
		return nil
	default:
	}
	close(bc.done)
	return bc.cache.Close()
}

func (bc *bigCacheBK) hasFlag(key string, flag int) bool {
	data, err := bc.cache.Get(key)
	if err != nil || len(data) < 2 {
		return false
	}
	return data[flag] == 0x01
}

func (bc *bigCacheBK) setFlag(key string, flag int) error {
	data, err := bc.cache.Get(key)
	if err != nil || len(data) < 2 {
		data = []byte{0x00, 0x00}
	} else if data[flag] == 0x01 {
		return nil
	} else {
		data = append([]byte(nil), data...)
	}
	data[flag] = 0x01
	return bc.cache.Set(key, data)
}
