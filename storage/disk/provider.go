package disk

import (
	"encoding/binary"
	"github.com/dgraph-io/badger"
	"github.com/juju/errors"
	"github.com/monti-apm/monti-apm-agent-sub000/storage/common"
	"github.com/monti-apm/monti-apm-agent-sub000/util"
	"go.uber.org/zap"
	"os"
	"sync"
	"time"
)

const (
	gcInterval   = 5 * time.Minute
	maxTxnWrites = 1000
)

var (
	recordPrefix = []byte("r-")
	errClosed    = errors.New("spool is closed")
)

// Provider spools encoded records in a badger database so archived traces
// survive a restart of the host process.
type Provider struct {
	Dir        string
	MaxRecords int

	lock   sync.Mutex
	db     *badger.DB
	ticker *time.Ticker
	done   chan struct{}
	gcDone chan struct{}
	seq    uint64
	count  int
}

func (p *Provider) Initialize() error {
	logger := util.GetLogger("storage/disk", "Provider::Initialize")
	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return errors.Annotatef(err, "unable to create spool dir %s", p.Dir)
	}
	opts := badger.DefaultOptions
	opts.Dir = p.Dir
	opts.ValueDir = p.Dir
	db, err := badger.Open(opts)
	if err != nil {
		return errors.Annotate(err, "unable to open badger spool")
	}
	p.db = db
	if err = p.recover(); err != nil {
		_ = db.Close()
		return err
	}
	logger.Info("Spool opened", zap.String("dir", p.Dir), zap.Int("records", p.count))
	p.ticker = time.NewTicker(gcInterval)
	p.done = make(chan struct{})
	p.gcDone = make(chan struct{})
	go p.gcCleanup()
	return nil
}

// recover restores the record count and the next sequence number.
func (p *Provider) recover() error {
	return p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(recordPrefix); it.ValidForPrefix(recordPrefix); it.Next() {
			p.count++
			if seq := seqFromKey(it.Item().Key()); seq >= p.seq {
				p.seq = seq + 1
			}
		}
		return nil
	})
}

func (p *Provider) Append(record *common.Record) error {
	data, err := common.EncodeRecord(record)
	if err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.db == nil {
		return errClosed
	}
	key := recordKey(p.seq)
	err = p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return errors.Annotate(err, "unable to write record to spool")
	}
	p.seq++
	p.count++
	if p.MaxRecords > 0 && p.count > p.MaxRecords {
		removed, err := p.deleteOldest(p.count - p.MaxRecords)
		p.count -= removed
		if err != nil {
			return errors.Annotate(err, "unable to trim spool")
		}
	}
	return nil
}

func (p *Provider) deleteOldest(n int) (int, error) {
	var keys [][]byte
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(recordPrefix); it.ValidForPrefix(recordPrefix) && len(keys) < n; it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	err = p.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Drain removes and returns up to max records in insertion order; max <= 0
// drains everything.
func (p *Provider) Drain(max int) ([]*common.Record, error) {
	logger := util.GetLogger("storage/disk", "Provider::Drain")
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.db == nil {
		return nil, errClosed
	}

	var records []*common.Record
	for max <= 0 || len(records) < max {
		limit := maxTxnWrites
		if max > 0 && max-len(records) < limit {
			limit = max - len(records)
		}
		var keys [][]byte
		err := p.db.Update(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			for it.Seek(recordPrefix); it.ValidForPrefix(recordPrefix) && len(keys) < limit; it.Next() {
				item := it.Item()
				keys = append(keys, item.KeyCopy(nil))
				data, err := item.Value()
				if err != nil {
					it.Close()
					return err
				}
				record, err := common.DecodeRecord(data)
				if err != nil {
					logger.Warn("Skipping undecodable record", zap.ByteString("key", item.Key()), zap.Error(err))
					continue
				}
				records = append(records, record)
			}
			it.Close()
			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return records, errors.Annotate(err, "unable to drain spool")
		}
		p.count -= len(keys)
		if len(keys) < limit {
			break
		}
	}
	return records, nil
}

func (p *Provider) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.count
}

// Flush reclaims value log space left by drained records. It does nothing
// once the provider is closed.
func (p *Provider) Flush() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.db == nil {
		return nil
	}
	if err := runValueLogGC(p.db); err != badger.ErrNoRewrite {
		return errors.Annotate(err, "unable to compact spool")
	}
	return nil
}

// Close stops value log GC and closes the database. Calling it again is a no-op.
func (p *Provider) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.ticker != nil {
		p.ticker.Stop()
		close(p.done)
		<-p.gcDone
		p.ticker = nil
	}
	if p.db == nil {
		return nil
	}
	db := p.db
	p.db = nil
	return db.Close()
}

func (p *Provider) gcCleanup() {
	logger := util.GetLogger("storage/disk", "Provider::gcCleanup")
	defer close(p.gcDone)
	db := p.db
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
		}
		if err := runValueLogGC(db); err != badger.ErrNoRewrite {
			logger.Error("Value GC goroutine has stopped", zap.Error(err))
			return
		}
	}
}

func recordKey(seq uint64) []byte {
	key := make([]byte, len(recordPrefix)+8)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[len(recordPrefix):], seq)
	return key
}

func seqFromKey(key []byte) uint64 {
	if len(key) != len(recordPrefix)+8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(recordPrefix):])
}

// runValueLogGC rewrites value log files until badger reports nothing left to rewrite.
func runValueLogGC(db *badger.DB) error {
	var err error
	for err == nil {
		err = db.RunValueLogGC(0.7)
	}
	return err
}
