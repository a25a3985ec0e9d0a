package memory

import (
	"github.com/monti-apm/monti-apm-agent-sub000/storage/common"
	"github.com/monti-apm/monti-apm-agent-sub000/util"
	"go.uber.org/zap"
	"sync"
)

// Provider keeps encoded records in a bounded in-process queue.
type Provider struct {
	MaxRecords int

	lock    sync.Mutex
	records [][]byte
	dropped int
}

func (p *Provider) Initialize() error {
	return nil
}

func (p *Provider) Append(record *common.Record) error {
	data, err := common.EncodeRecord(record)
	if err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.records = append(p.records, data)
	if p.MaxRecords > 0 && len(p.records) > p.MaxRecords {
		overflow := len(p.records) - p.MaxRecords
		p.records = append([][]byte(nil), p.records[overflow:]...)
		p.dropped += overflow
	}
	return nil
}

func (p *Provider) Drain(max int) ([]*common.Record, error) {
	logger := util.GetLogger("storage/memory", "Provider::Drain")
	p.lock.Lock()
	n := len(p.records)
	if max > 0 && max < n {
		n = max
	}
	batch := p.records[:n]
	p.records = append([][]byte(nil), p.records[n:]...)
	p.lock.Unlock()

	records := make([]*common.Record, 0, len(batch))
	for _, data := range batch {
		record, err := common.DecodeRecord(data)
		if err != nil {
			logger.Warn("Skipping undecodable record", zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (p *Provider) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.records)
}

// Dropped returns how many records were discarded because the queue was full.
func (p *Provider) Dropped() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.dropped
}

func (p *Provider) Flush() error {
	return nil
}

func (p *Provider) Close() error {
	p.lock.Lock()
	p.records = nil
	p.lock.Unlock()
	return nil
}
