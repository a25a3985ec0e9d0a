package storage

import (
	"github.com/juju/errors"
	"github.com/monti-apm/monti-apm-agent-sub000/storage/common"
	"github.com/monti-apm/monti-apm-agent-sub000/storage/disk"
	"github.com/monti-apm/monti-apm-agent-sub000/storage/memory"
	"github.com/monti-apm/monti-apm-agent-sub000/util"
	"go.uber.org/zap"
)

const (
	MEMORY = "memory"
	BADGER = "badger"
)

// Provider spools archived traces until the transport collects them.
type Provider interface {
	Initialize() error
	Append(record *common.Record) error
	Drain(max int) ([]*common.Record, error)
	Len() int
	Flush() error
	Close() error
}

func NewProviderFromConfig(config util.SpoolConfig) (Provider, error) {
	logger := util.GetLogger("storage", "NewProviderFromConfig")
	var provider Provider
	switch config.Type {
	case "", MEMORY:
		provider = &memory.Provider{MaxRecords: config.MaxRecords}
	case BADGER:
		provider = &disk.Provider{Dir: config.Dir, MaxRecords: config.MaxRecords}
	default:
		return nil, errors.NotSupportedf("spool type %q", config.Type)
	}
	if err := provider.Initialize(); err != nil {
		logger.Error("unable to initialize spool", zap.String("type", config.Type), zap.Error(err))
		return nil, err
	}
	return provider, nil
}
