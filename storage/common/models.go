package common

import (
	"github.com/juju/errors"
	"github.com/monti-apm/monti-apm-agent-sub000/tracer"
	"github.com/vmihailenco/msgpack"
	"time"
)

// Record is one archived trace waiting to be collected.
type Record struct {
	Kind     tracer.Kind   `msgpack:"kind"`
	Reason   string        `msgpack:"reason"`
	StoredAt time.Duration `msgpack:"storedAt"`
	Trace    *tracer.Trace `msgpack:"trace"`
}

func EncodeRecord(record *Record) ([]byte, error) {
	if record == nil || record.Trace == nil {
		return nil, errors.NotValidf("empty record")
	}
	data, err := msgpack.Marshal(record)
	if err != nil {
		return nil, errors.Annotate(err, "unable to encode record")
	}
	return data, nil
}

func DecodeRecord(data []byte) (*Record, error) {
	record := &Record{}
	if err := msgpack.Unmarshal(data, record); err != nil {
		return nil, errors.Annotate(err, "unable to decode record")
	}
	return record, nil
}
