package common

import (
	"github.com/monti-apm/monti-apm-agent-sub000/tracer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestRecordSurvivesEncoding(t *testing.T) {
	trace := &tracer.Trace{
		ID:        "s1::m1",
		Kind:      tracer.KindMethod,
		Name:      "posts.insert",
		SessionID: "s1",
		MsgID:     "m1",
		At:        1500 * time.Millisecond,
		Metrics: map[tracer.Category]time.Duration{
			tracer.MetricTotal:     40 * time.Millisecond,
			tracer.CategoryDB:      30 * time.Millisecond,
			tracer.CategoryCompute: 10 * time.Millisecond,
		},
		Processed: []tracer.BuiltEvent{
			{Category: tracer.CategoryStart},
			{Category: tracer.CategoryDB, Duration: 30 * time.Millisecond, Data: tracer.EventData{"coll": "posts"},
				Extra: &tracer.EventExtra{Name: "insert", ForcedEnd: true}},
			{Category: tracer.CategoryComplete},
		},
	}
	data, err := EncodeRecord(&Record{Kind: tracer.KindMethod, Reason: "outlier", StoredAt: time.Second, Trace: trace})
	require.NoError(t, err)

	record, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, "outlier", record.Reason)
	assert.Equal(t, tracer.KindMethod, record.Kind)
	require.NotNil(t, record.Trace)
	assert.Equal(t, trace.ID, record.Trace.ID)
	assert.Equal(t, trace.At, record.Trace.At)
	assert.Equal(t, trace.Metrics, record.Trace.Metrics)
	require.Len(t, record.Trace.Processed, 3)
	assert.Equal(t, "posts", record.Trace.Processed[1].Data["coll"])
	assert.Equal(t, "insert", record.Trace.Processed[1].Extra.Name)
	assert.True(t, record.Trace.Processed[1].Extra.ForcedEnd)
	assert.Nil(t, record.Trace.Processed[0].Extra)
}

func TestEncodeRejectsEmptyRecord(t *testing.T) {
	_, err := EncodeRecord(&Record{Reason: "baseline"})
	assert.Error(t, err)
	_, err = DecodeRecord([]byte{0xc1})
	assert.Error(t, err)
}
