package tracer

import (
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func TestFiltersRunInOrderOnCopies(t *testing.T) {
	tr, _ := newTestTracer()
	var seen []string
	tr.AddFilter(func(category Category, data EventData, info FilterInfo) (EventData, error) {
		seen = append(seen, "first")
		data["first"] = true
		return data, nil
	}, nil)
	tr.AddFilter(func(category Category, data EventData, info FilterInfo) (EventData, error) {
		seen = append(seen, "second:"+string(info.Kind)+":"+info.Name)
		assert.Equal(t, true, data["first"])
		data["second"] = true
		return data, nil
	}, nil)

	trace := startTrace(t, tr)
	original := EventData{"coll": "posts"}
	event := tr.Event(trace, CategoryDB, original, nil)

	assert.Equal(t, []string{"first", "second:method:m", "first", "second:method:m"}, seen)
	assert.Equal(t, true, event.Data["second"])
	assert.NotContains(t, original, "first")
}

func TestFailingFilterIsEvicted(t *testing.T) {
	tr, _ := newTestTracer()
	var reported []error
	calls := 0
	tr.AddFilter(func(category Category, data EventData, info FilterInfo) (EventData, error) {
		calls++
		return nil, errors.New("bad filter")
	}, func(err error) {
		reported = append(reported, err)
	})
	tr.AddFilter(func(category Category, data EventData, info FilterInfo) (EventData, error) {
		data["kept"] = true
		return data, nil
	}, nil)

	trace, err := tr.Start("m", KindMethod, Info{})
	require.NoError(t, err)
	start := tr.Event(trace, CategoryStart, EventData{"params": 1}, nil)
	require.NotNil(t, start)
	assert.Equal(t, true, start.Data["kept"])
	require.Len(t, reported, 1)
	assert.Contains(t, reported[0].Error(), "bad filter")

	tr.Event(trace, CategoryDB, EventData{}, nil)
	assert.Equal(t, 1, calls)
	assert.Len(t, reported, 1)
}

func TestPanickingFilterIsEvicted(t *testing.T) {
	tr, _ := newTestTracer()
	var reported error
	tr.AddFilter(func(category Category, data EventData, info FilterInfo) (EventData, error) {
		panic("nope")
	}, func(err error) { reported = err })

	trace := startTrace(t, tr)
	event := tr.Event(trace, CategoryDB, EventData{"coll": "a"}, nil)
	require.NotNil(t, event)
	assert.Equal(t, "a", event.Data["coll"])
	require.Error(t, reported)
	assert.Contains(t, reported.Error(), "nope")
}

func TestRemoveFilter(t *testing.T) {
	tr, _ := newTestTracer()
	remove := tr.AddFilter(func(category Category, data EventData, info FilterInfo) (EventData, error) {
		data["filtered"] = true
		return data, nil
	}, nil)
	remove()
	trace := startTrace(t, tr)
	event := tr.Event(trace, CategoryDB, EventData{}, nil)
	assert.NotContains(t, event.Data, "filtered")
}

func TestStripSensitive(t *testing.T) {
	tests := []struct {
		name       string
		categories []Category
		kind       Kind
		traceName  string
		category   Category
		data       EventData
		expected   EventData
	}{
		{
			name:     "all categories",
			category: CategoryDB,
			data:     EventData{"coll": "users", "selector": "{}"},
			expected: EventData{"coll": "users", "selector": redacted},
		},
		{
			name:       "category not selected",
			categories: []Category{CategoryHTTP},
			category:   CategoryDB,
			data:       EventData{"selector": "{}"},
			expected:   EventData{"selector": "{}"},
		},
		{
			name:      "other name untouched",
			traceName: "login",
			category:  CategoryStart,
			data:      EventData{"params": "secret"},
			expected:  EventData{"params": "secret"},
		},
		{
			name:     "method start params",
			kind:     KindMethod,
			category: CategoryStart,
			data:     EventData{"params": "secret", "userId": "u1"},
			expected: EventData{"params": redacted, "userId": "u1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter := StripSensitive(tt.categories, tt.kind, tt.traceName)
			result, err := filter(tt.category, tt.data, FilterInfo{Kind: KindMethod, Name: "m"})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRedactFields(t *testing.T) {
	filter := RedactFields("password", "Token")
	data := EventData{
		"user": map[string]interface{}{"name": "a", "Password": "p"},
		"list": []interface{}{map[string]interface{}{"token": "t"}},
		"keep": "x",
	}
	result, err := filter(CategoryCustom, data, FilterInfo{})
	require.NoError(t, err)
	assert.Equal(t, redacted, result["user"].(map[string]interface{})["Password"])
	assert.Equal(t, redacted, result["list"].([]interface{})[0].(map[string]interface{})["token"])
	assert.Equal(t, "x", result["keep"])
}

func TestBuiltEventJSON(t *testing.T) {
	tests := []struct {
		name     string
		event    BuiltEvent
		expected string
	}{
		{"bare", BuiltEvent{Category: CategoryCompute, Duration: 3500000}, `["compute",3.5]`},
		{"data", BuiltEvent{Category: CategoryDB, Data: EventData{"coll": "a"}}, `["db",0,{"coll":"a"}]`},
		{"extra without data", BuiltEvent{Category: CategoryWait, Extra: &EventExtra{ForcedEnd: true}}, `["wait",0,{},{"forcedEnd":true}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := json.Marshal(tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, strings.TrimSpace(string(encoded)))
		})
	}
}
