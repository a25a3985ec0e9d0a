package tracer

import (
	"github.com/json-iterator/go"
	"github.com/juju/errors"
	"github.com/monti-apm/monti-apm-agent-sub000/util"
	"go.uber.org/zap"
	"strings"
	"sync"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const redacted = "[REDACTED]"

type FilterInfo struct {
	Kind Kind
	Name string
}

// Filter rewrites the data attached to an event. It receives its own copy of
// the data. A filter that fails is removed from the chain for good.
type Filter func(category Category, data EventData, info FilterInfo) (EventData, error)

type filterEntry struct {
	id      uint64
	filter  Filter
	onError func(error)
}

type filterChain struct {
	lock    sync.RWMutex
	entries []*filterEntry
	nextID  uint64
}

func (fc *filterChain) add(filter Filter, onError func(error)) func() {
	fc.lock.Lock()
	fc.nextID++
	id := fc.nextID
	fc.entries = append(fc.entries, &filterEntry{id: id, filter: filter, onError: onError})
	fc.lock.Unlock()
	return func() { fc.remove(id) }
}

func (fc *filterChain) remove(id uint64) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	for i, entry := range fc.entries {
		if entry.id == id {
			fc.entries = append(fc.entries[:i:i], fc.entries[i+1:]...)
			return
		}
	}
}

func (fc *filterChain) snapshot() []*filterEntry {
	fc.lock.RLock()
	defer fc.lock.RUnlock()
	if len(fc.entries) == 0 {
		return nil
	}
	entries := make([]*filterEntry, len(fc.entries))
	copy(entries, fc.entries)
	return entries
}

func (fc *filterChain) apply(category Category, data EventData, info FilterInfo) EventData {
	entries := fc.snapshot()
	for _, entry := range entries {
		result, err := entry.run(category, copyData(data), info)
		if err != nil {
			fc.remove(entry.id)
			logger := util.GetLogger("tracer", "filterChain::apply")
			logger.Warn("Removed failing event filter", zap.String("category", string(category)), zap.Error(err))
			if entry.onError != nil {
				entry.onError(err)
			}
			continue
		}
		data = result
	}
	return data
}

func (entry *filterEntry) run(category Category, data EventData, info FilterInfo) (result EventData, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("event filter panicked: %v", r)
		}
	}()
	result, err = entry.filter(category, data, info)
	return result, errors.Trace(err)
}

// copyData deep copies data through a JSON round trip. Values that cannot be
// encoded are passed by reference.
func copyData(data EventData) EventData {
	if data == nil {
		return nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return shallowCopy(data)
	}
	copied := EventData{}
	if err := json.Unmarshal(encoded, &copied); err != nil {
		return shallowCopy(data)
	}
	return copied
}

func shallowCopy(data EventData) EventData {
	copied := make(EventData, len(data))
	for key, value := range data {
		copied[key] = value
	}
	return copied
}

var strippedFields = map[Category][]string{
	CategoryStart: {"params", "headers", "body"},
	CategoryDB:    {"selector", "query", "docs"},
	CategoryHTTP:  {"url", "headers", "body"},
	CategoryEmail: {"to", "from", "cc", "bcc", "subject"},
	CategoryError: {"params"},
}

// StripSensitive replaces sensitive fields of the listed categories (all of
// them when none are listed), optionally only for one kind and name.
func StripSensitive(categories []Category, kind Kind, name string) Filter {
	selected := make(map[Category]bool, len(categories))
	for _, category := range categories {
		selected[category] = true
	}
	return func(category Category, data EventData, info FilterInfo) (EventData, error) {
		if len(selected) > 0 && !selected[category] {
			return data, nil
		}
		if (kind != "" && kind != info.Kind) || (name != "" && name != info.Name) {
			return data, nil
		}
		fields, ok := strippedFields[category]
		if !ok {
			return data, nil
		}
		for _, field := range fields {
			if _, exists := data[field]; exists {
				data[field] = redacted
			}
		}
		return data, nil
	}
}

// RedactFields replaces the value of every key matching one of fields, at any depth.
func RedactFields(fields ...string) Filter {
	names := make(map[string]bool, len(fields))
	for _, field := range fields {
		names[strings.ToLower(field)] = true
	}
	return func(category Category, data EventData, info FilterInfo) (EventData, error) {
		redactMap(data, names)
		return data, nil
	}
}

func redactMap(m map[string]interface{}, names map[string]bool) {
	for key, value := range m {
		if names[strings.ToLower(key)] {
			m[key] = redacted
			continue
		}
		redactValue(value, names)
	}
}

func redactValue(value interface{}, names map[string]bool) {
	switch v := value.(type) {
	case map[string]interface{}:
		redactMap(v, names)
	case EventData:
		redactMap(v, names)
	case []interface{}:
		for _, item := range v {
			redactValue(item, names)
		}
	}
}
