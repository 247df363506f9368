package batch

import (
	"encoding"
	"encoding/json"
	"reflect"

	"github.com/Chichichkin/logship/pkg/logging"
)

// Filter splits data into records the collector can accept and the ones it
// cannot. data must be a single record or a list of records; anything else
// returns an error and no records. A record is rejected, without affecting
// its siblings, when one of its values is itself an object: the collector
// does not support nested JSON. Lists are fine.
func Filter(data any) ([]logging.Record, []*logging.ValidationError, error) {
	var candidates []any

	switch v := data.(type) {
	case logging.Record:
		candidates = []any{v}
	case map[string]any:
		candidates = []any{v}
	case []logging.Record:
		candidates = make([]any, len(v))
		for i := range v {
			candidates[i] = v[i]
		}
	case []map[string]any:
		candidates = make([]any, len(v))
		for i := range v {
			candidates[i] = v[i]
		}
	case []any:
		candidates = v
	default:
		return nil, nil, logging.NewValidationError(logging.ErrNoData, "data must be a record or a list of records", data)
	}

	accepted := make([]logging.Record, 0, len(candidates))
	var rejected []*logging.ValidationError

	for _, candidate := range candidates {
		record, ok := asRecord(candidate)
		if !ok {
			rejected = append(rejected, logging.NewValidationError(nil, "list element is not a record", candidate))
			continue
		}
		if key, nested := findNested(record); nested {
			rejected = append(rejected, logging.NewValidationError(nil, "nested JSON objects are not allowed (key "+key+")", record))
			continue
		}
		accepted = append(accepted, copyRecord(record))
	}

	return accepted, rejected, nil
}

func asRecord(v any) (logging.Record, bool) {
	switch r := v.(type) {
	case logging.Record:
		return r, r != nil
	case map[string]any:
		return r, r != nil
	default:
		return nil, false
	}
}

func findNested(record logging.Record) (string, bool) {
	for key, value := range record {
		if isObject(value) {
			return key, true
		}
	}
	return "", false
}

func isObject(value any) bool {
	switch value.(type) {
	case nil, json.Marshaler, encoding.TextMarshaler:
		return false
	}
	t := reflect.TypeOf(value)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Map || t.Kind() == reflect.Struct
}

// copyRecord detaches the queued record from the caller's map.
func copyRecord(record logging.Record) logging.Record {
	cp := make(logging.Record, len(record))
	for k, v := range record {
		cp[k] = v
	}
	return cp
}
