package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"
)

// DefaultMaxDepth bounds how deeply nested agent payloads may be.
const DefaultMaxDepth = 32

const (
	truncatedMarker = "<truncated>"
	cycleMarker     = "<cycle>"
)

// normalizer converts arbitrary agent payloads into acyclic JSON-shaped values
// (map[string]interface{}, []interface{}, string, float64, bool, nil) so that
// snapshots always serialize and reload to the same value.
type normalizer struct {
	maxDepth int
	visiting map[uintptr]bool
}

// normalizeMap returns a normalized deep copy of m.
func normalizeMap(m map[string]interface{}, maxDepth int) map[string]interface{} {
	if m == nil {
		return nil
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	n := &normalizer{maxDepth: maxDepth, visiting: make(map[uintptr]bool)}
	out, _ := n.value(m, 0).(map[string]interface{})
	return out
}

func (n *normalizer) value(v interface{}, depth int) interface{} {
	if v == nil {
		return nil
	}
	if depth > n.maxDepth {
		return truncatedMarker
	}

	switch t := v.(type) {
	case string:
		return t
	case bool:
		return t
	case float64:
		return finite(t)
	case float32:
		return finite(float64(t))
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return finite(f)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return t.String()
	case error:
		return t.Error()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if n.visiting[ptr] {
			return cycleMarker
		}
		n.visiting[ptr] = true
		defer delete(n.visiting, ptr)

		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = n.value(iter.Value().Interface(), depth+1)
		}
		return out

	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return base64.StdEncoding.EncodeToString(rv.Bytes())
		}
		if rv.Len() > 0 {
			ptr := rv.Pointer()
			if n.visiting[ptr] {
				return cycleMarker
			}
			n.visiting[ptr] = true
			defer delete(n.visiting, ptr)
		}
		return n.list(rv, depth)

	case reflect.Array:
		return n.list(rv, depth)

	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Ptr {
			ptr := rv.Pointer()
			if n.visiting[ptr] {
				return cycleMarker
			}
			n.visiting[ptr] = true
			defer delete(n.visiting, ptr)
		}
		return n.value(rv.Elem().Interface(), depth+1)

	case reflect.Struct:
		// Structs go through their JSON form; json.Marshal reports cycles.
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("<%T>", v)
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return fmt.Sprintf("<%T>", v)
		}
		return n.value(generic, depth)

	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return finite(rv.Float())
	}

	return fmt.Sprintf("<%T>", v)
}

func (n *normalizer) list(rv reflect.Value, depth int) []interface{} {
	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = n.value(rv.Index(i).Interface(), depth+1)
	}
	return out
}

// finite maps NaN and ±Inf, which JSON cannot encode, to nil.
func finite(f float64) interface{} {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}
