package nt4

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// TopicType is the declared NT4 value type of a topic.
type TopicType string

const (
	TypeBoolean      TopicType = "boolean"
	TypeBooleanArray TopicType = "boolean[]"
	TypeDouble       TopicType = "double"
	TypeDoubleArray  TopicType = "double[]"
	TypeFloat        TopicType = "float"
	TypeFloatArray   TopicType = "float[]"
	TypeInt          TopicType = "int"
	TypeIntArray     TopicType = "int[]"
	TypeRaw          TopicType = "raw"
	TypeString       TopicType = "string"
	TypeStringArray  TopicType = "string[]"
	TypeNull         TopicType = "null"
)

var topicTypes = map[TopicType]struct{}{
	TypeBoolean: {}, TypeBooleanArray: {},
	TypeDouble: {}, TypeDoubleArray: {},
	TypeFloat: {}, TypeFloatArray: {},
	TypeInt: {}, TypeIntArray: {},
	TypeRaw: {},
	TypeString: {}, TypeStringArray: {},
	TypeNull: {},
}

// ParseTopicType validates s against the fixed type enumeration.
func ParseTopicType(s string) (TopicType, bool) {
	t := TopicType(s)
	_, ok := topicTypes[t]
	return t, ok
}

func (t TopicType) IsArray() bool {
	return strings.HasSuffix(string(t), "[]")
}

// Elem returns the element type of an array type, or t itself.
func (t TopicType) Elem() TopicType {
	return TopicType(strings.TrimSuffix(string(t), "[]"))
}

func (t TopicType) String() string {
	return string(t)
}

// ensureType coerces v to the Go representation of t. Values that cannot
// be converted become the zero value of the type.
func ensureType(t TopicType, v any) any {
	if t.IsArray() {
		return ensureArray(t.Elem(), v)
	}
	switch t {
	case TypeBoolean:
		return toBool(v)
	case TypeDouble, TypeFloat:
		f, _ := toFloat(v)
		return f
	case TypeInt:
		i, _ := toInt(v)
		return i
	case TypeString:
		s, _ := toString(v)
		return s
	case TypeRaw:
		b, _ := toBytes(v)
		return b
	}
	return nil
}

func ensureArray(elem TopicType, v any) any {
	in := elements(v)
	switch elem {
	case TypeBoolean:
		out := make([]bool, len(in))
		for i, el := range in {
			out[i] = toBool(el)
		}
		return out
	case TypeDouble, TypeFloat:
		out := make([]float64, len(in))
		for i, el := range in {
			out[i], _ = toFloat(el)
		}
		return out
	case TypeInt:
		out := make([]int64, len(in))
		for i, el := range in {
			out[i], _ = toInt(el)
		}
		return out
	case TypeString:
		out := make([]string, len(in))
		for i, el := range in {
			out[i], _ = toString(el)
		}
		return out
	}
	return in
}

// elements flattens any slice value into []any. Non-slices yield nil.
func elements(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	case []bool:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = el
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = el
		}
		return out
	case []int64:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = el
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = el
		}
		return out
	case []byte, string:
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func toBool(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0 && !math.IsNaN(f)
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return math.MaxInt64, true
		}
		return int64(x), true
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return i, true
		}
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

func toString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case []byte:
		return string(x), true
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), true
	}
	return fmt.Sprint(v), true
}

func toBytes(v any) ([]byte, bool) {
	switch x := v.(type) {
	case []byte:
		return x, true
	case string:
		return []byte(x), true
	}
	return nil, false
}
