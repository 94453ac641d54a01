// Package msgpack implements the MessagePack rules NT4 servers and clients
// agree on: integral numbers use the smallest integer code, numeric type
// hints, replacement of unencodable values, and the -1 timestamp
// extension. Byte level reading and writing is done by
// github.com/vmihailenco/msgpack/v5.
package msgpack

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	vmsgpack "github.com/vmihailenco/msgpack/v5"
)

// TypeHint forces the numeric encoding family used for numbers.
type TypeHint int

const (
	// HintNone picks integer codes for integral values and float64 otherwise.
	HintNone TypeHint = iota
	// HintInt writes every number with an integer family code.
	HintInt
	// HintDouble writes every number as float64 (0xcb).
	HintDouble
	// HintFloat writes every number as float32 (0xca).
	HintFloat
)

// maxSafeInteger is the largest float64 that still round-trips through an
// integer code without losing precision.
const maxSafeInteger = 1<<53 - 1

var ErrUnencodableType = errors.New("msgpack: unencodable type")

// Ext is an application extension value other than the timestamp type.
type Ext struct {
	Type int8
	Data []byte
}

type EncodeOptions struct {
	// Multiple encodes each element of a slice back to back instead of
	// the slice as one array.
	Multiple bool
	TypeHint TypeHint
	// InvalidTypeReplacement is either a plain value or a func(any) any
	// producer that stands in for values without a MessagePack form.
	InvalidTypeReplacement any
}

type encoder struct {
	opts      EncodeOptions
	buf       *bytes.Buffer
	enc       *vmsgpack.Encoder
	depth     int
	replacing bool
}

// Serialize encodes data into a buffer sized exactly to its content.
func Serialize(data any, opts EncodeOptions) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 64))
	e := &encoder{opts: opts, buf: buf, enc: vmsgpack.NewEncoder(buf)}
	if opts.Multiple {
		rv := reflect.ValueOf(data)
		if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
			return nil, fmt.Errorf("%w: multiple requires a slice, got %T", ErrUnencodableType, data)
		}
		for i := 0; i < rv.Len(); i++ {
			if err := e.encode(rv.Index(i).Interface()); err != nil {
				return nil, err
			}
		}
	} else if err := e.encode(data); err != nil {
		return nil, err
	}
	b := buf.Bytes()
	return b[:len(b):len(b)], nil
}

// nest guards container recursion; a self referencing value fails with
// ErrTooDeep instead of exhausting the stack.
func (e *encoder) nest() (func(), error) {
	if e.depth >= maxDepth {
		return nil, ErrTooDeep
	}
	e.depth++
	return func() { e.depth-- }, nil
}

func (e *encoder) encode(v any) error {
	switch x := v.(type) {
	case nil:
		return e.enc.EncodeNil()
	case bool:
		return e.enc.EncodeBool(x)
	case int:
		return e.number(float64(x), int64(x), true)
	case int8:
		return e.number(float64(x), int64(x), true)
	case int16:
		return e.number(float64(x), int64(x), true)
	case int32:
		return e.number(float64(x), int64(x), true)
	case int64:
		return e.number(float64(x), x, true)
	case uint:
		return e.unsignedNumber(uint64(x))
	case uint8:
		return e.unsignedNumber(uint64(x))
	case uint16:
		return e.unsignedNumber(uint64(x))
	case uint32:
		return e.unsignedNumber(uint64(x))
	case uint64:
		return e.unsignedNumber(x)
	case float32:
		return e.number(float64(x), 0, false)
	case float64:
		return e.number(x, 0, false)
	case string:
		return e.enc.EncodeString(x)
	case []byte:
		return e.bin(x)
	case time.Time:
		return e.ext(timestampExt, timestampData(x))
	case Ext:
		return e.ext(x.Type, x.Data)
	case *Ext:
		if x == nil {
			return e.enc.EncodeNil()
		}
		return e.ext(x.Type, x.Data)
	case []any:
		done, err := e.nest()
		if err != nil {
			return err
		}
		defer done()
		if err := e.enc.EncodeArrayLen(len(x)); err != nil {
			return err
		}
		for _, el := range x {
			if err := e.encode(el); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		done, err := e.nest()
		if err != nil {
			return err
		}
		defer done()
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if err := e.enc.EncodeMapLen(len(x)); err != nil {
			return err
		}
		for _, k := range keys {
			if err := e.enc.EncodeString(k); err != nil {
				return err
			}
			if err := e.encode(x[k]); err != nil {
				return err
			}
		}
		return nil
	}
	return e.reflectValue(reflect.ValueOf(v))
}

func (e *encoder) reflectValue(rv reflect.Value) error {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return e.enc.EncodeNil()
		}
		done, err := e.nest()
		if err != nil {
			return err
		}
		defer done()
		return e.encode(rv.Elem().Interface())
	case reflect.Bool:
		return e.encode(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.encode(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return e.encode(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return e.encode(rv.Float())
	case reflect.String:
		return e.encode(rv.String())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return e.enc.EncodeNil()
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return e.bin(b)
		}
		done, err := e.nest()
		if err != nil {
			return err
		}
		defer done()
		if err := e.enc.EncodeArrayLen(rv.Len()); err != nil {
			return err
		}
		for i := 0; i < rv.Len(); i++ {
			if err := e.encode(rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if rv.IsNil() {
			return e.enc.EncodeNil()
		}
		done, err := e.nest()
		if err != nil {
			return err
		}
		defer done()
		keys := rv.MapKeys()
		if rv.Type().Key().Kind() == reflect.String {
			sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		}
		if err := e.enc.EncodeMapLen(len(keys)); err != nil {
			return err
		}
		for _, k := range keys {
			if err := e.encode(k.Interface()); err != nil {
				return err
			}
			if err := e.encode(rv.MapIndex(k).Interface()); err != nil {
				return err
			}
		}
		return nil
	}
	return e.invalid(rv)
}

func (e *encoder) invalid(rv reflect.Value) error {
	var v any
	if rv.IsValid() {
		v = rv.Interface()
	}
	if e.opts.InvalidTypeReplacement == nil || e.replacing {
		return fmt.Errorf("%w: %T", ErrUnencodableType, v)
	}
	repl := e.opts.InvalidTypeReplacement
	if fn, ok := repl.(func(any) any); ok {
		repl = fn(v)
	}
	e.replacing = true
	defer func() { e.replacing = false }()
	return e.encode(repl)
}

// number writes a signed or floating value honoring the type hint.
// EncodeInt picks the smallest integer code for the value.
func (e *encoder) number(f float64, i int64, integral bool) error {
	switch e.opts.TypeHint {
	case HintInt:
		if !integral {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return e.enc.EncodeFloat64(f)
			}
			i = int64(f)
		}
		return e.enc.EncodeInt(i)
	case HintDouble:
		return e.enc.EncodeFloat64(f)
	case HintFloat:
		return e.enc.EncodeFloat32(float32(f))
	}
	if integral {
		return e.enc.EncodeInt(i)
	}
	if f == math.Trunc(f) && math.Abs(f) <= maxSafeInteger {
		return e.enc.EncodeInt(int64(f))
	}
	return e.enc.EncodeFloat64(f)
}

func (e *encoder) unsignedNumber(u uint64) error {
	switch e.opts.TypeHint {
	case HintDouble:
		return e.enc.EncodeFloat64(float64(u))
	case HintFloat:
		return e.enc.EncodeFloat32(float32(u))
	}
	return e.enc.EncodeUint(u)
}

// bin always writes a bin family value; a nil slice is empty bin, not nil.
func (e *encoder) bin(b []byte) error {
	if err := e.enc.EncodeBytesLen(len(b)); err != nil {
		return err
	}
	_, err := e.buf.Write(b)
	return err
}

func (e *encoder) ext(typ int8, data []byte) error {
	if err := e.enc.EncodeExtHeader(typ, len(data)); err != nil {
		return err
	}
	_, err := e.buf.Write(data)
	return err
}
