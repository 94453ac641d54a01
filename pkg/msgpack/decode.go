package msgpack

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"unicode/utf8"

	vmsgpack "github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

const (
	maxDepth = 512
	// reservedCode is the one byte value MessagePack never assigns.
	reservedCode byte = 0xc1
)

var (
	ErrReservedByte = errors.New("msgpack: reserved byte 0xc1")
	ErrTruncated    = errors.New("msgpack: unexpected end of data")
	ErrInvalidUTF8  = errors.New("msgpack: invalid utf-8 sequence")
	ErrTooDeep      = errors.New("msgpack: nesting too deep")
	ErrBadMapKey    = errors.New("msgpack: unhashable map key")
)

// DecodeError reports where in the input decoding failed.
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v (offset %d)", e.Err, e.Offset)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type DecodeOptions struct {
	// Multiple decodes values back to back until the input is exhausted.
	Multiple bool
}

// decoder reads through a bytes.Reader. vmsgpack uses an io.ByteScanner
// as is, so r and dec share one read position.
type decoder struct {
	r     *bytes.Reader
	dec   *vmsgpack.Decoder
	depth int
}

// Deserialize decodes one value from b, ignoring trailing bytes, or with
// Multiple set every value in b as a []any.
func Deserialize(b []byte, opts DecodeOptions) (any, error) {
	r := bytes.NewReader(b)
	d := &decoder{r: r, dec: vmsgpack.NewDecoder(r)}
	if !opts.Multiple {
		return d.value()
	}
	out := []any{}
	for d.r.Len() > 0 {
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *decoder) pos() int {
	return int(d.r.Size()) - d.r.Len()
}

func (d *decoder) fail(err error) error {
	return d.failAt(d.pos(), err)
}

// failAt maps reader exhaustion to ErrTruncated so callers see one error
// for every kind of short input.
func (d *decoder) failAt(off int, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = ErrTruncated
	}
	return &DecodeError{Offset: off, Err: err}
}

func (d *decoder) value() (any, error) {
	if d.depth >= maxDepth {
		return nil, d.fail(ErrTooDeep)
	}
	start := d.pos()
	c, err := d.dec.PeekCode()
	if err != nil {
		return nil, d.fail(err)
	}

	var v any
	switch {
	case c == reservedCode:
		return nil, d.fail(ErrReservedByte)
	case msgpcode.IsFixedNum(c):
		v, err = d.dec.DecodeInt64()
	case msgpcode.IsFixedMap(c), c == msgpcode.Map16, c == msgpcode.Map32:
		return d.mapValue(start)
	case msgpcode.IsFixedArray(c), c == msgpcode.Array16, c == msgpcode.Array32:
		return d.arrayValue(start)
	case msgpcode.IsFixedString(c), c == msgpcode.Str8, c == msgpcode.Str16, c == msgpcode.Str32:
		return d.stringValue(start)
	case c == msgpcode.Bin8, c == msgpcode.Bin16, c == msgpcode.Bin32:
		v, err = d.binValue()
	case msgpcode.IsExt(c):
		return d.extValue(start)
	case c == msgpcode.Nil:
		err = d.dec.DecodeNil()
	case c == msgpcode.False, c == msgpcode.True:
		v, err = d.dec.DecodeBool()
	case c == msgpcode.Float, c == msgpcode.Double:
		// float32 is widened
		v, err = d.dec.DecodeFloat64()
	case c == msgpcode.Uint64:
		var u uint64
		u, err = d.dec.DecodeUint64()
		if u > math.MaxInt64 {
			v = u
		} else {
			v = int64(u)
		}
	case c == msgpcode.Uint8, c == msgpcode.Uint16, c == msgpcode.Uint32,
		c == msgpcode.Int8, c == msgpcode.Int16, c == msgpcode.Int32, c == msgpcode.Int64:
		v, err = d.dec.DecodeInt64()
	default:
		return nil, d.fail(fmt.Errorf("msgpack: unknown code 0x%02x", c))
	}
	if err != nil {
		return nil, d.failAt(start, err)
	}
	return v, nil
}

func (d *decoder) binValue() ([]byte, error) {
	n, err := d.dec.DecodeBytesLen()
	if err != nil {
		return nil, err
	}
	if n > d.r.Len() {
		return nil, ErrTruncated
	}
	b := make([]byte, n)
	_, err = io.ReadFull(d.r, b)
	return b, err
}

func (d *decoder) stringValue(start int) (any, error) {
	s, err := d.dec.DecodeString()
	if err != nil {
		return nil, d.failAt(start, err)
	}
	if !utf8.ValidString(s) {
		body := d.pos() - len(s)
		off, err := utf8Failure(s)
		return nil, d.failAt(body+off, err)
	}
	return s, nil
}

// utf8Failure locates the first bad sequence in s. A rune cut off by the
// end of the string is truncation; anything else, including overlong
// forms and surrogates, is invalid.
func utf8Failure(s string) (int, error) {
	for i := 0; i < len(s); {
		r, n := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && n <= 1 {
			if !utf8.FullRuneInString(s[i:]) {
				return i, ErrTruncated
			}
			return i, ErrInvalidUTF8
		}
		i += n
	}
	return 0, ErrInvalidUTF8
}

func (d *decoder) arrayValue(start int) (any, error) {
	n, err := d.dec.DecodeArrayLen()
	if err != nil {
		return nil, d.failAt(start, err)
	}
	// every element takes at least one byte
	if n < 0 || n > d.r.Len() {
		return nil, d.fail(ErrTruncated)
	}
	d.depth++
	defer func() { d.depth-- }()
	out := make([]any, n)
	for i := range out {
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (d *decoder) mapValue(start int) (any, error) {
	n, err := d.dec.DecodeMapLen()
	if err != nil {
		return nil, d.failAt(start, err)
	}
	if n < 0 || 2*n > d.r.Len() {
		return nil, d.fail(ErrTruncated)
	}
	d.depth++
	defer func() { d.depth-- }()
	keys := make([]any, n)
	vals := make([]any, n)
	allStrings := true
	for i := 0; i < n; i++ {
		keyAt := d.pos()
		k, err := d.value()
		if err != nil {
			return nil, err
		}
		switch kk := k.(type) {
		case string:
		case []byte:
			k = string(kk)
			allStrings = false
		default:
			allStrings = false
			if k != nil && !reflect.TypeOf(k).Comparable() {
				return nil, d.failAt(keyAt, ErrBadMapKey)
			}
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		keys[i], vals[i] = k, v
	}
	if allStrings {
		m := make(map[string]any, n)
		for i, k := range keys {
			m[k.(string)] = vals[i]
		}
		return m, nil
	}
	m := make(map[any]any, n)
	for i, k := range keys {
		m[k] = vals[i]
	}
	return m, nil
}

func (d *decoder) extValue(start int) (any, error) {
	typ, n, err := d.dec.DecodeExtHeader()
	if err != nil {
		return nil, d.failAt(start, err)
	}
	if n < 0 || n > d.r.Len() {
		return nil, d.fail(ErrTruncated)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return nil, d.fail(err)
	}
	if typ == timestampExt {
		t, err := decodeTimestamp(data)
		if err != nil {
			return nil, d.failAt(start, err)
		}
		return t, nil
	}
	return Ext{Type: typ, Data: data}, nil
}
