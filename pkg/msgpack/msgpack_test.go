package msgpack

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"true", true, true},
		{"false", false, false},
		{"small int", 5, int64(5)},
		{"negative int", -1000, int64(-1000)},
		{"max safe int", int64(maxSafeInteger), int64(maxSafeInteger)},
		{"min int64", int64(math.MinInt64), int64(math.MinInt64)},
		{"big uint", uint64(math.MaxUint64), uint64(math.MaxUint64)},
		{"float", 3.25, 3.25},
		{"integral float", 42.0, int64(42)},
		{"string", "hello", "hello"},
		{"utf8 string", "héllo wörld ✓ 🤖", "héllo wörld ✓ 🤖"},
		{"empty string", "", ""},
		{"binary", []byte{0, 1, 2, 255}, []byte{0, 1, 2, 255}},
		{"array", []any{1, "two", 3.5, nil}, []any{int64(1), "two", 3.5, nil}},
		{"typed slice", []string{"a", "b"}, []any{"a", "b"}},
		{"map", map[string]any{"a": 1, "b": []any{true}}, map[string]any{"a": int64(1), "b": []any{true}}},
		{
			"nested",
			map[string]any{"x": map[string]any{"y": []any{map[string]any{"z": "deep"}}}},
			map[string]any{"x": map[string]any{"y": []any{map[string]any{"z": "deep"}}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Serialize(tt.in, EncodeOptions{})
			require.NoError(t, err)
			got, err := Deserialize(b, DecodeOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIntegerWidth(t *testing.T) {
	tests := []struct {
		in   int64
		want []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7f}},
		{128, []byte{0xcc, 0x80}},
		{255, []byte{0xcc, 0xff}},
		{256, []byte{0xcd, 0x01, 0x00}},
		{65535, []byte{0xcd, 0xff, 0xff}},
		{65536, []byte{0xce, 0x00, 0x01, 0x00, 0x00}},
		{-1, []byte{0xff}},
		{-32, []byte{0xe0}},
		{-33, []byte{0xd0, 0xdf}},
		{-128, []byte{0xd0, 0x80}},
		{-129, []byte{0xd1, 0xff, 0x7f}},
	}

	for _, tt := range tests {
		b, err := Serialize(tt.in, EncodeOptions{})
		require.NoError(t, err)
		assert.Equal(t, tt.want, b, "Serialize(%d)", tt.in)
	}

	b, err := Serialize(int64(1)<<40, EncodeOptions{})
	require.NoError(t, err)
	assert.Len(t, b, 9)
}

func TestTypeHint(t *testing.T) {
	b, err := Serialize(2, EncodeOptions{TypeHint: HintDouble})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xcb, 0x40, 0, 0, 0, 0, 0, 0, 0}, b)

	b, err = Serialize(1.5, EncodeOptions{TypeHint: HintFloat})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xca, 0x3f, 0xc0, 0, 0}, b)

	b, err = Serialize(7.9, EncodeOptions{TypeHint: HintInt})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x07}, b)

	// hints apply to array elements too
	b, err = Serialize([]float64{1, 2}, EncodeOptions{TypeHint: HintDouble})
	require.NoError(t, err)
	assert.Len(t, b, 1+9+9)
}

func TestMultiple(t *testing.T) {
	b, err := Serialize([]any{1, "a", nil}, EncodeOptions{Multiple: true})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xa1, 'a', 0xc0}, b)

	got, err := Deserialize(b, DecodeOptions{Multiple: true})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), "a", nil}, got)

	// without Multiple only the first value is decoded
	got, err = Deserialize(b, DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	_, err = Serialize(42, EncodeOptions{Multiple: true})
	assert.ErrorIs(t, err, ErrUnencodableType)
}

func TestInvalidTypeReplacement(t *testing.T) {
	fn := func() {}

	_, err := Serialize([]any{1, fn}, EncodeOptions{})
	assert.ErrorIs(t, err, ErrUnencodableType)

	b, err := Serialize([]any{1, fn}, EncodeOptions{InvalidTypeReplacement: "?"})
	require.NoError(t, err)
	got, err := Deserialize(b, DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), "?"}, got)

	b, err = Serialize(struct{ A int }{1}, EncodeOptions{
		InvalidTypeReplacement: func(v any) any { return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc0}, b)

	// a replacement that is itself unencodable still fails
	_, err = Serialize(fn, EncodeOptions{InvalidTypeReplacement: func(v any) any { return v }})
	assert.ErrorIs(t, err, ErrUnencodableType)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"reserved", []byte{0xc1}, ErrReservedByte},
		{"reserved in array", []byte{0x92, 0x01, 0xc1}, ErrReservedByte},
		{"short uint16", []byte{0xcd, 0x01}, ErrTruncated},
		{"short fixstr", []byte{0xa3, 'a', 'b'}, ErrTruncated},
		{"short str8 header", []byte{0xd9}, ErrTruncated},
		{"short array16 header", []byte{0xdc, 0x00}, ErrTruncated},
		{"array longer than input", []byte{0xdd, 0xff, 0xff, 0xff, 0xff, 0x01}, ErrTruncated},
		{"short map", []byte{0x81, 0xa1, 'k'}, ErrTruncated},
		{"utf8 cut by string end", []byte{0xa1, 0xc3}, ErrTruncated},
		{"bad continuation", []byte{0xa2, 0xc3, 0x28}, ErrInvalidUTF8},
		{"lone continuation", []byte{0xa1, 0x80}, ErrInvalidUTF8},
		{"overlong nul", []byte{0xa2, 0xc0, 0x80}, ErrInvalidUTF8},
		{"surrogate half", []byte{0xa3, 0xed, 0xa0, 0x80}, ErrInvalidUTF8},
		{"lead byte past U+10FFFF", []byte{0xa4, 0xf5, 0x80, 0x80, 0x80}, ErrInvalidUTF8},
		{"four byte rune cut", []byte{0xa2, 0xf0, 0x9f}, ErrTruncated},
		{"bad timestamp length", []byte{0xd5, 0xff, 0x00, 0x00}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Deserialize(tt.in, DecodeOptions{})
			require.Error(t, err)
			var de *DecodeError
			assert.True(t, errors.As(err, &de))
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestDecodeErrorOffset(t *testing.T) {
	_, err := Deserialize([]byte{0x92, 0x01, 0xa3, 'a', 0xe2, 0x82}, DecodeOptions{})
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Equal(t, 4, de.Offset)

	_, err = Deserialize([]byte{0x92, 0x01, 0xa3, 'a', 0xc0, 0x80}, DecodeOptions{})
	require.True(t, errors.As(err, &de))
	assert.ErrorIs(t, err, ErrInvalidUTF8)
	assert.Equal(t, 4, de.Offset)
}

func TestEncodeCycle(t *testing.T) {
	list := []any{nil}
	list[0] = list
	_, err := Serialize(list, EncodeOptions{})
	assert.ErrorIs(t, err, ErrTooDeep)

	m := map[string]any{}
	m["self"] = m
	_, err = Serialize(m, EncodeOptions{})
	assert.ErrorIs(t, err, ErrTooDeep)

	var box any
	box = &box
	_, err = Serialize(box, EncodeOptions{})
	assert.ErrorIs(t, err, ErrTooDeep)

	deep := any(int64(1))
	for i := 0; i < maxDepth-1; i++ {
		deep = []any{deep}
	}
	_, err = Serialize(deep, EncodeOptions{})
	assert.NoError(t, err)
}

func TestTimestamp(t *testing.T) {
	// 32-bit form
	got, err := Deserialize([]byte{0xd6, 0xff, 0x00, 0x00, 0x00, 0x64}, DecodeOptions{})
	require.NoError(t, err)
	assert.True(t, time.Unix(100, 0).Equal(got.(time.Time)))

	// 96-bit form used for server timestamps
	in := []byte{0xc7, 0x0c, 0xff,
		0x00, 0x00, 0x01, 0xf4, // 500 ns
		0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, // 1<<34 s
	}
	got, err = Deserialize(in, DecodeOptions{})
	require.NoError(t, err)
	assert.True(t, time.Unix(1<<34, 500).Equal(got.(time.Time)))

	for _, ts := range []time.Time{
		time.Unix(1_700_000_000, 0),
		time.Unix(1_700_000_000, 123_456_789),
		time.Unix(-5, 10),
		time.Unix(1<<35, 1),
	} {
		b, err := Serialize(ts, EncodeOptions{})
		require.NoError(t, err)
		got, err := Deserialize(b, DecodeOptions{})
		require.NoError(t, err)
		assert.True(t, ts.Equal(got.(time.Time)), "round trip %v got %v", ts, got)
	}
}

func TestExt(t *testing.T) {
	b, err := Serialize(Ext{Type: 7, Data: []byte{1, 2, 3}}, EncodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc7, 0x03, 0x07, 1, 2, 3}, b)

	got, err := Deserialize(b, DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, Ext{Type: 7, Data: []byte{1, 2, 3}}, got)
}

func TestNonStringMapKeys(t *testing.T) {
	b, err := Serialize(map[int]string{1: "one"}, EncodeOptions{})
	require.NoError(t, err)
	got, err := Deserialize(b, DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[any]any{int64(1): "one"}, got)
}
