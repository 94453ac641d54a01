package nt4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func xyzStore() *LogStore {
	l := NewLogStore()
	l.Append("p", 0, "x")
	l.Append("p", 10, "y")
	l.Append("p", 20, "z")
	return l
}

func TestSectionIndexOf(t *testing.T) {
	l := xyzStore()
	tests := []struct {
		ts   int64
		want int
	}{
		{-1, -1},
		{0, 0},
		{9, 0},
		{10, 1},
		{19, 1},
		{20, 2},
		{25, 2},
	}
	for _, tt := range tests {
		got, ok := l.SectionIndexOf("p", tt.ts)
		require.True(t, ok)
		assert.Equal(t, tt.want, got, "ts=%d", tt.ts)
	}

	_, ok := l.SectionIndexOf("missing", 5)
	assert.False(t, ok)
}

func TestValueAt(t *testing.T) {
	l := xyzStore()
	_, ok := l.ValueAt("p", -1)
	assert.False(t, ok)

	v, ok := l.ValueAt("p", 9)
	require.True(t, ok)
	assert.Equal(t, "x", v)

	v, _ = l.ValueAt("p", 25)
	assert.Equal(t, "z", v)
}

func TestRange(t *testing.T) {
	l := xyzStore()

	got, ok := l.Range("p", -5, 25)
	require.True(t, ok)
	assert.Equal(t, []Sample{{0, "x"}, {10, "y"}, {20, "z"}}, got)

	got, _ = l.Range("p", 0, 20)
	assert.Equal(t, []Sample{{10, "y"}, {20, "z"}}, got)

	got, _ = l.Range("p", 5, 15)
	assert.Equal(t, []Sample{{10, "y"}}, got)

	got, _ = l.Range("p", 20, 0)
	assert.Empty(t, got)

	// the result is a copy
	got, _ = l.Range("p", -5, 25)
	got[0].V = "changed"
	v, _ := l.ValueAt("p", 0)
	assert.Equal(t, "x", v)

	_, ok = l.Range("missing", 0, 1)
	assert.False(t, ok)
}

func TestAppendOutOfOrder(t *testing.T) {
	l := NewLogStore()
	assert.True(t, l.Append("p", 10, 1))
	assert.True(t, l.Append("p", 10, 2))
	assert.False(t, l.Append("p", 5, 3))
	assert.Equal(t, 1, l.OutOfOrder())

	n, _ := l.Len("p")
	assert.Equal(t, 3, n)
}

func TestEnsureAndPaths(t *testing.T) {
	l := NewLogStore()
	l.Ensure("b")
	l.Ensure("a")
	l.Append("b", 1, true)
	l.Ensure("b")

	assert.Equal(t, []string{"a", "b"}, l.Paths())
	n, ok := l.Len("a")
	assert.True(t, ok)
	assert.Zero(t, n)
	n, _ = l.Len("b")
	assert.Equal(t, 1, n)
}
