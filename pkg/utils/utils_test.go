package utils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestPathMatcher(t *testing.T) {
	pm := NewPathMatcher([]string{"Drive", "", "/Shooter/"})
	assert.True(t, pm.Match("SmartDashboard/Drive/speed"))
	assert.True(t, pm.Match("/Shooter/rpm"))
	assert.False(t, pm.Match("Intake/state"))
	assert.Equal(t, []string{"Drive"}, pm.Matches("Drive/x"))

	all := NewPathMatcher(nil)
	assert.True(t, all.Match("anything"))
	assert.Nil(t, all.Matches("anything"))

	var nilMatcher *PathMatcher
	assert.True(t, nilMatcher.Match("x"))
}

func pose2d(x, y, theta float64) []byte {
	var translation []byte
	translation = protowire.AppendTag(translation, 1, protowire.Fixed64Type)
	translation = protowire.AppendFixed64(translation, math.Float64bits(x))
	translation = protowire.AppendTag(translation, 2, protowire.Fixed64Type)
	translation = protowire.AppendFixed64(translation, math.Float64bits(y))

	var rotation []byte
	rotation = protowire.AppendTag(rotation, 1, protowire.Fixed64Type)
	rotation = protowire.AppendFixed64(rotation, math.Float64bits(theta))

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, translation)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, rotation)
	return b
}

func TestDescribeProto(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 300)
	b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(1.5))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, "arm")

	fields, err := DescribeProto(b)
	require.NoError(t, err)
	require.Len(t, fields, 3)
	assert.Equal(t, ProtoField{Number: 1, Type: protowire.VarintType, Value: uint64(300)}, fields[0])
	assert.Equal(t, float32(1.5), fields[1].Value)
	assert.Equal(t, []byte("arm"), fields[2].Value)

	assert.Equal(t, `{1: 300, 2: 1.5, 3: "arm"}`, FormatProto(b))

	_, err = DescribeProto(b[:len(b)-1])
	assert.Error(t, err)
}

func TestFormatProtoNested(t *testing.T) {
	assert.Equal(t, "{1: {1: 1.25, 2: -3}, 2: {1: 0.5}}", FormatProto(pose2d(1.25, -3, 0.5)))
	assert.Equal(t, "{}", FormatProto(nil))
	assert.Equal(t, "ff", FormatProto([]byte{0xff}))
}
