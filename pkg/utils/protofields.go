package utils

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// ProtoField is one decoded field of a protobuf message whose schema is
// unknown. Value holds a uint64 for varints, a float64 guess for fixed64,
// a float32 guess for fixed32, and the raw bytes for length delimited data.
type ProtoField struct {
	Number protowire.Number
	Type   protowire.Type
	Value  any
}

// DescribeProto walks the top level fields of b.
func DescribeProto(b []byte) ([]ProtoField, error) {
	var out []ProtoField
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return out, protowire.ParseError(n)
		}
		b = b[n:]

		f := ProtoField{Number: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return out, protowire.ParseError(n)
			}
			f.Value, b = v, b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return out, protowire.ParseError(n)
			}
			f.Value, b = math.Float64frombits(v), b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return out, protowire.ParseError(n)
			}
			f.Value, b = math.Float32frombits(v), b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return out, protowire.ParseError(n)
			}
			f.Value, b = v, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return out, protowire.ParseError(n)
			}
			b = b[n:]
		}
		out = append(out, f)
	}
	return out, nil
}

// FormatProto renders b as "{1: 0.5, 2: 3, 3: {...}}". Length delimited
// fields print as text when printable, as a nested message when they parse,
// and as hex otherwise.
func FormatProto(b []byte) string {
	var sb strings.Builder
	if err := formatProto(&sb, b, 0); err != nil {
		return fmt.Sprintf("%x", b)
	}
	return sb.String()
}

func formatProto(sb *strings.Builder, b []byte, depth int) error {
	fields, err := DescribeProto(b)
	if err != nil {
		return err
	}
	sb.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(sb, "%d: ", f.Number)
		switch v := f.Value.(type) {
		case []byte:
			var nested strings.Builder
			switch {
			case printable(v):
				fmt.Fprintf(sb, "%q", v)
			case depth < 8 && formatProto(&nested, v, depth+1) == nil:
				sb.WriteString(nested.String())
			default:
				fmt.Fprintf(sb, "0x%x", v)
			}
		case nil:
			sb.WriteString("group")
		default:
			fmt.Fprint(sb, v)
		}
	}
	sb.WriteByte('}')
	return nil
}

func printable(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
