package nt4client

import (
	"fmt"
	"math"
)

// TopicInfo is the server's description of an announced topic.
type TopicInfo struct {
	Name       string         `json:"name"`
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	PubUID     *int64         `json:"pubuid,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Handlers are invoked from the client's read goroutine, in the order the
// server sent the corresponding messages. Nil handlers are skipped.
type Handlers struct {
	OnTopicAnnounce   func(t TopicInfo)
	OnTopicUnannounce func(t TopicInfo)
	// OnTopicUpdate receives the server timestamp in microseconds.
	OnTopicUpdate func(t TopicInfo, ts int64, value any)
	OnConnect     func()
	OnDisconnect  func()
}

type SubscribeOptions struct {
	// Periodic is the requested update period in seconds.
	Periodic   float64 `json:"periodic,omitempty"`
	All        bool    `json:"all,omitempty"`
	TopicsOnly bool    `json:"topicsonly,omitempty"`
	Prefix     bool    `json:"prefix,omitempty"`
}

// Data type indices used in binary value frames.
const (
	TypeIdxBoolean      = 0
	TypeIdxDouble       = 1
	TypeIdxInt          = 2
	TypeIdxFloat        = 3
	TypeIdxString       = 4
	TypeIdxRaw          = 5
	TypeIdxBooleanArray = 16
	TypeIdxDoubleArray  = 17
	TypeIdxIntArray     = 18
	TypeIdxFloatArray   = 19
	TypeIdxStringArray  = 20
)

// TypeIndex returns the binary frame type index for an NT4 type string.
func TypeIndex(typ string) (int, bool) {
	switch typ {
	case "boolean":
		return TypeIdxBoolean, true
	case "double":
		return TypeIdxDouble, true
	case "int":
		return TypeIdxInt, true
	case "float":
		return TypeIdxFloat, true
	case "string", "json":
		return TypeIdxString, true
	case "raw", "rpc", "msgpack", "protobuf":
		return TypeIdxRaw, true
	case "boolean[]":
		return TypeIdxBooleanArray, true
	case "double[]":
		return TypeIdxDoubleArray, true
	case "int[]":
		return TypeIdxIntArray, true
	case "float[]":
		return TypeIdxFloatArray, true
	case "string[]":
		return TypeIdxStringArray, true
	}
	return 0, false
}

type message struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type subscribeParams struct {
	Topics  []string         `json:"topics"`
	SubUID  int              `json:"subuid"`
	Options SubscribeOptions `json:"options"`
}

type unsubscribeParams struct {
	SubUID int `json:"subuid"`
}

type propertiesParams struct {
	Name   string         `json:"name"`
	Ack    bool           `json:"ack,omitempty"`
	Update map[string]any `json:"update"`
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("integer %d out of range", x)
		}
		return int64(x), nil
	case float64:
		return int64(x), nil
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}
