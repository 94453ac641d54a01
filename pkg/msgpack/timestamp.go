package msgpack

import (
	"encoding/binary"
	"fmt"
	"time"
)

const timestampExt int8 = -1

// timestampData returns the ext payload for t in the smallest of the 32, 64
// and 96 bit forms.
func timestampData(t time.Time) []byte {
	sec := t.Unix()
	nsec := int64(t.Nanosecond())
	if sec>>34 == 0 {
		data64 := uint64(nsec)<<34 | uint64(sec)
		if data64&0xffffffff00000000 == 0 {
			return binary.BigEndian.AppendUint32(nil, uint32(data64))
		}
		return binary.BigEndian.AppendUint64(nil, data64)
	}
	data := binary.BigEndian.AppendUint32(make([]byte, 0, 12), uint32(nsec))
	return binary.BigEndian.AppendUint64(data, uint64(sec))
}

func decodeTimestamp(data []byte) (time.Time, error) {
	switch len(data) {
	case 4:
		return time.Unix(int64(binary.BigEndian.Uint32(data)), 0).UTC(), nil
	case 8:
		v := binary.BigEndian.Uint64(data)
		return time.Unix(int64(v&(1<<34-1)), int64(v>>34)).UTC(), nil
	case 12:
		nsec := binary.BigEndian.Uint32(data[:4])
		sec := int64(binary.BigEndian.Uint64(data[4:]))
		return time.Unix(sec, int64(nsec)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("msgpack: invalid timestamp length %d", len(data))
}
