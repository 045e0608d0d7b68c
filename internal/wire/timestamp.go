package wire

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Timestamp is the v12 wire representation of a point in time: UNIX
// seconds as a JSON/MessagePack number, possibly fractional.
type Timestamp struct {
	time.Time
}

// Unix seconds with nanosecond precision.
func (t Timestamp) seconds() float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromSeconds(sec float64) Timestamp {
	s, frac := math.Modf(sec)
	return Timestamp{time.Unix(int64(s), int64(frac*float64(time.Second)))}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(t.seconds(), 'f', -1, 64)), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	sec, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*t = fromSeconds(sec)
	return nil
}

var (
	_ msgpack.CustomEncoder = (*Timestamp)(nil)
	_ msgpack.CustomDecoder = (*Timestamp)(nil)
)

func (t Timestamp) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeFloat64(t.seconds())
}

func (t *Timestamp) DecodeMsgpack(dec *msgpack.Decoder) error {
	sec, err := dec.DecodeFloat64()
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*t = fromSeconds(sec)
	return nil
}
