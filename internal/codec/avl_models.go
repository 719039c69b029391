package codec

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Supported codec ids.
const (
	Codec8         uint8 = 0x08
	Codec12        uint8 = 0x0C
	Codec16        uint8 = 0x10
	Codec18        uint8 = 0x12
	Codec8Extended uint8 = 0x8E
)

// IOKind tags the representation held by an IOValue.
type IOKind uint8

const (
	IONumeric IOKind = iota
	IORaw
)

// IOValue is a single IO element value: either a number read from one of the
// fixed-width tiers or an uninterpreted byte string from the variable tier.
type IOValue struct {
	Kind   IOKind
	Val    uint64
	Length int
	Raw    []byte
}

func Numeric(v uint64) IOValue { return IOValue{Kind: IONumeric, Val: v} }

func Raw(b []byte) IOValue {
	return IOValue{Kind: IORaw, Length: len(b), Raw: b}
}

func (v IOValue) Hex() string { return hex.EncodeToString(v.Raw) }

type rawIO struct {
	Length int    `json:"length"`
	Hex    string `json:"hex"`
}

// MarshalJSON writes numeric values as plain numbers and raw values as
// {"length":n,"hex":"..."}.
func (v IOValue) MarshalJSON() ([]byte, error) {
	if v.Kind == IORaw {
		return json.Marshal(rawIO{Length: v.Length, Hex: v.Hex()})
	}
	return json.Marshal(v.Val)
}

func (v *IOValue) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '{' {
		var r rawIO
		if err := json.Unmarshal(b, &r); err != nil {
			return err
		}
		raw, err := hex.DecodeString(r.Hex)
		if err != nil {
			return fmt.Errorf("io value hex: %w", err)
		}
		*v = IOValue{Kind: IORaw, Length: r.Length, Raw: raw}
		return nil
	}
	var n uint64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*v = Numeric(n)
	return nil
}

// IOElements is the per-record IO map. Total is the count the device declared,
// which is not used to bound parsing.
type IOElements struct {
	Total  int               `json:"total"`
	Values map[uint8]IOValue `json:"values"`
}

// Clone copies the value map and every raw byte slice.
func (e IOElements) Clone() IOElements {
	out := IOElements{Total: e.Total}
	if e.Values == nil {
		return out
	}
	out.Values = make(map[uint8]IOValue, len(e.Values))
	for id, v := range e.Values {
		if v.Raw != nil {
			v.Raw = append([]byte(nil), v.Raw...)
		}
		out.Values[id] = v
	}
	return out
}

type GPSData struct {
	Longitude  float64 `json:"longitude"`
	Latitude   float64 `json:"latitude"`
	Altitude   int     `json:"altitude"`
	Angle      int     `json:"angle"`
	Satellites int     `json:"satellites"`
	Speed      int     `json:"speed"`
}

// Record is one decoded AVL record.
type Record struct {
	Timestamp time.Time  `json:"timestamp"`
	Priority  int        `json:"priority"`
	GPS       GPSData    `json:"gps"`
	EventIOID int        `json:"event_io_id"`
	IO        IOElements `json:"io"`
	RawHex    string     `json:"raw_hex"`
}

// Block is the result of decoding one AVL data block.
type Block struct {
	CodecID  uint8
	Declared int
	Records  []Record
	// Truncated reports that the block ended before Declared records were read.
	Truncated bool
}
