// Package avltest builds AVL data blocks and TCP frames for tests.
package avltest

import (
	"encoding/binary"

	"avl-ingest/internal/codec"
)

// IO is a fixed-width IO element. Width must be 1, 2, 4 or 8.
type IO struct {
	ID    uint8
	Width int
	Val   uint64
}

// VarIO is an element of the extended codec's variable-length tier.
type VarIO struct {
	ID  uint8
	Val []byte
}

// Record describes one AVL record to encode.
type Record struct {
	TimestampMs uint64
	Priority    uint8
	Lon, Lat    int32
	Altitude    int16
	Angle       uint16
	Satellites  uint8
	Speed       uint16
	EventID     uint8
	TotalIO     uint8
	IO          []IO
	VarIO       []VarIO
}

// Encode serializes r. The variable tier is written only when extended is set.
func (r Record) Encode(extended bool) []byte {
	b := binary.BigEndian.AppendUint64(nil, r.TimestampMs)
	b = append(b, r.Priority)
	b = binary.BigEndian.AppendUint32(b, uint32(r.Lon))
	b = binary.BigEndian.AppendUint32(b, uint32(r.Lat))
	b = binary.BigEndian.AppendUint16(b, uint16(r.Altitude))
	b = binary.BigEndian.AppendUint16(b, r.Angle)
	b = append(b, r.Satellites)
	b = binary.BigEndian.AppendUint16(b, r.Speed)
	b = append(b, r.EventID, r.TotalIO)
	for _, width := range []int{1, 2, 4, 8} {
		var tier []IO
		for _, io := range r.IO {
			if io.Width == width {
				tier = append(tier, io)
			}
		}
		b = append(b, byte(len(tier)))
		for _, io := range tier {
			b = append(b, io.ID)
			switch width {
			case 1:
				b = append(b, byte(io.Val))
			case 2:
				b = binary.BigEndian.AppendUint16(b, uint16(io.Val))
			case 4:
				b = binary.BigEndian.AppendUint32(b, uint32(io.Val))
			case 8:
				b = binary.BigEndian.AppendUint64(b, io.Val)
			}
		}
	}
	if extended {
		b = append(b, byte(len(r.VarIO)))
		for _, v := range r.VarIO {
			b = append(b, v.ID, byte(len(v.Val)))
			b = append(b, v.Val...)
		}
	}
	return b
}

// Block assembles a data block: codec id, declared count, the encoded
// records, and a trailing count byte equal to declared.
func Block(codecID, declared uint8, recs ...Record) []byte {
	b := BlockNoTrailer(codecID, declared, recs...)
	return append(b, declared)
}

// BlockNoTrailer is Block without the trailing count byte.
func BlockNoTrailer(codecID, declared uint8, recs ...Record) []byte {
	b := []byte{codecID, declared}
	for _, r := range recs {
		b = append(b, r.Encode(codecID == codec.Codec8Extended)...)
	}
	return b
}

// Frame wraps a data block as sent on the wire: zero preamble, length, data
// and a CRC-16/IBM in a 4-byte field.
func Frame(data []byte) []byte {
	return FrameWithCRC(data, uint32(codec.CRC16(data)))
}

func FrameWithCRC(data []byte, crc uint32) []byte {
	b := make([]byte, 4, 12+len(data))
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	b = append(b, data...)
	return binary.BigEndian.AppendUint32(b, crc)
}

// Handshake encodes the IMEI announcement.
func Handshake(imei string) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(len(imei)))
	return append(b, imei...)
}
