package codec

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
	ErrTruncatedPayload = errors.New("truncated payload")
)

// MinBlockLen is the shortest data block that can carry a record. Shorter
// blocks decode to nothing.
const MinBlockLen = 12

var ioTierSizes = [...]int{1, 2, 4, 8}

// Supported reports whether id is one of the accepted codec ids.
func Supported(id uint8) bool {
	switch id {
	case Codec8, Codec12, Codec16, Codec18, Codec8Extended:
		return true
	}
	return false
}

// cursor walks a data block. Every read is bounds checked.
type cursor struct {
	data []byte
	off  int
}

// safeRead returns the next n bytes or ErrTruncatedPayload.
func (c *cursor) safeRead(n int) ([]byte, error) {
	if c.off+n > len(c.data) {
		return nil, fmt.Errorf("%w: tried to read %d bytes at offset %d (len=%d)", ErrTruncatedPayload, n, c.off, len(c.data))
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) u8() (uint8, error) {
	b, err := c.safeRead(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.safeRead(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.safeRead(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// u64 joins two big-endian 32-bit halves.
func (c *cursor) u64() (uint64, error) {
	hi, err := c.u32()
	if err != nil {
		return 0, err
	}
	lo, err := c.u32()
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

func (c *cursor) done() bool { return c.off >= len(c.data) }

// Decode parses an AVL data block (codec id through the last record) into
// records. On ErrTruncatedPayload the records parsed before the fault are
// returned with the error.
func Decode(data []byte) ([]Record, error) {
	blk, err := DecodeBlock(data)
	return blk.Records, err
}

// DecodeBlock is Decode with the block header and truncation flag exposed.
func DecodeBlock(data []byte) (Block, error) {
	var blk Block
	if len(data) < MinBlockLen {
		return blk, nil
	}

	c := &cursor{data: data}
	codecID, _ := c.u8()
	if !Supported(codecID) {
		return blk, fmt.Errorf("%w: 0x%02X", ErrUnsupportedCodec, codecID)
	}
	declared, _ := c.u8()
	blk.CodecID = codecID
	blk.Declared = int(declared)

	for i := 0; i < blk.Declared; i++ {
		if c.done() {
			blk.Truncated = true
			break
		}
		rec, ok, err := parseRecord(c, codecID)
		if err != nil {
			blk.Truncated = true
			return blk, fmt.Errorf("record %d: %w", i, err)
		}
		if !ok {
			blk.Truncated = true
			break
		}
		blk.Records = append(blk.Records, rec)
	}
	return blk, nil
}

// parseRecord reads one record. ok is false when the block ran out exactly
// where the extended variable tier should begin; the record is then dropped.
func parseRecord(c *cursor, codecID uint8) (Record, bool, error) {
	var rec Record
	start := c.off

	ts, err := c.u64()
	if err != nil {
		return rec, false, err
	}
	rec.Timestamp = time.UnixMilli(int64(ts)).UTC()

	prio, err := c.u8()
	if err != nil {
		return rec, false, err
	}
	rec.Priority = int(prio)

	lon, err := c.u32()
	if err != nil {
		return rec, false, err
	}
	lat, err := c.u32()
	if err != nil {
		return rec, false, err
	}
	alt, err := c.u16()
	if err != nil {
		return rec, false, err
	}
	angle, err := c.u16()
	if err != nil {
		return rec, false, err
	}
	sats, err := c.u8()
	if err != nil {
		return rec, false, err
	}
	speed, err := c.u16()
	if err != nil {
		return rec, false, err
	}
	rec.GPS = GPSData{
		Longitude:  float64(int32(lon)) / 1e7,
		Latitude:   float64(int32(lat)) / 1e7,
		Altitude:   int(int16(alt)),
		Angle:      int(angle),
		Satellites: int(sats),
		Speed:      int(speed),
	}

	event, err := c.u8()
	if err != nil {
		return rec, false, err
	}
	total, err := c.u8()
	if err != nil {
		return rec, false, err
	}
	rec.EventIOID = int(event)
	rec.IO = IOElements{Total: int(total), Values: make(map[uint8]IOValue)}

	for _, size := range ioTierSizes {
		// a block that ends before a tier's count byte carries no more tiers
		if c.done() {
			break
		}
		if err := readTier(c, size, rec.IO.Values); err != nil {
			return rec, false, err
		}
	}

	if codecID == Codec8Extended {
		if c.done() {
			return rec, false, nil
		}
		if err := readVariableTier(c, rec.IO.Values); err != nil {
			return rec, false, err
		}
	}

	rec.RawHex = hex.EncodeToString(c.data[start:c.off])
	return rec, true, nil
}

func readTier(c *cursor, size int, into map[uint8]IOValue) error {
	count, err := c.u8()
	if err != nil {
		return err
	}
	for j := 0; j < int(count); j++ {
		item, err := c.safeRead(1 + size)
		if err != nil {
			return err
		}
		val := item[1:]
		var v uint64
		switch size {
		case 1:
			v = uint64(val[0])
		case 2:
			v = uint64(binary.BigEndian.Uint16(val))
		case 4:
			v = uint64(binary.BigEndian.Uint32(val))
		case 8:
			v = uint64(binary.BigEndian.Uint32(val[:4]))<<32 | uint64(binary.BigEndian.Uint32(val[4:]))
		}
		into[item[0]] = Numeric(v)
	}
	return nil
}

func readVariableTier(c *cursor, into map[uint8]IOValue) error {
	count, err := c.u8()
	if err != nil {
		return err
	}
	for j := 0; j < int(count); j++ {
		hdr, err := c.safeRead(2)
		if err != nil {
			return err
		}
		id, n := hdr[0], int(hdr[1])
		b, err := c.safeRead(n)
		if err != nil {
			return err
		}
		raw := make([]byte, n)
		copy(raw, b)
		into[id] = Raw(raw)
	}
	return nil
}
