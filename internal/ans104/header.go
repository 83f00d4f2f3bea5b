// Package ans104 implements the ANS-104 bundle header layout: a 32-byte
// little-endian item count, then per item a 32-byte little-endian size and
// the 32-byte raw data item id, followed by the concatenated item payloads.
package ans104

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

const (
	// EntrySize is the per-item header entry: 32-byte size + 32-byte id.
	EntrySize = 64
	// CountSize is the leading item-count field.
	CountSize = 32
	rawIDSize = 32
)

// HeaderItem describes one data item's entry in a bundle header.
type HeaderItem struct {
	// RawID is the 32-byte SHA-256 of the item's signature.
	RawID [32]byte
	// Size is the item's byte count.
	Size int64
}

// ItemInfo is a parsed header entry with its payload offset within the
// bundle.
type ItemInfo struct {
	// ID is the URL-safe unpadded base64 encoding of the raw id.
	ID string
	// Size is the item's byte count.
	Size int64
	// DataOffset is the byte offset of the item's payload within the
	// bundle (header included).
	DataOffset int64
}

// HeaderSize returns the byte length of a header for n items.
func HeaderSize(n int) int64 {
	return CountSize + EntrySize*int64(n)
}

// TotalBundleSize returns the full bundle size for the given items.
func TotalBundleSize(items []HeaderItem) int64 {
	total := HeaderSize(len(items))
	for _, item := range items {
		total += item.Size
	}
	return total
}

// AssembleHeader serializes the bundle header for the given items in order.
func AssembleHeader(items []HeaderItem) []byte {
	buf := make([]byte, HeaderSize(len(items)))
	putLittleEndian(buf[:CountSize], uint64(len(items)))

	offset := CountSize
	for _, item := range items {
		putLittleEndian(buf[offset:offset+rawIDSize], uint64(item.Size))
		copy(buf[offset+rawIDSize:offset+EntrySize], item.RawID[:])
		offset += EntrySize
	}
	return buf
}

// ParseHeader decodes a bundle header and computes each item's payload
// offset. The buffer must contain at least the complete header; trailing
// payload bytes are ignored.
func ParseHeader(buf []byte) ([]ItemInfo, error) {
	if len(buf) < CountSize {
		return nil, fmt.Errorf("header too short: %d bytes", len(buf))
	}
	count, ok := getLittleEndian(buf[:CountSize])
	if !ok {
		return nil, fmt.Errorf("item count exceeds uint64")
	}
	// Bound the count by what the buffer could hold before sizing anything
	// from it; a corrupt count must not drive the allocation below.
	if count > uint64(len(buf)-CountSize)/EntrySize {
		return nil, fmt.Errorf("header truncated: %d bytes cannot hold %d items", len(buf), count)
	}

	items := make([]ItemInfo, 0, count)
	dataOffset := HeaderSize(int(count))
	offset := int64(CountSize)
	for i := uint64(0); i < count; i++ {
		size, ok := getLittleEndian(buf[offset : offset+rawIDSize])
		if !ok {
			return nil, fmt.Errorf("item %d: size exceeds uint64", i)
		}
		items = append(items, ItemInfo{
			ID:         base64.RawURLEncoding.EncodeToString(buf[offset+rawIDSize : offset+EntrySize]),
			Size:       int64(size),
			DataOffset: dataOffset,
		})
		dataOffset += int64(size)
		offset += EntrySize
	}
	return items, nil
}

// putLittleEndian writes v into the low 8 bytes of a zeroed 32-byte field.
func putLittleEndian(field []byte, v uint64) {
	binary.LittleEndian.PutUint64(field[:8], v)
}

// getLittleEndian reads a 32-byte little-endian field, rejecting values
// wider than 64 bits.
func getLittleEndian(field []byte) (uint64, bool) {
	for _, b := range field[8:] {
		if b != 0 {
			return 0, false
		}
	}
	return binary.LittleEndian.Uint64(field[:8]), true
}
