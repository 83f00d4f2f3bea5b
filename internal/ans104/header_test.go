package ans104

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func headerItem(seed string, size int64) HeaderItem {
	return HeaderItem{RawID: sha256.Sum256([]byte(seed)), Size: size}
}

func TestHeaderRoundTrip(t *testing.T) {
	items := []HeaderItem{
		headerItem("t1", 10),
		headerItem("t2", 25),
		headerItem("t3", 7),
	}

	buf := AssembleHeader(items)
	require.Equal(t, HeaderSize(3), int64(len(buf)))

	parsed, err := ParseHeader(buf)
	require.NoError(t, err)
	require.Len(t, parsed, 3)

	headerLen := HeaderSize(3)
	wantOffsets := []int64{headerLen, headerLen + 10, headerLen + 35}
	for i, item := range items {
		assert.Equal(t, base64.RawURLEncoding.EncodeToString(item.RawID[:]), parsed[i].ID)
		assert.Equal(t, item.Size, parsed[i].Size)
		assert.Equal(t, wantOffsets[i], parsed[i].DataOffset)
	}
}

func TestHeaderThreeSmallItems(t *testing.T) {
	// 3 items of 10 bytes: 32 + 3*64 header plus 30 payload bytes = 254.
	items := []HeaderItem{
		headerItem("t1", 10),
		headerItem("t2", 10),
		headerItem("t3", 10),
	}
	assert.Equal(t, int64(224), HeaderSize(3))
	assert.Equal(t, int64(254), TotalBundleSize(items))
}

func TestHeaderEmpty(t *testing.T) {
	buf := AssembleHeader(nil)
	require.Equal(t, int64(CountSize), int64(len(buf)))

	parsed, err := ParseHeader(buf)
	require.NoError(t, err)
	assert.Empty(t, parsed)
}

func TestParseHeaderTruncated(t *testing.T) {
	items := []HeaderItem{headerItem("t1", 10)}
	buf := AssembleHeader(items)

	_, err := ParseHeader(buf[:len(buf)-1])
	assert.Error(t, err)

	_, err = ParseHeader(buf[:8])
	assert.Error(t, err)
}

func TestParseHeaderRejectsAbsurdCount(t *testing.T) {
	buf := make([]byte, CountSize+EntrySize)

	binary.LittleEndian.PutUint64(buf[:8], 1<<40)
	_, err := ParseHeader(buf)
	assert.Error(t, err)

	// A count this large would overflow the header-size arithmetic if it
	// were trusted before the bound check.
	binary.LittleEndian.PutUint64(buf[:8], math.MaxUint64/EntrySize+1)
	_, err = ParseHeader(buf)
	assert.Error(t, err)
}

func TestParseHeaderIgnoresTrailingPayload(t *testing.T) {
	items := []HeaderItem{headerItem("t1", 4)}
	buf := append(AssembleHeader(items), []byte("data")...)

	parsed, err := ParseHeader(buf)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, int64(4), parsed[0].Size)
	assert.Equal(t, HeaderSize(1), parsed[0].DataOffset)
}
