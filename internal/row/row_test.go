package row

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWALRoundTrip(t *testing.T) {
	rows := []*Row{
		{Seq: 1, Kind: Put, Key: []byte("a"), Value: []byte("1"), Ts: 100},
		{Seq: 2, Kind: Put, Key: []byte("b"), Value: []byte("2"), Ts: 101},
		{Seq: 3, Kind: Delete, Key: []byte("a"), Ts: 102},
		{Seq: 4, Kind: Put, Key: []byte("c"), Value: []byte(""), Ts: 103},
	}

	var buf []byte
	for _, r := range rows {
		buf = EncodeWAL(buf, r)
	}

	decoded, err := DecodeWALAll(buf)
	require.NoError(t, err)
	require.Len(t, decoded, len(rows))
	for i := range rows {
		require.True(t, Equal(rows[i], decoded[i]), "row %d mismatch: %+v vs %+v", i, rows[i], decoded[i])
	}
}

func TestDecodeWALTruncated(t *testing.T) {
	r := &Row{Seq: 1, Kind: Put, Key: []byte("a"), Value: []byte("1"), Ts: 100}
	buf := EncodeWAL(nil, r)

	_, err := DecodeWALAll(buf[:len(buf)-3])
	require.Error(t, err)
}

func TestSSTEntryRoundTrip(t *testing.T) {
	var buf []byte
	buf, err := EncodeSSTEntry(buf, []byte("hello"), []byte("world"))
	require.NoError(t, err)

	key, value, rest, err := DecodeSSTEntry(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(key))
	require.Equal(t, "world", string(value))
	require.Empty(t, rest)
}

func TestSSTIndexEntryRoundTrip(t *testing.T) {
	var buf []byte
	buf, err := EncodeSSTIndexEntry(buf, []byte("k1"), 1234)
	require.NoError(t, err)

	key, offset, rest, err := DecodeSSTIndexEntry(buf)
	require.NoError(t, err)
	require.Equal(t, "k1", string(key))
	require.EqualValues(t, 1234, offset)
	require.Empty(t, rest)
}
