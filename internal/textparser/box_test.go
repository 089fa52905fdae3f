package textparser

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeBox builds one ISO BMFF box: 4-byte size, 4-byte fourcc, payload.
func encodeBox(fourcc string, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(8+len(payload)))
	copy(out[4:8], fourcc)
	copy(out[8:], payload)
	return out
}

func TestWalkBoxes_TopLevel(t *testing.T) {
	data := append(encodeBox("ftyp", []byte("isom")), encodeBox("moov", []byte("x"))...)
	boxes, err := walkBoxes(data)
	require.NoError(t, err)
	require.Len(t, boxes, 2)
	assert.Equal(t, "ftyp", boxes[0].Type)
	assert.Equal(t, "moov", boxes[1].Type)
}

func TestWalkBoxes_TruncatedHeader(t *testing.T) {
	_, err := walkBoxes([]byte{0, 0, 0})
	assert.Error(t, err)
}

func TestWalkBoxes_SizeExceedsBuffer(t *testing.T) {
	bad := []byte{0, 0, 0, 100, 'm', 'o', 'o', 'v'}
	_, err := walkBoxes(bad)
	assert.Error(t, err)
}

func TestFindBox(t *testing.T) {
	boxes, err := walkBoxes(encodeBox("mdhd", []byte("data")))
	require.NoError(t, err)
	payload, ok := findBox(boxes, "mdhd")
	require.True(t, ok)
	assert.Equal(t, []byte("data"), payload)

	_, ok = findBox(boxes, "stsd")
	assert.False(t, ok)
}

func TestTrackFragmentBaseTime(t *testing.T) {
	tfdt := make([]byte, 8)
	tfdt[0] = 0 // version 0
	binary.BigEndian.PutUint32(tfdt[4:8], 12345)

	traf := encodeBox("traf", encodeBox("tfdt", tfdt))
	moof := encodeBox("moof", traf)

	// trackFragmentBaseTime takes the moof payload, after its 8-byte header.
	baseTime, err := trackFragmentBaseTime(moof[8:])
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), baseTime)
}

func TestTrackFragmentBaseTime_MissingTraf(t *testing.T) {
	moof := encodeBox("moof", []byte{})
	_, err := trackFragmentBaseTime(moof)
	assert.Error(t, err)
}
