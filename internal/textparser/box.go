package textparser

import (
	"encoding/binary"

	"github.com/jmylchreest/streamcore/internal/streaming"
)

// box is one ISO BMFF box: a 4-byte big-endian size, a 4-byte type, and a
// payload. walkBoxes never allocates a copy of the payload; callers that
// need to retain it past the walk must copy it themselves.
type box struct {
	Type    string
	Payload []byte
}

// walkBoxes splits data into top-level boxes, reading the 32-bit
// size/fourcc header pair the way fmp4_demuxer.go reads moof/mdat headers.
// A box with size==1 (64-bit extended size) is supported; size==0
// ("extends to end of file") is treated as consuming the remainder.
func walkBoxes(data []byte) ([]box, error) {
	var boxes []box
	for len(data) > 0 {
		if len(data) < 8 {
			return nil, streaming.NewTextError(streaming.CodeInvalidMP4VTT, "truncated box header", nil)
		}

		size := uint64(binary.BigEndian.Uint32(data[0:4]))
		boxType := string(data[4:8])
		headerLen := 8

		switch size {
		case 0:
			size = uint64(len(data))
		case 1:
			if len(data) < 16 {
				return nil, streaming.NewTextError(streaming.CodeInvalidMP4VTT, "truncated extended box header", nil)
			}
			size = binary.BigEndian.Uint64(data[8:16])
			headerLen = 16
		}

		if size < uint64(headerLen) || size > uint64(len(data)) {
			return nil, streaming.NewTextError(streaming.CodeInvalidMP4VTT, "box size out of range", nil)
		}

		boxes = append(boxes, box{Type: boxType, Payload: data[headerLen:size]})
		data = data[size:]
	}
	return boxes, nil
}

// findBox returns the payload of the first top-level box of the given type.
func findBox(boxes []box, boxType string) ([]byte, bool) {
	for _, b := range boxes {
		if b.Type == boxType {
			return b.Payload, true
		}
	}
	return nil, false
}

// trackFragmentBaseTime walks a moof box for the tfdt box's baseMediaDecodeTime,
// used to compute absolute cue times for MP4-embedded text samples.
func trackFragmentBaseTime(moof []byte) (uint64, error) {
	moofBoxes, err := walkBoxes(moof)
	if err != nil {
		return 0, err
	}
	traf, ok := findBox(moofBoxes, "traf")
	if !ok {
		return 0, streaming.NewTextError(streaming.CodeInvalidMP4VTT, "moof missing traf box", nil)
	}
	trafBoxes, err := walkBoxes(traf)
	if err != nil {
		return 0, err
	}
	tfdt, ok := findBox(trafBoxes, "tfdt")
	if !ok {
		return 0, streaming.NewTextError(streaming.CodeInvalidMP4VTT, "traf missing tfdt box", nil)
	}
	if len(tfdt) < 4 {
		return 0, streaming.NewTextError(streaming.CodeInvalidMP4VTT, "truncated tfdt box", nil)
	}
	version := tfdt[0]
	if version == 1 {
		if len(tfdt) < 12 {
			return 0, streaming.NewTextError(streaming.CodeInvalidMP4VTT, "truncated tfdt v1 box", nil)
		}
		return binary.BigEndian.Uint64(tfdt[4:12]), nil
	}
	if len(tfdt) < 8 {
		return 0, streaming.NewTextError(streaming.CodeInvalidMP4VTT, "truncated tfdt v0 box", nil)
	}
	return uint64(binary.BigEndian.Uint32(tfdt[4:8])), nil
}

// sampleSizesFromTrun reads per-sample sizes out of a trun box, when the
// sample-size-present flag is set; nil otherwise.
func sampleSizesFromTrun(traf []byte) ([]uint32, error) {
	trafBoxes, err := walkBoxes(traf)
	if err != nil {
		return nil, err
	}
	trun, ok := findBox(trafBoxes, "trun")
	if !ok {
		return nil, nil
	}
	if len(trun) < 8 {
		return nil, streaming.NewTextError(streaming.CodeInvalidMP4TTML, "truncated trun box", nil)
	}

	flags := uint32(trun[1])<<16 | uint32(trun[2])<<8 | uint32(trun[3])
	sampleCount := binary.BigEndian.Uint32(trun[4:8])

	const durationPresent = 0x000100
	const sizePresent = 0x000200
	const flagsPresent = 0x000400
	const cto = 0x000800

	off := 8
	if flags&0x000001 != 0 {
		off += 4
	}
	if flags&0x000004 != 0 {
		off += 4
	}

	if flags&sizePresent == 0 {
		return nil, nil
	}

	before := 0
	if flags&durationPresent != 0 {
		before++
	}
	sizeOffset := before * 4

	perSampleFields := 0
	if flags&durationPresent != 0 {
		perSampleFields++
	}
	if flags&sizePresent != 0 {
		perSampleFields++
	}
	if flags&flagsPresent != 0 {
		perSampleFields++
	}
	if flags&cto != 0 {
		perSampleFields++
	}

	sizes := make([]uint32, 0, sampleCount)
	for i := uint32(0); i < sampleCount; i++ {
		pos := off + sizeOffset
		if pos+4 > len(trun) {
			return nil, streaming.NewTextError(streaming.CodeInvalidMP4TTML, "truncated trun sample table", nil)
		}
		sizes = append(sizes, binary.BigEndian.Uint32(trun[pos:pos+4]))
		off += perSampleFields * 4
	}
	return sizes, nil
}

// sampleDurationsFromTrun reads per-sample durations out of a trun box, when
// the sample-duration-present flag is set; otherwise returns nil. Default
// durations from tfhd/mvex are not read: mp4VTTParser gives samples without
// a trun duration zero length.
func sampleDurationsFromTrun(traf []byte) ([]uint32, error) {
	trafBoxes, err := walkBoxes(traf)
	if err != nil {
		return nil, err
	}
	trun, ok := findBox(trafBoxes, "trun")
	if !ok {
		return nil, nil
	}
	if len(trun) < 8 {
		return nil, streaming.NewTextError(streaming.CodeInvalidMP4VTT, "truncated trun box", nil)
	}

	flags := uint32(trun[1])<<16 | uint32(trun[2])<<8 | uint32(trun[3])
	sampleCount := binary.BigEndian.Uint32(trun[4:8])

	const durationPresent = 0x000100
	const sizePresent = 0x000200
	const flagsPresent = 0x000400
	const cto = 0x000800

	off := 8
	if flags&0x000001 != 0 { // data-offset-present
		off += 4
	}
	if flags&0x000004 != 0 { // first-sample-flags-present
		off += 4
	}

	if flags&durationPresent == 0 {
		return nil, nil
	}

	perSampleFields := 0
	if flags&durationPresent != 0 {
		perSampleFields++
	}
	if flags&sizePresent != 0 {
		perSampleFields++
	}
	if flags&flagsPresent != 0 {
		perSampleFields++
	}
	if flags&cto != 0 {
		perSampleFields++
	}

	durations := make([]uint32, 0, sampleCount)
	for i := uint32(0); i < sampleCount; i++ {
		if off+4 > len(trun) {
			return nil, streaming.NewTextError(streaming.CodeInvalidMP4VTT, "truncated trun sample table", nil)
		}
		durations = append(durations, binary.BigEndian.Uint32(trun[off:off+4]))
		off += perSampleFields * 4
	}
	return durations, nil
}
