package textparser

import (
	"encoding/binary"
	"strings"

	"github.com/jmylchreest/streamcore/internal/streaming"
	"github.com/jmylchreest/streamcore/internal/text"
)

// MimeMP4VTT is the mime type registered for WebVTT-in-ISOBMFF segments
// (the "wvtt" sample entry, ISO/IEC 14496-30).
const MimeMP4VTT = "application/mp4; codecs=\"wvtt\""

func init() {
	text.Register(MimeMP4VTT, func() text.Parser { return &mp4VTTParser{} })
}

type mp4VTTParser struct {
	timescale uint32
}

// ParseInit locates the wvtt sample entry under moov/trak/mdia/minf/stbl/stsd
// and records the media timescale from mdhd, failing INVALID_MP4_VTT if
// either is missing or malformed.
func (p *mp4VTTParser) ParseInit(data []byte) error {
	boxes, err := walkBoxes(data)
	if err != nil {
		return err
	}
	moov, ok := findBox(boxes, "moov")
	if !ok {
		return streaming.NewTextError(streaming.CodeInvalidMP4VTT, "init segment missing moov box", nil)
	}

	timescale, err := findTextTrackTimescale(moov, "wvtt")
	if err != nil {
		return err
	}
	p.timescale = timescale
	return nil
}

// ParseMedia parses a moof+mdat media segment into cues. Each mdat sample is
// itself a small box sequence: an optional iden (cue ID), an optional sttg
// (settings string as used in WebVTT cue settings), and a payl (payload
// text), or a single empty vtte box for a gap.
func (p *mp4VTTParser) ParseMedia(data []byte, t text.ParseTime) ([]text.Cue, error) {
	if p.timescale == 0 {
		return nil, streaming.NewTextError(streaming.CodeInvalidMP4VTT, "ParseMedia called before ParseInit", nil)
	}

	boxes, err := walkBoxes(data)
	if err != nil {
		return nil, err
	}
	moof, ok := findBox(boxes, "moof")
	if !ok {
		return nil, streaming.NewTextError(streaming.CodeInvalidMP4VTT, "media segment missing moof box", nil)
	}
	mdat, ok := findBox(boxes, "mdat")
	if !ok {
		return nil, streaming.NewTextError(streaming.CodeInvalidMP4VTT, "media segment missing mdat box", nil)
	}

	baseTime, err := trackFragmentBaseTime(moof)
	if err != nil {
		return nil, err
	}

	trafBoxes, err := walkBoxes(moof)
	if err != nil {
		return nil, err
	}
	traf, _ := findBox(trafBoxes, "traf")
	durations, err := sampleDurationsFromTrun(traf)
	if err != nil {
		return nil, err
	}

	samples, err := walkBoxes(mdat)
	if err != nil {
		return nil, err
	}

	cues := make([]text.Cue, 0, len(samples))
	cursor := baseTime
	for i := 0; i < len(samples); i++ {
		dur := uint64(0)
		if i < len(durations) {
			dur = uint64(durations[i])
		}
		start := float64(cursor) / float64(p.timescale)
		end := float64(cursor+dur) / float64(p.timescale)
		cursor += dur

		cue, err := parseVTTCueSample(samples[i], t.PeriodStart+start, t.PeriodStart+end)
		if err != nil {
			return nil, err
		}
		if cue != nil {
			cues = append(cues, *cue)
		}
	}
	return cues, nil
}

// parseVTTCueSample interprets one mdat-level box as either an empty cue
// (vtte, produces no cue) or a cue box (vttc, containing iden/sttg/payl).
func parseVTTCueSample(b box, start, end float64) (*text.Cue, error) {
	switch b.Type {
	case "vtte":
		return nil, nil
	case "vttc":
		inner, err := walkBoxes(b.Payload)
		if err != nil {
			return nil, err
		}
		cue := &text.Cue{StartTime: start, EndTime: end}
		if iden, ok := findBox(inner, "iden"); ok {
			cue.ID = strings.TrimRight(string(iden), "\x00")
		}
		if payl, ok := findBox(inner, "payl"); ok {
			cue.Payload = strings.TrimRight(string(payl), "\x00")
		}
		if sttg, ok := findBox(inner, "sttg"); ok {
			applySettings(cue, strings.Fields(strings.TrimRight(string(sttg), "\x00")))
		}
		return cue, nil
	default:
		return nil, streaming.NewTextError(streaming.CodeInvalidMP4VTT, "unexpected box in mdat sample: "+b.Type, nil)
	}
}

// findTextTrackTimescale walks moov for the trak whose stsd contains the
// given sample entry fourcc, returning that track's mdhd timescale.
func findTextTrackTimescale(moov []byte, sampleEntry string) (uint32, error) {
	moovBoxes, err := walkBoxes(moov)
	if err != nil {
		return 0, err
	}
	for _, b := range moovBoxes {
		if b.Type != "trak" {
			continue
		}
		trakBoxes, err := walkBoxes(b.Payload)
		if err != nil {
			return 0, err
		}
		mdia, ok := findBox(trakBoxes, "mdia")
		if !ok {
			continue
		}
		mdiaBoxes, err := walkBoxes(mdia)
		if err != nil {
			return 0, err
		}
		mdhd, ok := findBox(mdiaBoxes, "mdhd")
		if !ok {
			continue
		}
		minf, ok := findBox(mdiaBoxes, "minf")
		if !ok {
			continue
		}
		minfBoxes, err := walkBoxes(minf)
		if err != nil {
			return 0, err
		}
		stbl, ok := findBox(minfBoxes, "stbl")
		if !ok {
			continue
		}
		stblBoxes, err := walkBoxes(stbl)
		if err != nil {
			return 0, err
		}
		stsd, ok := findBox(stblBoxes, "stsd")
		if !ok {
			continue
		}
		if !stsdContains(stsd, sampleEntry) {
			continue
		}
		return mdhdTimescale(mdhd)
	}
	return 0, streaming.NewTextError(streaming.CodeInvalidMP4VTT, "no trak found for sample entry "+sampleEntry, nil)
}

// stsdContains reports whether stsd's sample entry list (after its 8-byte
// version/flags + entry-count header) contains a box of the given fourcc.
func stsdContains(stsd []byte, fourcc string) bool {
	if len(stsd) < 8 {
		return false
	}
	entries, err := walkBoxes(stsd[8:])
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Type == fourcc {
			return true
		}
	}
	return false
}

func mdhdTimescale(mdhd []byte) (uint32, error) {
	if len(mdhd) < 1 {
		return 0, streaming.NewTextError(streaming.CodeInvalidMP4VTT, "truncated mdhd box", nil)
	}
	version := mdhd[0]
	var off int
	if version == 1 {
		off = 4 + 8 + 8 // version/flags + creation/modification (64-bit)
	} else {
		off = 4 + 4 + 4
	}
	if len(mdhd) < off+4 {
		return 0, streaming.NewTextError(streaming.CodeInvalidMP4VTT, "truncated mdhd box", nil)
	}
	return binary.BigEndian.Uint32(mdhd[off : off+4]), nil
}
