package textparser

import (
	"encoding/xml"
	"strings"

	"github.com/jmylchreest/streamcore/internal/streaming"
	"github.com/jmylchreest/streamcore/internal/text"
)

// MimeMP4TTML is the mime type registered for TTML-in-ISOBMFF segments
// (the "stpp" sample entry).
const MimeMP4TTML = "application/mp4; codecs=\"stpp\""

func init() {
	text.Register(MimeMP4TTML, func() text.Parser { return &mp4TTMLParser{} })
}

type mp4TTMLParser struct {
	timescale uint32
}

// ParseInit locates the stpp sample entry and records the track's timescale.
func (p *mp4TTMLParser) ParseInit(data []byte) error {
	boxes, err := walkBoxes(data)
	if err != nil {
		return err
	}
	moov, ok := findBox(boxes, "moov")
	if !ok {
		return streaming.NewTextError(streaming.CodeInvalidMP4TTML, "init segment missing moov box", nil)
	}

	timescale, err := findTTMLTimescale(moov)
	if err != nil {
		return err
	}
	p.timescale = timescale
	return nil
}

// ParseMedia splits the mdat into samples by trun sample sizes (each sample
// is a complete TTML XML document) and extracts <p> cues from each.
func (p *mp4TTMLParser) ParseMedia(data []byte, t text.ParseTime) ([]text.Cue, error) {
	if p.timescale == 0 {
		return nil, streaming.NewTextError(streaming.CodeInvalidMP4TTML, "ParseMedia called before ParseInit", nil)
	}

	boxes, err := walkBoxes(data)
	if err != nil {
		return nil, err
	}
	moof, ok := findBox(boxes, "moof")
	if !ok {
		return nil, streaming.NewTextError(streaming.CodeInvalidMP4TTML, "media segment missing moof box", nil)
	}
	mdat, ok := findBox(boxes, "mdat")
	if !ok {
		return nil, streaming.NewTextError(streaming.CodeInvalidMP4TTML, "media segment missing mdat box", nil)
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
	sizes, err := sampleSizesFromTrun(traf)
	if err != nil {
		return nil, err
	}
	if sizes == nil {
		sizes = []uint32{uint32(len(mdat))}
	}

	var cues []text.Cue
	offset := 0
	periodOffset := t.PeriodStart + float64(baseTime)/float64(p.timescale)
	for _, size := range sizes {
		if offset+int(size) > len(mdat) {
			return nil, streaming.NewTextError(streaming.CodeInvalidMP4TTML, "trun sample size exceeds mdat bounds", nil)
		}
		sample := mdat[offset : offset+int(size)]
		offset += int(size)

		sampleCues, err := parseTTMLDocument(sample, periodOffset)
		if err != nil {
			return nil, err
		}
		cues = append(cues, sampleCues...)
	}
	return cues, nil
}

type ttmlDoc struct {
	XMLName xml.Name `xml:"tt"`
	Body    ttmlBody `xml:"body"`
}

type ttmlBody struct {
	Paragraphs []ttmlParagraph `xml:"div>p"`
}

type ttmlParagraph struct {
	Begin string `xml:"begin,attr"`
	End   string `xml:"end,attr"`
	Text  string `xml:",innerxml"`
}

func parseTTMLDocument(data []byte, offset float64) ([]text.Cue, error) {
	var doc ttmlDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, streaming.NewTextError(streaming.CodeInvalidMP4TTML, "malformed TTML document", err)
	}

	cues := make([]text.Cue, 0, len(doc.Body.Paragraphs))
	for _, para := range doc.Body.Paragraphs {
		start, err := parseTTMLTime(para.Begin)
		if err != nil {
			return nil, err
		}
		end, err := parseTTMLTime(para.End)
		if err != nil {
			return nil, err
		}
		cues = append(cues, text.Cue{
			StartTime: offset + start,
			EndTime:   offset + end,
			Payload:   strings.TrimSpace(para.Text),
		})
	}
	return cues, nil
}

// parseTTMLTime parses the clock-time subset of TTML's timing syntax
// (hh:mm:ss.fff), the form the engine's text segmenter emits.
func parseTTMLTime(s string) (float64, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, streaming.NewTextError(streaming.CodeInvalidMP4TTML, "unsupported TTML time expression: "+s, nil)
	}
	var hh, mm int
	var ss float64
	if _, err := parseIntField(parts[0], &hh); err != nil {
		return 0, err
	}
	if _, err := parseIntField(parts[1], &mm); err != nil {
		return 0, err
	}
	var err error
	ss, err = parseFloatField(parts[2])
	if err != nil {
		return 0, err
	}
	return float64(hh)*3600 + float64(mm)*60 + ss, nil
}

func parseIntField(s string, out *int) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, streaming.NewTextError(streaming.CodeInvalidMP4TTML, "malformed TTML time field: "+s, nil)
		}
		n = n*10 + int(c-'0')
	}
	*out = n
	return n, nil
}

func parseFloatField(s string) (float64, error) {
	whole, frac, hasFrac := strings.Cut(s, ".")
	var w int
	if _, err := parseIntField(whole, &w); err != nil {
		return 0, err
	}
	if !hasFrac {
		return float64(w), nil
	}
	var f int
	if _, err := parseIntField(frac, &f); err != nil {
		return 0, err
	}
	div := 1.0
	for range frac {
		div *= 10
	}
	return float64(w) + float64(f)/div, nil
}

func findTTMLTimescale(moov []byte) (uint32, error) {
	return findTextTrackTimescale(moov, "stpp")
}
