// Package textparser implements the concrete text-segment parsers the
// TextEngine registry dispatches to: WebVTT, and MP4-embedded VTT/TTML.
package textparser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/jmylchreest/streamcore/internal/streaming"
	"github.com/jmylchreest/streamcore/internal/text"
)

// MimeVTT is the mime type registered for plain WebVTT segments.
const MimeVTT = "text/vtt"

// autoPosition is the sentinel text.Cue.Position value meaning VTT's "auto"
// position keyword, used when a center-aligned cue doesn't specify one.
const autoPosition = -1.0

func init() {
	text.Register(MimeVTT, func() text.Parser { return &vttParser{} })
}

var (
	timestampMapRe = regexp.MustCompile(`X-TIMESTAMP-MAP`)
	mpegtsRe       = regexp.MustCompile(`MPEGTS:(\d+)`)
	localRe        = regexp.MustCompile(`LOCAL:(\d+):(\d{2}):(\d{2})\.(\d{3})`)
	cueTimeRe      = regexp.MustCompile(`^(?:(\d+):)?(\d{2}):(\d{2})\.(\d{3})[ \t]+-->[ \t]+(?:(\d+):)?(\d{2}):(\d{2})\.(\d{3})(.*)$`)

	settingRes = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"align", regexp.MustCompile(`^align:(start|middle|center|end|left|right)$`)},
		{"vertical", regexp.MustCompile(`^vertical:(lr|rl)$`)},
		{"size", regexp.MustCompile(`^size:(\d{1,2}|100)%$`)},
		{"position", regexp.MustCompile(`^position:(\d{1,2}|100)%(?:,(line-left|line-right|center|start|end))?$`)},
		{"line-percent", regexp.MustCompile(`^line:(\d{1,2}|100)%(?:,(start|end|center))?$`)},
		{"line-num", regexp.MustCompile(`^line:(-?\d+)(?:,(start|end|center))?$`)},
	}
)

// vttParser is a stateless-in-practice Parser: ParseInit is a no-op (VTT
// segments carry no init segment).
type vttParser struct{}

func (p *vttParser) ParseInit([]byte) error { return nil }

func (p *vttParser) ParseMedia(data []byte, t text.ParseTime) ([]text.Cue, error) {
	content := normalizeNewlines(string(data))
	blocks := splitBlocks(content)
	if len(blocks) == 0 {
		return nil, streaming.NewTextError(streaming.CodeInvalidTextHeader, "empty VTT payload", nil)
	}

	header := blocks[0]
	if !isValidHeader(header) {
		return nil, streaming.NewTextError(streaming.CodeInvalidTextHeader, "missing or malformed WEBVTT header", nil)
	}

	offset := t.SegmentStart
	if timestampMapRe.MatchString(header) {
		o, err := parseTimestampMapOffset(header, t.PeriodStart)
		if err != nil {
			return nil, err
		}
		offset = o
	} else {
		offset = t.PeriodStart + t.SegmentStart
	}

	var cues []text.Cue
	for _, block := range blocks[1:] {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, "NOTE") {
			continue
		}
		cue, err := parseCueBlock(block, offset)
		if err != nil {
			return nil, err
		}
		if cue != nil {
			cues = append(cues, *cue)
		}
	}
	return cues, nil
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

// splitBlocks splits on two-or-more consecutive newlines.
func splitBlocks(content string) []string {
	re := regexp.MustCompile(`\n{2,}`)
	parts := re.Split(strings.Trim(content, "\n"), -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, p)
	}
	return out
}

func isValidHeader(block string) bool {
	firstLine := block
	if i := strings.IndexByte(block, '\n'); i >= 0 {
		firstLine = block[:i]
	}
	return firstLine == "WEBVTT" || strings.HasPrefix(firstLine, "WEBVTT ") || strings.HasPrefix(firstLine, "WEBVTT\t")
}

func parseTimestampMapOffset(header string, periodStart float64) (float64, error) {
	mpegMatch := mpegtsRe.FindStringSubmatch(header)
	localMatch := localRe.FindStringSubmatch(header)
	if mpegMatch == nil || localMatch == nil {
		return 0, streaming.NewTextError(streaming.CodeInvalidTextHeader, "malformed X-TIMESTAMP-MAP", nil)
	}

	mpegTime, err := strconv.ParseFloat(mpegMatch[1], 64)
	if err != nil {
		return 0, streaming.NewTextError(streaming.CodeInvalidTextHeader, "malformed MPEGTS value", nil)
	}

	hh, _ := strconv.Atoi(localMatch[1])
	mm, _ := strconv.Atoi(localMatch[2])
	ss, _ := strconv.Atoi(localMatch[3])
	ms, _ := strconv.Atoi(localMatch[4])
	cueTime := float64(hh)*3600 + float64(mm)*60 + float64(ss) + float64(ms)/1000

	return periodStart + (mpegTime/90000 - cueTime), nil
}

func parseCueBlock(block string, offset float64) (*text.Cue, error) {
	lines := strings.Split(block, "\n")
	idx := 0

	var id string
	if !cueTimeRe.MatchString(lines[idx]) {
		id = strings.TrimSpace(lines[idx])
		idx++
		if idx >= len(lines) {
			return nil, streaming.NewTextError(streaming.CodeInvalidTextCue, "cue missing time line", nil)
		}
	}

	m := cueTimeRe.FindStringSubmatch(lines[idx])
	if m == nil {
		return nil, streaming.NewTextError(streaming.CodeInvalidTextCue, "cue time line missing ' --> '", nil)
	}

	start, err := parseCueTime(m[1], m[2], m[3], m[4])
	if err != nil {
		return nil, err
	}
	end, err := parseCueTime(m[5], m[6], m[7], m[8])
	if err != nil {
		return nil, err
	}

	cue := &text.Cue{
		ID:        id,
		StartTime: start + offset,
		EndTime:   end + offset,
	}
	applySettings(cue, strings.Fields(m[9]))

	if idx+1 < len(lines) {
		cue.Payload = strings.TrimSpace(strings.Join(lines[idx+1:], "\n"))
	}

	return cue, nil
}

func parseCueTime(hh, mm, ss, ms string) (float64, error) {
	var hours int
	if hh != "" {
		hours, _ = strconv.Atoi(hh)
	}
	minutes, _ := strconv.Atoi(mm)
	seconds, _ := strconv.Atoi(ss)
	millis, _ := strconv.Atoi(ms)

	if minutes >= 60 || seconds >= 60 {
		return 0, streaming.NewTextError(streaming.CodeInvalidTextCue, "cue time minutes/seconds out of range", nil)
	}

	return float64(hours)*3600 + float64(minutes)*60 + float64(seconds) + float64(millis)/1000, nil
}

func applySettings(cue *text.Cue, tokens []string) {
	for _, tok := range tokens {
		matched := false
		for _, s := range settingRes {
			m := s.re.FindStringSubmatch(tok)
			if m == nil {
				continue
			}
			matched = true
			applySetting(cue, s.name, m)
			break
		}
		_ = matched // unrecognized settings are silently skipped, not an error
	}
}

func applySetting(cue *text.Cue, name string, m []string) {
	switch name {
	case "align":
		cue.Align = m[1]
		if m[1] == "center" {
			cue.Align = "middle"
			// autoPosition marks cue.Position as VTT's "auto" keyword: the
			// renderer computes position from align/line rather than using
			// a fixed percentage.
			autoPos := autoPosition
			cue.Position = &autoPos
		}
	case "vertical":
		cue.Vertical = m[1]
	case "size":
		v, _ := strconv.ParseFloat(m[1], 64)
		cue.Size = &v
	case "position":
		v, _ := strconv.ParseFloat(m[1], 64)
		cue.Position = &v
		if m[2] != "" {
			cue.PositionAlign = m[2]
		}
	case "line-percent":
		v, _ := strconv.ParseFloat(m[1], 64)
		cue.Line = &v
		cue.SnapToLines = false
		if m[2] != "" {
			cue.LineAlign = m[2]
		}
	case "line-num":
		v, _ := strconv.ParseFloat(m[1], 64)
		cue.Line = &v
		cue.SnapToLines = true
		if m[2] != "" {
			cue.LineAlign = m[2]
		}
	}
}
