package streaming

import (
	"bytes"
	"encoding/binary"
)

// parseEmsgBoxes walks top-level ISO BMFF boxes in a video segment looking
// for emsg ("event message") boxes, per §4.1's embedded-emsg handling. Box
// walking is hand-rolled on encoding/binary the same way internal/textparser
// walks boxes; it's duplicated rather than imported to avoid a dependency
// from streaming onto textparser (textparser already depends on streaming
// for its error types).
func parseEmsgBoxes(data []byte) ([]Event, error) {
	var events []Event
	for len(data) >= 8 {
		size := binary.BigEndian.Uint32(data[0:4])
		boxType := string(data[4:8])
		if size < 8 || uint32(len(data)) < size {
			break
		}

		if boxType == "emsg" {
			ev, err := parseEmsgBox(data[8:size])
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}

		data = data[size:]
	}
	return events, nil
}

// parseEmsgBox parses one emsg box payload (version 0 or 1 layout, ISO/IEC
// 23009-1 Annex D) into an Event with raw start/end times; the caller adds
// segmentStart to make them presentation-relative.
func parseEmsgBox(payload []byte) (Event, error) {
	if len(payload) < 4 {
		return Event{}, NewMediaError(CodeMediaSourceOperationFailed, "truncated emsg box", nil)
	}
	version := payload[0]
	body := payload[4:]

	var ev Event
	var err error
	if version == 1 {
		ev, err = parseEmsgV1(body)
	} else {
		ev, err = parseEmsgV0(body)
	}
	if err != nil {
		return Event{}, err
	}

	ev.StartTime = float64(ev.PresentationTimeDelta) / float64(ev.Timescale)
	ev.EndTime = ev.StartTime + float64(ev.EventDuration)/float64(ev.Timescale)
	return ev, nil
}

func parseEmsgV0(body []byte) (Event, error) {
	schemeIDURI, rest, err := readCString(body)
	if err != nil {
		return Event{}, err
	}
	value, rest, err := readCString(rest)
	if err != nil {
		return Event{}, err
	}
	if len(rest) < 16 {
		return Event{}, NewMediaError(CodeMediaSourceOperationFailed, "truncated emsg v0 box", nil)
	}
	return Event{
		SchemeIDURI:           schemeIDURI,
		Value:                 value,
		Timescale:             binary.BigEndian.Uint32(rest[0:4]),
		PresentationTimeDelta: uint64(binary.BigEndian.Uint32(rest[4:8])),
		EventDuration:         binary.BigEndian.Uint32(rest[8:12]),
		ID:                    binary.BigEndian.Uint32(rest[12:16]),
		MessageData:           append([]byte(nil), rest[16:]...),
	}, nil
}

func parseEmsgV1(body []byte) (Event, error) {
	if len(body) < 20 {
		return Event{}, NewMediaError(CodeMediaSourceOperationFailed, "truncated emsg v1 box", nil)
	}
	timescale := binary.BigEndian.Uint32(body[0:4])
	presentationTime := binary.BigEndian.Uint64(body[4:12])
	eventDuration := binary.BigEndian.Uint32(body[12:16])
	id := binary.BigEndian.Uint32(body[16:20])

	schemeIDURI, rest, err := readCString(body[20:])
	if err != nil {
		return Event{}, err
	}
	value, rest, err := readCString(rest)
	if err != nil {
		return Event{}, err
	}

	return Event{
		SchemeIDURI:           schemeIDURI,
		Value:                 value,
		Timescale:             timescale,
		PresentationTimeDelta: presentationTime,
		EventDuration:         eventDuration,
		ID:                    id,
		MessageData:           append([]byte(nil), rest...),
	}, nil
}

func readCString(data []byte) (value string, rest []byte, err error) {
	i := bytes.IndexByte(data, 0)
	if i < 0 {
		return "", nil, NewMediaError(CodeMediaSourceOperationFailed, "unterminated string in emsg box", nil)
	}
	return string(data[:i]), data[i+1:], nil
}

// isManifestUpdateEvent reports whether ev's scheme triggers onManifestUpdate
// rather than a generic onEvent, per §4.1.
func isManifestUpdateEvent(ev Event) bool {
	return ev.SchemeIDURI == emsgManifestUpdateScheme
}

// handleEmsgBoxes parses segmentData for emsg boxes and dispatches each to
// onManifestUpdate or onEvent, offsetting the raw presentation-time-delta
// times by segmentStart to make them presentation-relative.
func (e *StreamingEngine) handleEmsgBoxes(segmentData []byte, segmentStart float64) error {
	events, err := parseEmsgBoxes(segmentData)
	if err != nil {
		return err
	}
	for _, ev := range events {
		ev.StartTime += segmentStart
		ev.EndTime += segmentStart

		if isManifestUpdateEvent(ev) {
			if e.callbacks.OnManifestUpdate != nil {
				e.callbacks.OnManifestUpdate()
			}
			continue
		}
		if e.callbacks.OnEvent != nil {
			e.callbacks.OnEvent(ev)
		}
	}
	return nil
}
