package textparser

import (
	"testing"

	"github.com/jmylchreest/streamcore/internal/text"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVTTParser_ParseMedia_Basic(t *testing.T) {
	p := &vttParser{}
	data := "WEBVTT\n\n00:00:01.000 --> 00:00:02.500\nHello world\n\n00:00:03.000 --> 00:00:04.000\nSecond cue"

	cues, err := p.ParseMedia([]byte(data), text.ParseTime{})
	require.NoError(t, err)
	require.Len(t, cues, 2)
	assert.Equal(t, 1.0, cues[0].StartTime)
	assert.Equal(t, 2.5, cues[0].EndTime)
	assert.Equal(t, "Hello world", cues[0].Payload)
	assert.Equal(t, 3.0, cues[1].StartTime)
}

func TestVTTParser_ParseMedia_WithCueID(t *testing.T) {
	p := &vttParser{}
	data := "WEBVTT\n\ncue-1\n00:00:01.000 --> 00:00:02.000\nText"

	cues, err := p.ParseMedia([]byte(data), text.ParseTime{})
	require.NoError(t, err)
	require.Len(t, cues, 1)
	assert.Equal(t, "cue-1", cues[0].ID)
}

func TestVTTParser_ParseMedia_CRLFNormalized(t *testing.T) {
	p := &vttParser{}
	data := "WEBVTT\r\n\r\n00:00:01.000 --> 00:00:02.000\r\nHello\r\n"

	cues, err := p.ParseMedia([]byte(data), text.ParseTime{})
	require.NoError(t, err)
	require.Len(t, cues, 1)
	assert.Equal(t, "Hello", cues[0].Payload)
}

func TestVTTParser_ParseMedia_MissingHeader(t *testing.T) {
	p := &vttParser{}
	_, err := p.ParseMedia([]byte("00:00:01.000 --> 00:00:02.000\nHello"), text.ParseTime{})
	assert.Error(t, err)
}

func TestVTTParser_ParseMedia_MalformedCueTime(t *testing.T) {
	p := &vttParser{}
	_, err := p.ParseMedia([]byte("WEBVTT\n\n00:00:01.000 - 00:00:02.000\nHello"), text.ParseTime{})
	assert.Error(t, err)
}

func TestVTTParser_ParseMedia_TimestampMapOffset(t *testing.T) {
	p := &vttParser{}
	data := "WEBVTT\nX-TIMESTAMP-MAP=MPEGTS:900000,LOCAL:00:00:00.000\n\n00:00:01.000 --> 00:00:02.000\nHello"

	cues, err := p.ParseMedia([]byte(data), text.ParseTime{PeriodStart: 100})
	require.NoError(t, err)
	require.Len(t, cues, 1)
	// MPEGTS:900000 / 90000 = 10s local-clock offset, plus periodStart.
	assert.InDelta(t, 111.0, cues[0].StartTime, 0.001)
}

func TestVTTParser_ParseMedia_Settings(t *testing.T) {
	p := &vttParser{}
	data := "WEBVTT\n\n00:00:01.000 --> 00:00:02.000 align:center position:50%,center line:10%\nHello"

	cues, err := p.ParseMedia([]byte(data), text.ParseTime{})
	require.NoError(t, err)
	require.Len(t, cues, 1)
	assert.Equal(t, "middle", cues[0].Align)
	require.NotNil(t, cues[0].Position)
	assert.Equal(t, 50.0, *cues[0].Position)
	assert.Equal(t, "center", cues[0].PositionAlign)
	require.NotNil(t, cues[0].Line)
	assert.Equal(t, 10.0, *cues[0].Line)
	assert.False(t, cues[0].SnapToLines)
}

func TestVTTParser_ParseInit_NoOp(t *testing.T) {
	p := &vttParser{}
	assert.NoError(t, p.ParseInit([]byte("anything")))
}
