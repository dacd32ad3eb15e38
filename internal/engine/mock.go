package engine

import (
	"math"
	"sync/atomic"

	"github.com/loqalabs/loqa-speak/internal/audio"
)

const (
	mockSampleRate    = 22050
	mockFramesPerChar = 441 // 20ms of audio per character
	mockChunkFrames   = 2048
	mockBaseFrequency = 110.0
)

// Mock is a deterministic offline engine. The produced tone depends on the
// voice parameters, so two requests with different params yield different
// audio, and the length tracks the input text.
type Mock struct {
	calls atomic.Int64
}

func NewMock() *Mock {
	return &Mock{}
}

// Calls reports how many synthesis calls the engine has served.
func (m *Mock) Calls() int64 {
	return m.calls.Load()
}

func (m *Mock) Synthesize(text string, p Params, sink Sink) (int, error) {
	m.calls.Add(1)

	frames := len(text) * mockFramesPerChar
	if p.Speed > 0 {
		// Faster speech means fewer frames for the same text.
		frames = frames * 150 / p.Speed
	}
	freq := mockBaseFrequency + float64(p.Pitch)*4
	gain := float64(p.Volume) / 200.0

	pcm := make([]int16, frames)
	for i := range pcm {
		pcm[i] = int16(gain * 0.5 * math.MaxInt16 *
			math.Sin(2*math.Pi*freq*float64(i)/mockSampleRate))
	}

	for off := 0; off < len(pcm); off += mockChunkFrames {
		end := off + mockChunkFrames
		if end > len(pcm) {
			end = len(pcm)
		}
		if !sink(audio.Int16ToBytes(pcm[off:end])) {
			return mockSampleRate, ErrStopped
		}
	}
	return mockSampleRate, nil
}

func (m *Mock) Close() error { return nil }
