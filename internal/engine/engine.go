package engine

import (
	"errors"
	"sync"
)

// Params are the voice settings applied to the engine before a synthesis
// call. The underlying engines expose these as process-global state, not
// per-call arguments.
type Params struct {
	Voice    string
	Speed    int
	Volume   int
	WordGap  int
	Pitch    int
	Capitals int
}

// Sink receives little-endian 16-bit mono PCM chunks pushed by the engine
// while synthesis is running. Returning false aborts the synthesis; this is
// the only cancellation mechanism the engines offer.
type Sink func(pcm []byte) bool

// Engine is the contract for a push-style speech synthesizer.
type Engine interface {
	// Synthesize renders text with the given params, pushing PCM chunks into
	// sink until the utterance is complete or sink signals stop. It reports
	// the sample rate the audio was actually produced at, which depends on
	// engine internals and cannot be assumed by the caller.
	Synthesize(text string, p Params, sink Sink) (sampleRate int, err error)
	Close() error
}

var (
	// ErrInit means the engine could not be brought up at all; no request can
	// proceed until it is reinitialized.
	ErrInit = errors.New("engine initialization failed")
	// ErrStopped is returned when the sink aborted synthesis.
	ErrStopped = errors.New("synthesis stopped by sink")
)

// Driver serializes configure+synthesize around an engine. Because engine
// parameters are global, concurrent synthesis calls would bleed voice settings
// into each other; the driver is the single mutual-exclusion boundary.
type Driver struct {
	mu  sync.Mutex
	eng Engine
}

func NewDriver(eng Engine) *Driver {
	return &Driver{eng: eng}
}

// Synthesize runs one synthesis call. It blocks the caller until the engine
// finishes or the sink stops it.
func (d *Driver) Synthesize(text string, p Params, sink Sink) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eng.Synthesize(text, p, sink)
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eng.Close()
}
