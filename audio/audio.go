// Package audio defines the playback and capture surface the exam
// orchestrator drives. Live devices are backed by malgo; fakes let tests
// script prompt completion and recorded responses.
package audio

import (
	"context"
	"time"
)

// DataCallback receives raw PCM16 capture data.
type DataCallback func(data []byte, frameCount uint32)

// Config holds the capture/playback format shared by all devices.
type Config struct {
	SampleRate uint32
	Channels   uint32
}

// Player plays one examiner prompt at a time.
type Player interface {
	// Play starts asynchronous playback and invokes onComplete exactly
	// once when the prompt finishes. A second Play while one is active
	// stops the first without invoking its completion.
	Play(pcm []byte, onComplete func()) error
	// Stop halts playback without invoking the pending completion.
	// Safe to call when idle.
	Stop()
	Playing() bool
}

// Recorder captures microphone PCM16 for one response turn at a time.
type Recorder interface {
	// Authorize requests capture permission from the platform.
	Authorize(ctx context.Context) error
	// Start opens the microphone. Captured data is delivered to the
	// callback registered with SetCallback and buffered internally.
	Start() error
	// Stop closes the microphone and returns the buffered recording,
	// or nil when nothing was captured. Idempotent.
	Stop() []byte
	// SetCallback registers a tee for live capture data (the speech
	// engine feed). Must be called before Start.
	SetCallback(cb DataCallback)
	Recording() bool
	Elapsed() time.Duration
}
