// Package speech provides the streaming recognition contract and the
// silence-based turn detector the exam orchestrator relies on.
package speech

import "context"

// Engine creates one recognition session per response turn.
type Engine interface {
	// Authorize requests speech-recognition permission.
	Authorize(ctx context.Context) error
	NewSession(ctx context.Context) (Session, error)
}

// Session is one live recognition stream. Partials yields successive
// cumulative transcripts; the channel is closed when the engine reports
// a final result with no further partials. Close is idempotent and
// returns the final transcript.
type Session interface {
	Feed(pcm []byte)
	Partials() <-chan string
	Close() (string, error)
}
