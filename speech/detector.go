package speech

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Detector turns a recognition session into speech-start/speech-end
// events. The quiet-period timer is armed when the turn opens and reset
// on every non-empty partial; when it elapses the turn is deemed
// finished and onSpeechEnd receives the last known transcript. A turn
// with no speech at all therefore still ends after the quiet period,
// with an empty transcript.
type Detector struct {
	engine Engine

	mu     sync.Mutex
	active *turn
}

type turn struct {
	sess    Session
	silence time.Duration
	onStart func()
	onEnd   func(transcript string)

	mu      sync.Mutex
	quiet   *time.Timer
	last    string
	started bool
	ended   bool
	muted   bool // StopTurn called: suppress callbacks
}

func NewDetector(engine Engine) *Detector {
	return &Detector{engine: engine}
}

// StartTurn opens a recognition session and begins quiet-period
// detection. onSpeechStart fires at most once, on the first non-empty
// partial; onSpeechEnd fires exactly once unless StopTurn intervenes.
func (d *Detector) StartTurn(ctx context.Context, silence time.Duration, onSpeechStart func(), onSpeechEnd func(transcript string)) error {
	sess, err := d.engine.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("opening recognition session: %w", err)
	}

	t := &turn{
		sess:    sess,
		silence: silence,
		onStart: onSpeechStart,
		onEnd:   onSpeechEnd,
	}

	d.mu.Lock()
	prev := d.active
	d.active = t
	d.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	t.mu.Lock()
	t.quiet = time.AfterFunc(silence, t.quietElapsed)
	t.mu.Unlock()

	go t.consume()
	return nil
}

// FinishTurn force-ends the active turn, delivering onSpeechEnd with
// the transcript accumulated so far. Used when a hard speaking cap
// elapses before the quiet period does.
func (d *Detector) FinishTurn() {
	d.mu.Lock()
	t := d.active
	d.active = nil
	d.mu.Unlock()
	if t != nil {
		t.sess.Close()
		t.finish()
	}
}

// StopTurn abandons the active turn without invoking its completion.
// Idempotent; safe when no turn is active.
func (d *Detector) StopTurn() {
	d.mu.Lock()
	t := d.active
	d.active = nil
	d.mu.Unlock()
	if t != nil {
		t.stop()
	}
}

// Feed forwards capture data to the active session, if any.
func (d *Detector) Feed(pcm []byte) {
	d.mu.Lock()
	t := d.active
	d.mu.Unlock()
	if t != nil {
		t.sess.Feed(pcm)
	}
}

// Active reports whether a turn is in progress.
func (d *Detector) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil
}

func (t *turn) consume() {
	for partial := range t.sess.Partials() {
		if partial == "" {
			continue
		}
		t.mu.Lock()
		if t.ended {
			t.mu.Unlock()
			continue
		}
		t.last = partial
		first := !t.started
		t.started = true
		t.quiet.Reset(t.silence)
		t.mu.Unlock()

		if first && t.onStart != nil {
			t.onStart()
		}
	}

	// Engine reported a final result with no further partials.
	final, err := t.sess.Close()
	t.mu.Lock()
	if err == nil && final != "" {
		t.last = final
	}
	t.mu.Unlock()
	t.finish()
}

func (t *turn) quietElapsed() {
	t.sess.Close()
	t.finish()
}

func (t *turn) finish() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	t.quiet.Stop()
	muted := t.muted
	transcript := t.last
	onEnd := t.onEnd
	t.mu.Unlock()

	if !muted && onEnd != nil {
		onEnd(transcript)
	}
}

func (t *turn) stop() {
	t.mu.Lock()
	t.muted = true
	t.mu.Unlock()
	t.sess.Close()
	t.finish()
}
