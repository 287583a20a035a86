package audio

import (
	"context"
	"sync"
	"time"
)

// FakePlayer completes playback after a fixed delay, letting tests drive
// prompt sequencing on a compressed clock.
type FakePlayer struct {
	PlayDelay time.Duration
	FailPlay  error

	mu      sync.Mutex
	playing bool
	gen     int
	plays   int
}

func (p *FakePlayer) Play(pcm []byte, onComplete func()) error {
	if p.FailPlay != nil {
		return p.FailPlay
	}
	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.playing = true
	p.plays++
	p.mu.Unlock()

	go func() {
		time.Sleep(p.PlayDelay)
		p.mu.Lock()
		stale := gen != p.gen
		if !stale {
			p.playing = false
		}
		p.mu.Unlock()
		if !stale && onComplete != nil {
			onComplete()
		}
	}()
	return nil
}

func (p *FakePlayer) Stop() {
	p.mu.Lock()
	p.gen++
	p.playing = false
	p.mu.Unlock()
}

func (p *FakePlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Plays reports how many prompts were started.
func (p *FakePlayer) Plays() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays
}

// FakeRecorder returns scripted PCM on Stop.
type FakeRecorder struct {
	Recorded  []byte // payload returned by Stop
	FailStart error
	FailAuth  error

	mu        sync.Mutex
	cb        DataCallback
	recording bool
	startedAt time.Time
	starts    int
}

func (r *FakeRecorder) Authorize(context.Context) error { return r.FailAuth }

func (r *FakeRecorder) SetCallback(cb DataCallback) {
	r.mu.Lock()
	r.cb = cb
	r.mu.Unlock()
}

func (r *FakeRecorder) Start() error {
	if r.FailStart != nil {
		return r.FailStart
	}
	r.mu.Lock()
	r.recording = true
	r.startedAt = time.Now()
	r.starts++
	r.mu.Unlock()
	return nil
}

func (r *FakeRecorder) Stop() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return nil
	}
	r.recording = false
	return r.Recorded
}

func (r *FakeRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *FakeRecorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return 0
	}
	return time.Since(r.startedAt)
}

// Starts reports how many times recording was opened.
func (r *FakeRecorder) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// Feed pushes capture data to the registered callback, simulating the
// microphone while recording.
func (r *FakeRecorder) Feed(data []byte) {
	r.mu.Lock()
	cb := r.cb
	rec := r.recording
	r.mu.Unlock()
	if rec && cb != nil {
		cb(data, uint32(len(data)/2))
	}
}
