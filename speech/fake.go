package speech

import (
	"context"
	"sync"
	"time"
)

// ScriptEvent is a partial transcript emitted by a scripted fake
// session after a delay relative to the previous event.
type ScriptEvent struct {
	After time.Duration
	Text  string
}

// FakeEngine hands out scripted sessions in order. When the script
// queue runs dry it returns empty manual sessions that the test drives
// with Emit and End.
type FakeEngine struct {
	AuthErr    error
	SessionErr error

	mu       sync.Mutex
	scripts  [][]ScriptEvent
	sessions []*FakeSession
}

func NewFakeEngine(scripts ...[]ScriptEvent) *FakeEngine {
	return &FakeEngine{scripts: scripts}
}

func (e *FakeEngine) Authorize(ctx context.Context) error { return e.AuthErr }

func (e *FakeEngine) NewSession(ctx context.Context) (Session, error) {
	if e.SessionErr != nil {
		return nil, e.SessionErr
	}
	e.mu.Lock()
	var script []ScriptEvent
	if len(e.scripts) > 0 {
		script = e.scripts[0]
		e.scripts = e.scripts[1:]
	}
	s := newFakeSession(script)
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()
	return s, nil
}

// Sessions returns every session the engine has handed out so far.
func (e *FakeEngine) Sessions() []*FakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*FakeSession, len(e.sessions))
	copy(out, e.sessions)
	return out
}

// FakeSession replays its script on Partials and records fed audio.
type FakeSession struct {
	mu       sync.Mutex
	partials chan string
	fed      []byte
	final    string
	closed   bool
	done     chan struct{}
}

func newFakeSession(script []ScriptEvent) *FakeSession {
	s := &FakeSession{
		partials: make(chan string, 16),
		done:     make(chan struct{}),
	}
	if len(script) > 0 {
		go s.replay(script)
	}
	return s
}

func (s *FakeSession) replay(script []ScriptEvent) {
	for _, ev := range script {
		select {
		case <-time.After(ev.After):
		case <-s.done:
			return
		}
		s.Emit(ev.Text)
	}
}

func (s *FakeSession) Feed(pcm []byte) {
	s.mu.Lock()
	s.fed = append(s.fed, pcm...)
	s.mu.Unlock()
}

func (s *FakeSession) Partials() <-chan string { return s.partials }

// Emit pushes a partial to the detector and remembers it as the final
// transcript. A no-op after Close.
func (s *FakeSession) Emit(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.final = text
	select {
	case s.partials <- text:
	default:
	}
}

// End closes the partial stream the way a live engine does when the
// remote endpoint finishes, without going through Close.
func (s *FakeSession) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.partials)
}

func (s *FakeSession) Close() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
		close(s.partials)
	}
	return s.final, nil
}

// Fed returns all audio handed to the session.
func (s *FakeSession) Fed() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fed
}
