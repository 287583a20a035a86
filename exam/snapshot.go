package exam

import (
	"time"

	"github.com/mehadishakil/IELTSpeak-sub001/backend"
)

// Snapshot is an immutable view of the orchestrator's observable
// state, published after every transition. The presentation layer
// renders snapshots; it never reads the manager's fields directly.
type Snapshot struct {
	Phase        Phase
	Part         int
	QuestionText string

	Recording bool
	Speaking  bool
	Elapsed   time.Duration

	PrepRemaining  int // seconds left in the part 2 preparation countdown
	SpeakRemaining int // seconds left before the part 2 speaking cap

	Turns    int
	LastErr  string
	Results  *backend.Results
	Finished bool
}

// Observer receives state snapshots. Publish is called from the
// manager's run loop and must not block.
type Observer interface {
	Publish(Snapshot)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Snapshot)

func (f ObserverFunc) Publish(s Snapshot) { f(s) }
