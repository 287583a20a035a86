package exam

import (
	"context"
	"fmt"
	"time"

	"github.com/mehadishakil/IELTSpeak-sub001/audio"
	"github.com/mehadishakil/IELTSpeak-sub001/speech"
)

// Coordinator sequences one turn's audio work: play the examiner
// prompt, then open the microphone and feed captured audio into the
// turn detector. It holds no exam knowledge; the manager tells it what
// to play and when to stop.
type Coordinator struct {
	player   audio.Player
	recorder audio.Recorder
	detector *speech.Detector
}

func NewCoordinator(player audio.Player, recorder audio.Recorder, detector *speech.Detector) *Coordinator {
	return &Coordinator{player: player, recorder: recorder, detector: detector}
}

// PlayPrompt plays one examiner prompt. onComplete fires once when
// playback finishes; it does not fire if playback is stopped early.
func (c *Coordinator) PlayPrompt(prompt []byte, onComplete func()) error {
	if len(prompt) == 0 {
		return fmt.Errorf("prompt audio is empty")
	}
	return c.player.Play(prompt, onComplete)
}

// StartTurn opens the microphone and begins silence detection. On
// failure nothing is left recording.
func (c *Coordinator) StartTurn(ctx context.Context, silence time.Duration, onSpeechStart func(), onSpeechEnd func(transcript string)) error {
	c.recorder.SetCallback(func(data []byte, _ uint32) {
		c.detector.Feed(data)
	})
	if err := c.detector.StartTurn(ctx, silence, onSpeechStart, onSpeechEnd); err != nil {
		return err
	}
	if err := c.recorder.Start(); err != nil {
		c.detector.StopTurn()
		return fmt.Errorf("starting recording: %w", err)
	}
	return nil
}

// FinishTurn force-completes the active turn; the detector delivers
// onSpeechEnd with whatever transcript it has.
func (c *Coordinator) FinishTurn() {
	c.detector.FinishTurn()
}

// StopTurn tears down the active turn without completing it and
// returns the captured audio.
func (c *Coordinator) StopTurn() []byte {
	c.detector.StopTurn()
	return c.recorder.Stop()
}

// StopRecording closes the microphone and returns the captured PCM.
func (c *Coordinator) StopRecording() []byte {
	return c.recorder.Stop()
}

// StopAll halts playback and any active turn. Safe to call whether or
// not anything is running.
func (c *Coordinator) StopAll() {
	c.player.Stop()
	c.detector.StopTurn()
	if c.recorder.Recording() {
		c.recorder.Stop()
	}
}

// Elapsed reports how long the current recording has been open.
func (c *Coordinator) Elapsed() time.Duration { return c.recorder.Elapsed() }

// Recording reports whether the microphone is open.
func (c *Coordinator) Recording() bool { return c.recorder.Recording() }
