package exam

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mehadishakil/IELTSpeak-sub001/audio"
	"github.com/mehadishakil/IELTSpeak-sub001/backend"
	"github.com/mehadishakil/IELTSpeak-sub001/config"
	"github.com/mehadishakil/IELTSpeak-sub001/encoder"
	"github.com/mehadishakil/IELTSpeak-sub001/log"
	"github.com/mehadishakil/IELTSpeak-sub001/metrics"
	"github.com/mehadishakil/IELTSpeak-sub001/speech"
	"github.com/mehadishakil/IELTSpeak-sub001/store"
	"github.com/mehadishakil/IELTSpeak-sub001/upload"
)

// Deps are the collaborators the manager is constructed with. Store
// may be nil when local persistence is disabled; Service may be nil to
// run fully offline.
type Deps struct {
	Config      config.ExamConfig
	Service     backend.Service
	Pipeline    *upload.Pipeline
	Coordinator *Coordinator
	Recorder    audio.Recorder
	Recognizer  speech.Engine
	Questions   *QuestionSet
	TemplateID  string
	Store       *store.SQLiteStore
	Metrics     *metrics.Metrics
}

// Manager owns the exam flow: phase, current part and question, the
// conversation loop, and finalization. All state lives on a single run
// loop; timers, audio completions and upload results post mutations
// onto it, so no field needs a lock.
type Manager struct {
	cfg   config.ExamConfig
	svc   backend.Service
	pipe  *upload.Pipeline
	coord *Coordinator
	rec   audio.Recorder
	recog speech.Engine
	qs    *QuestionSet
	turns *store.SQLiteStore
	met   *metrics.Metrics
	tmpl  string

	ctx  context.Context
	ops  chan func()
	done chan struct{}
	once sync.Once

	// run-loop owned
	phase          Phase
	part           int
	qIndex         int
	current        *Question
	session        *backend.Session
	records        []TurnRecord
	lastErr        string
	results        *backend.Results
	speaking       bool
	recording      bool
	capForced      bool
	prepRemaining  int
	speakRemaining int
	turnSeq        int
	observers      []Observer
}

func New(d Deps) *Manager {
	m := &Manager{
		cfg:   d.Config,
		svc:   d.Service,
		pipe:  d.Pipeline,
		coord: d.Coordinator,
		rec:   d.Recorder,
		recog: d.Recognizer,
		qs:    d.Questions,
		turns: d.Store,
		met:   d.Metrics,
		tmpl:  d.TemplateID,
		ops:   make(chan func(), 64),
		done:  make(chan struct{}),
		phase: PhasePreparation,
	}
	m.pipe.OnError = func(questionID string, err error) {
		m.post(func() {
			m.lastErr = err.Error()
			m.publish()
		})
	}
	return m
}

// Subscribe registers a snapshot observer. Call before Start.
func (m *Manager) Subscribe(o Observer) {
	m.observers = append(m.observers, o)
}

// Done is closed when the exam reaches a terminal outcome: completed,
// or aborted back to preparation by a fatal error.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Start launches the run loop and the startup sequence. The manager
// keeps running until ctx is cancelled; Done signals the exam outcome
// earlier than that.
func (m *Manager) Start(ctx context.Context) {
	m.ctx = ctx
	go m.loop(ctx)
	go m.startup(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	for {
		select {
		case op := <-m.ops:
			op()
		case <-ctx.Done():
			m.coord.StopAll()
			m.finish()
			return
		}
	}
}

func (m *Manager) post(op func()) {
	select {
	case m.ops <- op:
	case <-m.ctx.Done():
	}
}

func (m *Manager) finish() {
	m.once.Do(func() { close(m.done) })
}

// startup runs the blocking pre-test sequence off the run loop and
// posts the outcome.
func (m *Manager) startup(ctx context.Context) {
	var session *backend.Session
	if m.svc != nil {
		sess, err := m.svc.CreateSession(ctx, m.tmpl)
		if err != nil {
			// Non-fatal: the exam proceeds, responses stay local.
			log.Warnf("session creation failed: %v", err)
			m.post(func() {
				m.lastErr = "evaluation session unavailable; responses will be kept locally"
				m.publish()
			})
		} else {
			session = sess
			log.SessionStart(sess.ID, m.tmpl)
		}
	}

	if err := m.rec.Authorize(ctx); err != nil {
		m.abort("microphone access denied: " + err.Error())
		return
	}
	if err := m.recog.Authorize(ctx); err != nil {
		m.abort("speech recognition not authorized: " + err.Error())
		return
	}

	sessionID := ""
	if session != nil {
		sessionID = session.ID
	}
	vr := Validate(ctx, m.qs, m.svc, sessionID, m.rec, m.recog)
	for _, w := range vr.Warnings {
		log.Warn(w)
	}
	if !vr.IsValid {
		m.abort(vr.Errors[0])
		return
	}

	m.post(func() {
		m.session = session
		m.phase = PhaseTesting
		m.part = 1
		m.qIndex = 0
		log.Phase(string(m.phase))
		m.publish()
		m.advance()
	})
}

// abort returns to preparation with a fatal error and signals Done.
func (m *Manager) abort(msg string) {
	log.Error(msg)
	m.post(func() {
		m.phase = PhasePreparation
		m.lastErr = msg
		m.publish()
		m.finish()
	})
}

// advance is the conversation loop. Re-entrant: called after every
// turn and part transition, always on the run loop.
func (m *Manager) advance() {
	m.cleanupTurn()
	switch m.part {
	case 1, 3:
		m.advanceList()
	case 2:
		m.advanceCueCard()
	}
}

// cleanupTurn invalidates pending timers and callbacks and stops any
// in-flight playback, recording and recognition.
func (m *Manager) cleanupTurn() {
	m.turnSeq++
	m.coord.StopAll()
	m.speaking = false
	m.recording = false
	m.prepRemaining = 0
	m.speakRemaining = 0
}

func (m *Manager) silenceFor(part int) time.Duration {
	switch part {
	case 1:
		return config.Seconds(m.cfg.Part1Silence)
	case 2:
		return config.Seconds(m.cfg.Part2Silence)
	default:
		return config.Seconds(m.cfg.Part3Silence)
	}
}

func (m *Manager) advanceList() {
	questions := m.qs.Part(m.part)
	if len(questions) == 0 {
		log.Warnf("part %d has no questions, skipping", m.part)
		m.nextPart()
		return
	}
	if m.qIndex >= len(questions) {
		m.nextPart()
		return
	}

	q := questions[m.qIndex]
	m.current = &q
	m.publish()

	seq := m.turnSeq
	silence := m.silenceFor(m.part)
	err := m.coord.PlayPrompt(q.PromptAudio, func() {
		m.post(func() {
			if seq != m.turnSeq {
				return
			}
			m.startTurn(q, silence, false)
		})
	})
	if err != nil {
		m.turnFailure(q, err.Error())
	}
}

func (m *Manager) advanceCueCard() {
	questions := m.qs.Part(2)
	if len(questions) == 0 {
		log.Warn("part 2 has no cue card, skipping")
		m.nextPart()
		return
	}

	q := questions[0]
	m.current = &q
	m.publish()

	seq := m.turnSeq
	err := m.coord.PlayPrompt(q.PromptAudio, func() {
		m.post(func() {
			if seq != m.turnSeq {
				return
			}
			m.startPrep(q, seq)
		})
	})
	if err != nil {
		m.turnFailure(q, err.Error())
	}
}

// startPrep runs the cue-card preparation countdown, one observable
// tick at a time.
func (m *Manager) startPrep(q Question, seq int) {
	m.prepRemaining = ticks(m.cfg.PrepDuration, m.cfg.CountdownTick)
	m.publish()
	m.prepTick(q, seq)
}

func (m *Manager) prepTick(q Question, seq int) {
	time.AfterFunc(config.Seconds(m.cfg.CountdownTick), func() {
		m.post(func() {
			if seq != m.turnSeq {
				return
			}
			m.prepRemaining--
			m.publish()
			if m.prepRemaining > 0 {
				m.prepTick(q, seq)
				return
			}
			// Preparation over: brief "you may begin" cue, then the
			// speaking turn opens.
			time.AfterFunc(config.Seconds(m.cfg.PromptDelay), func() {
				m.post(func() {
					if seq != m.turnSeq {
						return
					}
					m.startTurn(q, m.silenceFor(2), true)
				})
			})
		})
	})
}

// startTurn opens the microphone for one response. Part 2 turns also
// carry the speaking-cap countdown.
func (m *Manager) startTurn(q Question, silence time.Duration, capped bool) {
	seq := m.turnSeq
	err := m.coord.StartTurn(m.ctx, silence,
		func() {
			m.post(func() {
				if seq != m.turnSeq {
					return
				}
				m.speaking = true
				m.publish()
			})
		},
		func(transcript string) {
			m.post(func() {
				if seq != m.turnSeq {
					return
				}
				m.turnEnded(q, transcript)
			})
		},
	)
	if err != nil {
		m.turnFailure(q, err.Error())
		return
	}

	m.recording = true
	if capped {
		m.speakRemaining = ticks(m.cfg.SpeakingCap, m.cfg.CountdownTick)
		m.capTick(q, seq)
	}
	m.publish()
}

func (m *Manager) capTick(q Question, seq int) {
	time.AfterFunc(config.Seconds(m.cfg.CountdownTick), func() {
		m.post(func() {
			if seq != m.turnSeq {
				return
			}
			m.speakRemaining--
			m.publish()
			if m.speakRemaining > 0 {
				m.capTick(q, seq)
				return
			}
			// Hard cap: force-stop the recording and save the turn
			// whatever the detector thinks.
			m.capForced = true
			m.coord.FinishTurn()
		})
	})
}

// turnEnded saves one completed turn and schedules the next step of
// the loop after the settle delay.
func (m *Manager) turnEnded(q Question, transcript string) {
	m.turnSeq++
	pcm := m.coord.StopRecording()
	m.recording = false
	m.speaking = false
	capForced := m.capForced
	m.capForced = false

	if transcript == "" {
		transcript = EmptyTranscript
	}
	rec := TurnRecord{
		Part:         q.Part,
		Order:        q.Order,
		QuestionText: q.Text,
		Transcript:   transcript,
		CapForced:    capForced,
	}
	m.records = append(m.records, rec)
	m.met.TurnsSaved.Inc()
	if capForced {
		m.met.TurnsCapForced.Inc()
	}
	log.Turn(q.Part, q.Order, len(transcript), capForced)
	log.ResponseText(q.Part, q.Order, transcript)

	m.persistTurn(q, transcript, pcm, capForced)

	m.advancePosition()
	m.publish()

	seq := m.turnSeq
	time.AfterFunc(config.Seconds(m.cfg.SettleDelay), func() {
		m.post(func() {
			if seq != m.turnSeq {
				return
			}
			m.advance()
		})
	})
}

// persistTurn encodes the response audio, writes the local copy and
// enqueues the remote upload.
func (m *Manager) persistTurn(q Question, transcript string, pcm []byte, capForced bool) {
	var flacBytes []byte
	if len(pcm) > 0 {
		enc, err := encoder.EncodePCM16(pcm)
		if err != nil {
			log.Errorf("encoding response for question %s: %v", q.ID, err)
		} else {
			flacBytes = enc
		}
	}

	if m.turns != nil && m.session != nil {
		err := m.turns.SaveTurn(m.ctx, store.TurnRow{
			ID:         uuid.NewString(),
			SessionID:  m.session.ID,
			QuestionID: q.ID,
			Part:       q.Part,
			Order:      q.Order,
			Transcript: transcript,
			Audio:      flacBytes,
			CapForced:  capForced,
		})
		if err != nil {
			log.Errorf("local turn save failed: %v", err)
		}
	}

	if m.session == nil || len(flacBytes) == 0 {
		return
	}
	m.pipe.Enqueue(m.ctx, backend.UploadRequest{
		SessionID:  m.session.ID,
		QuestionID: q.ID,
		Part:       q.Part,
		Order:      q.Order,
		Transcript: transcript,
		Audio:      flacBytes,
	})
}

// turnFailure skips the current question after a fixed delay. The
// exam continues; no record is written for the skipped question.
func (m *Manager) turnFailure(q Question, msg string) {
	log.Errorf("turn for question %s failed to start: %s", q.ID, msg)
	m.met.TurnsSkipped.Inc()
	m.lastErr = msg
	m.publish()

	seq := m.turnSeq
	time.AfterFunc(config.Seconds(m.cfg.SkipDelay), func() {
		m.post(func() {
			if seq != m.turnSeq {
				return
			}
			m.turnSeq++
			m.advancePosition()
			m.advance()
		})
	})
}

// advancePosition moves to the next question or part. Part 2 always
// moves on after its single turn.
func (m *Manager) advancePosition() {
	if m.part == 2 {
		m.part = 3
		m.qIndex = 0
		log.Infof("entering part %d", m.part)
		return
	}
	m.qIndex++
}

func (m *Manager) nextPart() {
	switch m.part {
	case 1:
		m.part = 2
		m.qIndex = 0
		log.Infof("entering part %d", m.part)
		m.advance()
	case 2:
		m.part = 3
		m.qIndex = 0
		log.Infof("entering part %d", m.part)
		m.advance()
	default:
		m.beginProcessing()
	}
}

// beginProcessing enters the processing phase: wait for in-flight
// uploads, mark the session done, settle, then poll for results.
// Uploads that outlive the wait keep running; they are abandoned, not
// cancelled.
func (m *Manager) beginProcessing() {
	m.cleanupTurn()
	m.phase = PhaseProcessing
	m.current = nil
	log.Phase(string(m.phase))
	m.publish()

	session := m.session
	go func() {
		if session != nil {
			if !m.pipe.Wait(config.Seconds(m.cfg.FinalizeWait)) {
				log.Warn("finalize wait ceiling reached with uploads still in flight")
			}
			if err := m.svc.MarkCompleted(m.ctx, session.ID); err != nil {
				log.Warnf("marking session completed: %v", err)
			}
		}

		select {
		case <-time.After(config.Seconds(m.cfg.FinalizeSettle)):
		case <-m.ctx.Done():
			return
		}

		var results *backend.Results
		if session != nil {
			res, err := m.pipe.PollResults(m.ctx, session.ID)
			if err != nil {
				log.Warnf("results unavailable, falling back to local records: %v", err)
			} else {
				results = res
			}
		}
		m.post(func() { m.complete(results) })
	}()
}

func (m *Manager) complete(results *backend.Results) {
	m.results = results
	m.phase = PhaseCompleted
	log.Phase(string(m.phase))
	log.SessionEnd(len(m.records))

	if results != nil && m.turns != nil && m.session != nil && m.pipe.Pending() == 0 {
		if err := m.turns.DeleteSession(m.ctx, m.session.ID); err != nil {
			log.Warnf("clearing local turns: %v", err)
		}
	}

	m.publish()
	m.finish()
}

// Records returns a copy of the local turn log.
func (m *Manager) Records() []TurnRecord {
	reply := make(chan []TurnRecord, 1)
	m.post(func() {
		reply <- append([]TurnRecord(nil), m.records...)
	})
	select {
	case recs := <-reply:
		return recs
	case <-m.ctx.Done():
		return nil
	}
}

func (m *Manager) publish() {
	snap := Snapshot{
		Phase:          m.phase,
		Part:           m.part,
		Recording:      m.recording,
		Speaking:       m.speaking,
		Elapsed:        m.coord.Elapsed(),
		PrepRemaining:  m.prepRemaining,
		SpeakRemaining: m.speakRemaining,
		Turns:          len(m.records),
		LastErr:        m.lastErr,
		Results:        m.results,
		Finished:       m.phase == PhaseCompleted,
	}
	if m.current != nil {
		snap.QuestionText = m.current.Text
	}
	for _, o := range m.observers {
		o.Publish(snap)
	}
}

// ticks converts a duration and tick resolution from the config into
// a whole tick count, at least 1.
func ticks(duration, tick float64) int {
	n := int(duration/tick + 0.5)
	if n < 1 {
		n = 1
	}
	return n
}
