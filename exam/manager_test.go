package exam

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mehadishakil/IELTSpeak-sub001/audio"
	"github.com/mehadishakil/IELTSpeak-sub001/backend"
	"github.com/mehadishakil/IELTSpeak-sub001/config"
	"github.com/mehadishakil/IELTSpeak-sub001/metrics"
	"github.com/mehadishakil/IELTSpeak-sub001/speech"
	"github.com/mehadishakil/IELTSpeak-sub001/upload"
)

// fastExamConfig compresses every exam timing to the millisecond scale
// so a full run finishes well under a second.
func fastExamConfig() config.ExamConfig {
	return config.ExamConfig{
		Part1Silence:   0.03,
		Part2Silence:   0.03,
		Part3Silence:   0.03,
		PrepDuration:   0.04,
		PromptDelay:    0.01,
		SpeakingCap:    0.5,
		SettleDelay:    0.01,
		SkipDelay:      0.02,
		FinalizeWait:   2,
		FinalizeSettle: 0.01,
		CountdownTick:  0.02,
	}
}

func fastUploadConfig() config.UploadConfig {
	return config.UploadConfig{
		MaxRetries:      3,
		BackoffBase:     0.005,
		MaxPayloadMB:    10,
		PollInterval:    0.005,
		MaxPollAttempts: 5,
	}
}

func testQuestions() *QuestionSet {
	audio := []byte("prompt-pcm")
	return NewQuestionSet([]Question{
		{ID: "p1q1", Part: 1, Order: 1, Text: "Where do you live?", PromptAudio: audio},
		{ID: "p1q2", Part: 1, Order: 2, Text: "Do you work or study?", PromptAudio: audio},
		{ID: "p1q3", Part: 1, Order: 3, Text: "What do you do in your free time?", PromptAudio: audio},
		{ID: "p2q1", Part: 2, Order: 1, Text: "Describe a place you enjoy visiting.", PromptAudio: audio},
		{ID: "p3q1", Part: 3, Order: 1, Text: "Why do people travel?", PromptAudio: audio},
		{ID: "p3q2", Part: 3, Order: 2, Text: "Has tourism changed your country?", PromptAudio: audio},
	})
}

type snapLog struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (l *snapLog) Publish(s Snapshot) {
	l.mu.Lock()
	l.snaps = append(l.snaps, s)
	l.mu.Unlock()
}

func (l *snapLog) all() []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Snapshot(nil), l.snaps...)
}

// phaseOrder returns observed phases with consecutive duplicates
// collapsed.
func (l *snapLog) phaseOrder() []Phase {
	var out []Phase
	for _, s := range l.all() {
		if len(out) == 0 || out[len(out)-1] != s.Phase {
			out = append(out, s.Phase)
		}
	}
	return out
}

type harness struct {
	mgr    *Manager
	svc    *backend.Fake
	engine *speech.FakeEngine
	player *audio.FakePlayer
	rec    *audio.FakeRecorder
	snaps  *snapLog
	cancel context.CancelFunc
}

func newHarness(t *testing.T, cfg config.ExamConfig, qs *QuestionSet, scripts ...[]speech.ScriptEvent) *harness {
	t.Helper()

	svc := backend.NewFake()
	engine := speech.NewFakeEngine(scripts...)
	player := &audio.FakePlayer{PlayDelay: 5 * time.Millisecond}
	rec := &audio.FakeRecorder{Recorded: []byte("response-pcm")}
	detector := speech.NewDetector(engine)
	met := metrics.New(prometheus.NewRegistry())
	pipe := upload.NewPipeline(svc, fastUploadConfig(), met)

	mgr := New(Deps{
		Config:      cfg,
		Service:     svc,
		Pipeline:    pipe,
		Coordinator: NewCoordinator(player, rec, detector),
		Recorder:    rec,
		Recognizer:  engine,
		Questions:   qs,
		TemplateID:  "template-1",
		Metrics:     met,
	})

	snaps := &snapLog{}
	mgr.Subscribe(snaps)
	return &harness{mgr: mgr, svc: svc, engine: engine, player: player, rec: rec, snaps: snaps}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.cancel = cancel
	h.mgr.Start(ctx)
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.mgr.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("exam did not finish")
	}
}

func answer(text string) []speech.ScriptEvent {
	return []speech.ScriptEvent{{After: 5 * time.Millisecond, Text: text}}
}

func TestFullExamOrdering(t *testing.T) {
	h := newHarness(t, fastExamConfig(), testQuestions(),
		answer("I live near the coast"),
		answer("I am a student"),
		answer("I play football"),
		answer("My favorite place is the old harbor"),
		answer("People travel to discover new cultures"),
		answer("Tourism changed the economy"),
	)
	h.start(t)
	h.waitDone(t)

	records := h.mgr.Records()
	if len(records) != 6 {
		t.Fatalf("records = %d, want 6", len(records))
	}
	wantParts := []int{1, 1, 1, 2, 3, 3}
	wantOrders := []int{1, 2, 3, 1, 1, 2}
	for i, r := range records {
		if r.Part != wantParts[i] || r.Order != wantOrders[i] {
			t.Errorf("record %d = part %d order %d, want part %d order %d",
				i, r.Part, r.Order, wantParts[i], wantOrders[i])
		}
	}
	if records[0].Transcript != "I live near the coast" {
		t.Errorf("first transcript = %q", records[0].Transcript)
	}

	phases := h.snaps.phaseOrder()
	want := []Phase{PhaseTesting, PhaseProcessing, PhaseCompleted}
	if len(phases) != len(want) {
		t.Fatalf("phase order = %v", phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phase order = %v, want %v", phases, want)
		}
	}

	for _, id := range []string{"p1q1", "p1q2", "p1q3", "p2q1", "p3q1", "p3q2"} {
		if !h.svc.Uploaded(id) {
			t.Errorf("question %s never uploaded", id)
		}
	}
}

func TestPart2SpeakingCap(t *testing.T) {
	cfg := fastExamConfig()
	cfg.SpeakingCap = 0.08
	cfg.Part2Silence = 0.3 // quiet period longer than the cap

	// The part 2 session keeps producing partials past the cap.
	longAnswer := make([]speech.ScriptEvent, 40)
	for i := range longAnswer {
		longAnswer[i] = speech.ScriptEvent{After: 10 * time.Millisecond, Text: "describing the place in detail"}
	}

	h := newHarness(t, cfg, testQuestions(),
		answer("a"), answer("b"), answer("c"),
		longAnswer,
		answer("d"), answer("e"),
	)
	h.start(t)
	h.waitDone(t)

	records := h.mgr.Records()
	if len(records) != 6 {
		t.Fatalf("records = %d, want 6", len(records))
	}
	part2 := records[3]
	if part2.Part != 2 {
		t.Fatalf("record 3 is part %d", part2.Part)
	}
	if !part2.CapForced {
		t.Error("part 2 turn was not cap-forced")
	}
	if part2.Transcript == "" || part2.Transcript == EmptyTranscript {
		t.Errorf("cap-forced transcript = %q", part2.Transcript)
	}
	// The exam moved on to part 3 afterwards.
	if records[4].Part != 3 {
		t.Errorf("record 4 is part %d, want 3", records[4].Part)
	}
}

func TestPrepCountdownObservable(t *testing.T) {
	h := newHarness(t, fastExamConfig(), testQuestions(),
		answer("a"), answer("b"), answer("c"),
		answer("cue card answer"),
		answer("d"), answer("e"),
	)
	h.start(t)
	h.waitDone(t)

	var sawCountdown bool
	for _, s := range h.snaps.all() {
		if s.Part == 2 && s.PrepRemaining > 0 {
			sawCountdown = true
			break
		}
	}
	if !sawCountdown {
		t.Error("preparation countdown never observed in snapshots")
	}
}

func TestSilentTurnGetsSentinel(t *testing.T) {
	// No scripts at all: every session stays silent and ends on the
	// quiet period.
	h := newHarness(t, fastExamConfig(), testQuestions())
	h.start(t)
	h.waitDone(t)

	records := h.mgr.Records()
	if len(records) != 6 {
		t.Fatalf("records = %d, want 6", len(records))
	}
	for i, r := range records {
		if r.Transcript != EmptyTranscript {
			t.Errorf("record %d transcript = %q, want sentinel", i, r.Transcript)
		}
	}
}

func TestRecorderStartFailureSkipsQuestions(t *testing.T) {
	h := newHarness(t, fastExamConfig(), testQuestions())
	h.rec.FailStart = errors.New("audio session busy")
	h.start(t)
	h.waitDone(t)

	records := h.mgr.Records()
	if len(records) != 0 {
		t.Fatalf("records = %d, want 0 (all skipped)", len(records))
	}
	phases := h.snaps.phaseOrder()
	if phases[len(phases)-1] != PhaseCompleted {
		t.Errorf("final phase = %v", phases[len(phases)-1])
	}

	var sawErr bool
	for _, s := range h.snaps.all() {
		if s.LastErr != "" {
			sawErr = true
		}
	}
	if !sawErr {
		t.Error("skip errors never surfaced")
	}
}

func TestAuthDenialAbortsToPreparation(t *testing.T) {
	svc := backend.NewFake()
	engine := speech.NewFakeEngine()
	player := &audio.FakePlayer{}
	rec := &audio.FakeRecorder{FailAuth: errors.New("denied")}
	met := metrics.New(prometheus.NewRegistry())
	pipe := upload.NewPipeline(svc, fastUploadConfig(), met)

	mgr := New(Deps{
		Config:      fastExamConfig(),
		Service:     svc,
		Pipeline:    pipe,
		Coordinator: NewCoordinator(player, rec, speech.NewDetector(engine)),
		Recorder:    rec,
		Recognizer:  engine,
		Questions:   testQuestions(),
		TemplateID:  "template-1",
		Metrics:     met,
	})
	snaps := &snapLog{}
	mgr.Subscribe(snaps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	select {
	case <-mgr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("manager never reached a terminal outcome")
	}

	all := snaps.all()
	last := all[len(all)-1]
	if last.Phase != PhasePreparation {
		t.Errorf("phase = %v, want preparation", last.Phase)
	}
	if last.LastErr == "" {
		t.Error("fatal error not surfaced")
	}
	if len(mgr.Records()) != 0 {
		t.Error("records written despite aborted exam")
	}
}

func TestMissingPartAbortsValidation(t *testing.T) {
	qs := NewQuestionSet([]Question{
		{ID: "p1q1", Part: 1, Order: 1, Text: "q", PromptAudio: []byte("a")},
	})
	h := newHarness(t, fastExamConfig(), qs)
	h.start(t)
	h.waitDone(t)

	all := h.snaps.all()
	last := all[len(all)-1]
	if last.Phase != PhasePreparation {
		t.Errorf("phase = %v, want preparation after validation failure", last.Phase)
	}
	if last.LastErr == "" {
		t.Error("validation error not surfaced")
	}
}

func TestFinalizeWaitsForUploadsThenPolls(t *testing.T) {
	h := newHarness(t, fastExamConfig(), testQuestions(),
		answer("a"), answer("b"), answer("c"),
		answer("cue"), answer("d"), answer("e"),
	)
	// Force the last two questions through their retry cycle so their
	// uploads are still in flight when processing starts.
	h.svc.FailUploads("p3q1", errors.New("transient"), errors.New("transient"))
	h.svc.FailUploads("p3q2", errors.New("transient"))
	h.svc.SetResultsAfter(2)

	h.start(t)
	h.waitDone(t)

	if !h.svc.Uploaded("p3q1") || !h.svc.Uploaded("p3q2") {
		t.Error("retried uploads did not land before completion")
	}
	if h.svc.Polls() == 0 {
		t.Error("results were never polled")
	}

	var final Snapshot
	for _, s := range h.snaps.all() {
		if s.Phase == PhaseCompleted {
			final = s
		}
	}
	if final.Results == nil {
		t.Error("completed without results despite successful polling")
	}
}

func TestSessionCreationFailureIsNonFatal(t *testing.T) {
	qs := testQuestions()
	svc := backend.NewFake()
	svc.CreateErrs = []error{errors.New("backend down")}

	engine := speech.NewFakeEngine()
	player := &audio.FakePlayer{PlayDelay: 5 * time.Millisecond}
	rec := &audio.FakeRecorder{Recorded: []byte("pcm")}
	met := metrics.New(prometheus.NewRegistry())
	pipe := upload.NewPipeline(svc, fastUploadConfig(), met)

	mgr := New(Deps{
		Config:      fastExamConfig(),
		Service:     svc,
		Pipeline:    pipe,
		Coordinator: NewCoordinator(player, rec, speech.NewDetector(engine)),
		Recorder:    rec,
		Recognizer:  engine,
		Questions:   qs,
		TemplateID:  "template-1",
		Metrics:     met,
	})
	snaps := &snapLog{}
	mgr.Subscribe(snaps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	select {
	case <-mgr.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("exam did not finish")
	}

	// The exam ran to completion with local records only.
	records := mgr.Records()
	if len(records) != 6 {
		t.Fatalf("records = %d, want 6", len(records))
	}
	for id := range map[string]bool{"p1q1": true, "p2q1": true} {
		if svc.Uploaded(id) {
			t.Errorf("upload for %s happened without a session", id)
		}
	}
}
