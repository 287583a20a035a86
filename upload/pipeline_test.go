package upload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mehadishakil/IELTSpeak-sub001/backend"
	"github.com/mehadishakil/IELTSpeak-sub001/config"
	"github.com/mehadishakil/IELTSpeak-sub001/metrics"
)

func testPipeline(svc backend.Service) *Pipeline {
	cfg := config.UploadConfig{
		MaxRetries:      3,
		BackoffBase:     0.005, // 10/20/40ms retry delays
		MaxPayloadMB:    10,
		PollInterval:    0.005,
		MaxPollAttempts: 5,
	}
	return NewPipeline(svc, cfg, metrics.New(prometheus.NewRegistry()))
}

func req(questionID string) backend.UploadRequest {
	return backend.UploadRequest{
		SessionID:  "sess-1",
		QuestionID: questionID,
		Part:       1,
		Order:      1,
		Audio:      []byte("flac-bytes"),
	}
}

func TestUploadFirstTry(t *testing.T) {
	fake := backend.NewFake()
	p := testPipeline(fake)

	p.Enqueue(context.Background(), req("q1"))
	if !p.Wait(time.Second) {
		t.Fatal("upload did not finish")
	}
	if !fake.Uploaded("q1") {
		t.Error("response not uploaded")
	}
	if got := fake.Attempts("q1"); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if !p.Persisted("q1") {
		t.Error("question not marked persisted")
	}
}

func TestUploadRetriesThenSucceeds(t *testing.T) {
	fake := backend.NewFake()
	fake.UploadErrs["q1"] = []error{
		errors.New("network down"),
		errors.New("network down"),
	}
	p := testPipeline(fake)

	p.Enqueue(context.Background(), req("q1"))
	if !p.Wait(2 * time.Second) {
		t.Fatal("upload did not finish")
	}
	if !fake.Uploaded("q1") {
		t.Error("response not uploaded after retries")
	}
	if got := fake.Attempts("q1"); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestUploadPermanentFailure(t *testing.T) {
	fake := backend.NewFake()
	fake.UploadErrs["q1"] = []error{
		errors.New("boom"), errors.New("boom"),
		errors.New("boom"), errors.New("boom"),
	}
	p := testPipeline(fake)

	var mu sync.Mutex
	var failed []string
	p.OnError = func(questionID string, err error) {
		mu.Lock()
		failed = append(failed, questionID)
		mu.Unlock()
	}

	p.Enqueue(context.Background(), req("q1"))
	if !p.Wait(2 * time.Second) {
		t.Fatal("upload did not finish")
	}
	// Initial attempt plus three retries.
	if got := fake.Attempts("q1"); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 1 || failed[0] != "q1" {
		t.Errorf("OnError calls = %v", failed)
	}
	if p.Persisted("q1") {
		t.Error("failed question still marked persisted")
	}
}

func TestDuplicateEnqueueDropped(t *testing.T) {
	fake := backend.NewFake()
	p := testPipeline(fake)

	p.Enqueue(context.Background(), req("q1"))
	p.Wait(time.Second)
	p.Enqueue(context.Background(), req("q1"))
	p.Wait(time.Second)

	if got := fake.Attempts("q1"); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestWaitTimesOutOnSlowUpload(t *testing.T) {
	fake := backend.NewFake()
	// Two failures force the pipeline into its backoff sleeps.
	fake.UploadErrs["q1"] = []error{errors.New("slow"), errors.New("slow")}
	cfg := config.UploadConfig{
		MaxRetries:      3,
		BackoffBase:     0.2,
		MaxPayloadMB:    10,
		PollInterval:    1,
		MaxPollAttempts: 1,
	}
	p := NewPipeline(fake, cfg, metrics.New(prometheus.NewRegistry()))

	p.Enqueue(context.Background(), req("q1"))
	if p.Wait(20 * time.Millisecond) {
		t.Fatal("Wait reported completion while retrying")
	}
	// The retry loop keeps going after Wait gives up.
	if !p.Wait(5 * time.Second) {
		t.Fatal("upload never finished")
	}
	if !fake.Uploaded("q1") {
		t.Error("response not uploaded")
	}
}

func TestIndependentUploadAbandonsRetry(t *testing.T) {
	fake := backend.NewFake()
	fake.UploadErrs["q1"] = []error{errors.New("transient")}
	p := testPipeline(fake)

	p.Enqueue(context.Background(), req("q1"))
	// Mark the question persisted while the retry sleeps, as a second
	// pipeline path would.
	time.Sleep(2 * time.Millisecond)
	p.mu.Lock()
	p.uploaded["q1"] = true
	p.mu.Unlock()

	if !p.Wait(time.Second) {
		t.Fatal("upload did not finish")
	}
	if got := fake.Attempts("q1"); got != 1 {
		t.Errorf("attempts = %d, want 1 (retry should have been abandoned)", got)
	}
}

func TestPollResultsEventuallyReady(t *testing.T) {
	fake := backend.NewFake()
	fake.ResultsAfter = 2
	p := testPipeline(fake)

	res, err := p.PollResults(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if res == nil {
		t.Fatal("expected results")
	}
	if got := fake.Polls(); got != 3 {
		t.Errorf("polls = %d, want 3", got)
	}
}

func TestPollResultsExhaustsAttempts(t *testing.T) {
	fake := backend.NewFake()
	fake.ResultsAfter = -1
	p := testPipeline(fake)

	_, err := p.PollResults(context.Background(), "sess-1")
	if err == nil {
		t.Fatal("expected error once attempts are spent")
	}
	if got := fake.Polls(); got != 5 {
		t.Errorf("polls = %d, want 5", got)
	}
}
