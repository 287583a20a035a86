// Package upload runs response uploads in the background so the exam
// never blocks on the network, and retries transient failures with
// exponential backoff.
package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mehadishakil/IELTSpeak-sub001/backend"
	"github.com/mehadishakil/IELTSpeak-sub001/config"
	"github.com/mehadishakil/IELTSpeak-sub001/log"
	"github.com/mehadishakil/IELTSpeak-sub001/metrics"
)

// Pipeline tracks which responses have been persisted remotely and
// which uploads are still in flight. A response is marked persisted
// before its network call starts, so a concurrent enqueue of the same
// question is a no-op; the mark is rolled back when the call fails.
type Pipeline struct {
	svc backend.Service
	cfg config.UploadConfig
	met *metrics.Metrics

	// OnError receives failures that exhausted all retries.
	OnError func(questionID string, err error)

	mu       sync.Mutex
	uploaded map[string]bool
	inflight map[string]chan struct{}
}

func NewPipeline(svc backend.Service, cfg config.UploadConfig, met *metrics.Metrics) *Pipeline {
	return &Pipeline{
		svc:      svc,
		cfg:      cfg,
		met:      met,
		uploaded: map[string]bool{},
		inflight: map[string]chan struct{}{},
	}
}

// Enqueue starts a background upload for one response. Duplicate
// enqueues for a question already persisted or in flight are dropped.
func (p *Pipeline) Enqueue(ctx context.Context, req backend.UploadRequest) {
	p.mu.Lock()
	if p.uploaded[req.QuestionID] {
		p.mu.Unlock()
		return
	}
	if _, busy := p.inflight[req.QuestionID]; busy {
		p.mu.Unlock()
		return
	}
	p.uploaded[req.QuestionID] = true
	done := make(chan struct{})
	p.inflight[req.QuestionID] = done
	p.mu.Unlock()

	p.met.UploadsInFlight.Inc()
	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.inflight, req.QuestionID)
			p.mu.Unlock()
			close(done)
			p.met.UploadsInFlight.Dec()
		}()
		p.run(ctx, req)
	}()
}

func (p *Pipeline) run(ctx context.Context, req backend.UploadRequest) {
	p.met.UploadAttempts.Inc()
	err := p.svc.UploadResponse(ctx, req)
	log.Upload(req.QuestionID, 0, err)
	if err == nil {
		p.met.UploadSuccesses.Inc()
		return
	}
	p.met.UploadFailures.Inc()
	p.unmark(req.QuestionID)

	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		delay := time.Duration(1<<attempt) * config.Seconds(p.cfg.BackoffBase)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		// Another path (a later finalize sweep, say) may have landed
		// this response while we slept.
		p.mu.Lock()
		if p.uploaded[req.QuestionID] {
			p.mu.Unlock()
			return
		}
		p.uploaded[req.QuestionID] = true
		p.mu.Unlock()

		if len(req.Audio) == 0 {
			p.unmark(req.QuestionID)
			return
		}

		p.met.UploadAttempts.Inc()
		p.met.UploadRetries.Inc()
		err = p.svc.UploadResponse(ctx, req)
		log.Upload(req.QuestionID, attempt, err)
		if err == nil {
			p.met.UploadSuccesses.Inc()
			return
		}
		p.met.UploadFailures.Inc()
		p.unmark(req.QuestionID)
	}

	err = fmt.Errorf("upload for question %s failed after %d retries: %w", req.QuestionID, p.cfg.MaxRetries, err)
	log.Error(err.Error())
	if p.OnError != nil {
		p.OnError(req.QuestionID, err)
	}
}

func (p *Pipeline) unmark(questionID string) {
	p.mu.Lock()
	delete(p.uploaded, questionID)
	p.mu.Unlock()
}

// Persisted reports whether the question's response has landed (or a
// call for it is currently being attempted).
func (p *Pipeline) Persisted(questionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploaded[questionID]
}

// Pending counts uploads still in flight.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Wait blocks until every in-flight upload finishes or the timeout
// elapses. It reports whether all uploads completed in time. Uploads
// still retrying keep running after Wait returns.
func (p *Pipeline) Wait(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		var done chan struct{}
		for _, ch := range p.inflight {
			done = ch
			break
		}
		p.mu.Unlock()
		if done == nil {
			return true
		}
		select {
		case <-done:
		case <-deadline.C:
			return false
		}
	}
}

// PollResults asks the platform for scores until they arrive or the
// attempt limit runs out.
func (p *Pipeline) PollResults(ctx context.Context, sessionID string) (*backend.Results, error) {
	interval := config.Seconds(p.cfg.PollInterval)
	for attempt := 1; attempt <= p.cfg.MaxPollAttempts; attempt++ {
		p.met.PollAttempts.Inc()
		res, err := p.svc.GetResults(ctx, sessionID)
		if err != nil {
			log.Warnf("results poll %d/%d: %v", attempt, p.cfg.MaxPollAttempts, err)
		} else if res != nil {
			return res, nil
		}
		if attempt == p.cfg.MaxPollAttempts {
			break
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.met.PollTimeouts.Inc()
	return nil, fmt.Errorf("results for session %s not ready after %d polls", sessionID, p.cfg.MaxPollAttempts)
}
