package backend

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fake is an in-memory Service for tests and offline runs. Per-call
// error scripts let tests fail the Nth invocation of an operation.
type Fake struct {
	mu sync.Mutex

	CreateErrs []error // consumed per CreateSession call
	UploadErrs map[string][]error
	StatusErr  error
	MarkErr    error

	// ResultsAfter holds how many GetResults calls return
	// still-processing before ScoredResults is produced. Negative
	// means results never arrive.
	ResultsAfter  int
	ScoredResults *Results

	sessions  map[string]*Session
	uploads   map[string]UploadRequest
	attempts  map[string]int
	completed map[string]bool
	polls     int
}

func NewFake() *Fake {
	return &Fake{
		UploadErrs: map[string][]error{},
		sessions:   map[string]*Session{},
		uploads:    map[string]UploadRequest{},
		attempts:   map[string]int{},
		completed:  map[string]bool{},
	}
}

func (f *Fake) CreateSession(ctx context.Context, templateID string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.CreateErrs) > 0 {
		err := f.CreateErrs[0]
		f.CreateErrs = f.CreateErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	s := &Session{ID: uuid.NewString(), TemplateID: templateID, Status: "preparation"}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *Fake) UploadResponse(ctx context.Context, r UploadRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[r.QuestionID]++
	if errs := f.UploadErrs[r.QuestionID]; len(errs) > 0 {
		err := errs[0]
		f.UploadErrs[r.QuestionID] = errs[1:]
		if err != nil {
			return err
		}
	}
	f.uploads[r.QuestionID] = r
	return nil
}

func (f *Fake) MarkCompleted(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MarkErr != nil {
		return f.MarkErr
	}
	f.completed[sessionID] = true
	return nil
}

func (f *Fake) CheckStatus(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return "", f.StatusErr
	}
	if s, ok := f.sessions[sessionID]; ok {
		return s.Status, nil
	}
	return "preparation", nil
}

func (f *Fake) GetResults(ctx context.Context, sessionID string) (*Results, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.ResultsAfter < 0 || f.polls <= f.ResultsAfter {
		return nil, nil
	}
	if f.ScoredResults != nil {
		return f.ScoredResults, nil
	}
	return &Results{
		SessionID: sessionID,
		Overall:   decimal.RequireFromString("6.5"),
		Fluency:   decimal.RequireFromString("6.5"),
	}, nil
}

// FailUploads scripts errors for the next UploadResponse calls on
// questionID.
func (f *Fake) FailUploads(questionID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UploadErrs[questionID] = append(f.UploadErrs[questionID], errs...)
}

// SetResultsAfter configures how many GetResults calls report
// still-processing.
func (f *Fake) SetResultsAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ResultsAfter = n
}

// Uploaded reports whether a response for questionID landed.
func (f *Fake) Uploaded(questionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.uploads[questionID]
	return ok
}

// Upload returns the stored request for questionID, if any.
func (f *Fake) Upload(questionID string) (UploadRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.uploads[questionID]
	return r, ok
}

// Attempts counts UploadResponse calls for questionID, failures
// included.
func (f *Fake) Attempts(questionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[questionID]
}

// Completed reports whether MarkCompleted ran for sessionID.
func (f *Fake) Completed(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed[sessionID]
}

// Polls counts GetResults calls.
func (f *Fake) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}
