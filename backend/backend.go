// Package backend talks to the exam platform: session lifecycle,
// response audio upload, and score retrieval.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPayloadTooLarge is returned when a response recording exceeds the
// configured upload size cap.
var ErrPayloadTooLarge = errors.New("response audio exceeds upload size limit")

// Session is a remote exam session created before the test begins.
type Session struct {
	ID         string    `json:"id"`
	TemplateID string    `json:"template_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Results carries the band scores computed once the platform finishes
// scoring a completed session. Scores use one decimal place on the
// 0.0 to 9.0 band scale.
type Results struct {
	SessionID     string          `json:"session_id"`
	Overall       decimal.Decimal `json:"overall_band"`
	Fluency       decimal.Decimal `json:"fluency_band"`
	Pronunciation decimal.Decimal `json:"pronunciation_band"`
	Grammar       decimal.Decimal `json:"grammar_band"`
	Vocabulary    decimal.Decimal `json:"vocabulary_band"`
	Feedback      string          `json:"feedback"`
}

// UploadRequest describes one response recording to persist remotely.
type UploadRequest struct {
	SessionID  string
	QuestionID string
	Part       int
	Order      int
	Transcript string
	Audio      []byte
}

// Service is the platform API surface the exam manager depends on.
// GetResults returns (nil, nil) while scoring is still in progress.
type Service interface {
	CreateSession(ctx context.Context, templateID string) (*Session, error)
	UploadResponse(ctx context.Context, req UploadRequest) error
	MarkCompleted(ctx context.Context, sessionID string) error
	CheckStatus(ctx context.Context, sessionID string) (string, error)
	GetResults(ctx context.Context, sessionID string) (*Results, error)
}
