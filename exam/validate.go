package exam

import (
	"context"
	"fmt"

	"github.com/mehadishakil/IELTSpeak-sub001/audio"
	"github.com/mehadishakil/IELTSpeak-sub001/backend"
	"github.com/mehadishakil/IELTSpeak-sub001/speech"
)

// ValidationResult is produced once before testing begins. Errors
// block the exam; warnings do not.
type ValidationResult struct {
	IsValid  bool
	Errors   []string
	Warnings []string
}

func (v *ValidationResult) errorf(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

func (v *ValidationResult) warnf(format string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}

// Validate runs the pre-test checks: question structure, ID mapping,
// remote connectivity (best effort) and audio subsystem availability.
func Validate(ctx context.Context, qs *QuestionSet, svc backend.Service, sessionID string, recorder audio.Recorder, recog speech.Engine) ValidationResult {
	var v ValidationResult

	seen := map[string]bool{}
	for part := 1; part <= 3; part++ {
		questions := qs.Part(part)
		if len(questions) == 0 {
			v.errorf("part %d has no questions", part)
			continue
		}
		for _, q := range questions {
			if q.ID == "" {
				v.errorf("part %d question %d has an empty ID", part, q.Order)
				continue
			}
			if seen[q.ID] {
				v.errorf("question ID %s appears more than once", q.ID)
			}
			seen[q.ID] = true
			if len(q.PromptAudio) == 0 {
				v.errorf("question %s has no prompt audio", q.ID)
			}
			if q.Text == "" {
				v.warnf("question %s has no text", q.ID)
			}
		}
	}

	if svc != nil && sessionID != "" {
		if _, err := svc.CheckStatus(ctx, sessionID); err != nil {
			v.warnf("evaluation service unreachable: %v", err)
		}
	} else {
		v.warnf("no remote session; responses will only be kept locally")
	}

	if recorder == nil {
		v.errorf("no microphone input available")
	}
	if recog == nil {
		v.errorf("speech recognition unavailable")
	} else if err := recog.Authorize(ctx); err != nil {
		v.errorf("speech recognition not authorized: %v", err)
	}

	v.IsValid = len(v.Errors) == 0
	return v
}
