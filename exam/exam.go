// Package exam drives the simulated speaking test: a state machine
// walking three parts of questions, playing examiner prompts, detecting
// the end of each spoken answer, and handing finished turns to the
// upload pipeline.
package exam

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// EmptyTranscript replaces a turn's transcript when no speech was
// detected, so downstream consumers always get a non-empty value.
const EmptyTranscript = "(No speech detected or transcribed)"

// Phase is the top-level exam state.
type Phase string

const (
	PhasePreparation Phase = "preparation"
	PhaseTesting     Phase = "testing"
	PhaseProcessing  Phase = "processing"
	PhaseCompleted   Phase = "completed"
)

// Question is one examiner prompt. Part 2 has exactly one question,
// the cue card.
type Question struct {
	ID          string `yaml:"id"`
	Part        int    `yaml:"part"`
	Order       int    `yaml:"order"`
	Text        string `yaml:"text"`
	PromptAudio []byte `yaml:"-"`

	AudioFile string `yaml:"audio"`
}

// TurnRecord is the local append-only record of one completed turn.
type TurnRecord struct {
	Part         int
	Order        int
	QuestionText string
	Transcript   string
	CapForced    bool
}

// QuestionSet holds the exam's questions keyed by part, each part
// sorted by ascending order.
type QuestionSet struct {
	parts map[int][]Question
}

func NewQuestionSet(questions []Question) *QuestionSet {
	parts := map[int][]Question{}
	for _, q := range questions {
		parts[q.Part] = append(parts[q.Part], q)
	}
	for p := range parts {
		sort.Slice(parts[p], func(i, j int) bool {
			return parts[p][i].Order < parts[p][j].Order
		})
	}
	return &QuestionSet{parts: parts}
}

// Part returns the questions for one part, in order.
func (s *QuestionSet) Part(part int) []Question {
	return s.parts[part]
}

// Len counts all questions across parts.
func (s *QuestionSet) Len() int {
	n := 0
	for _, qs := range s.parts {
		n += len(qs)
	}
	return n
}

type manifest struct {
	TemplateID string     `yaml:"template_id"`
	Questions  []Question `yaml:"questions"`
}

// LoadQuestions reads a YAML question manifest. Prompt audio paths are
// resolved relative to the manifest file and loaded eagerly so a
// missing recording fails before the exam starts.
func LoadQuestions(path string) (*QuestionSet, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading question manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, "", fmt.Errorf("parsing question manifest %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for i := range m.Questions {
		q := &m.Questions[i]
		if q.AudioFile == "" {
			continue
		}
		audioPath := q.AudioFile
		if !filepath.IsAbs(audioPath) {
			audioPath = filepath.Join(base, audioPath)
		}
		q.PromptAudio, err = os.ReadFile(audioPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading prompt audio for question %s: %w", q.ID, err)
		}
	}
	return NewQuestionSet(m.Questions), m.TemplateID, nil
}
