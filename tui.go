package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mehadishakil/IELTSpeak-sub001/backend"
	"github.com/mehadishakil/IELTSpeak-sub001/exam"
)

// TUI message types
type SnapshotMsg struct{ Snap exam.Snapshot }
type tickMsg time.Time

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	phaseStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	recStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	speakStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	scoreStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("226"))
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).Width(70)
)

type tuiModel struct {
	snap          exam.Snapshot
	frame         int
	width, height int
}

func NewTUIProgram() *tea.Program {
	return tea.NewProgram(tuiModel{}, tea.WithAltScreen())
}

func tuiTick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case SnapshotMsg:
		m.snap = msg.Snap
	}
	return m, nil
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	s := m.snap
	var lines []string

	lines = append(lines, titleStyle.Render("IELTSpeak speaking test simulator"))
	lines = append(lines, phaseStyle.Render(fmt.Sprintf("phase: %s", s.Phase)))
	lines = append(lines, "")

	switch s.Phase {
	case exam.PhasePreparation:
		if s.LastErr != "" {
			lines = append(lines, errStyle.Render("✗ "+s.LastErr))
			lines = append(lines, phaseStyle.Render("fix the problem and restart to begin the test"))
		} else {
			lines = append(lines, "starting the test...")
		}

	case exam.PhaseTesting:
		lines = append(lines, titleStyle.Render(fmt.Sprintf("Part %d", s.Part)))
		if s.QuestionText != "" {
			lines = append(lines, promptStyle.Render(s.QuestionText))
		}
		lines = append(lines, "")

		if s.PrepRemaining > 0 {
			lines = append(lines, scoreStyle.Render(fmt.Sprintf("preparation time: %ds", s.PrepRemaining)))
			lines = append(lines, phaseStyle.Render("make notes; you will be asked to speak for up to two minutes"))
		}
		if s.Recording {
			status := recStyle.Render(fmt.Sprintf("● REC %.0fs", s.Elapsed.Seconds()))
			if s.Speaking {
				status += "  " + speakStyle.Render("listening...")
			}
			lines = append(lines, status)
			if s.SpeakRemaining > 0 {
				lines = append(lines, phaseStyle.Render(fmt.Sprintf("time remaining: %ds", s.SpeakRemaining)))
			}
		}

	case exam.PhaseProcessing:
		dots := strings.Repeat(".", m.frame%4)
		lines = append(lines, fmt.Sprintf("submitting your responses and waiting for scores%s", dots))

	case exam.PhaseCompleted:
		lines = append(lines, titleStyle.Render("Test complete"))
		lines = append(lines, phaseStyle.Render(fmt.Sprintf("%d responses recorded", s.Turns)))
		lines = append(lines, "")
		if s.Results != nil {
			lines = append(lines, renderResults(s.Results)...)
		} else {
			lines = append(lines, errStyle.Render("scores are not available yet; your responses were saved"))
		}
	}

	if s.LastErr != "" && s.Phase != exam.PhasePreparation {
		lines = append(lines, "", errStyle.Render("⚠ "+s.LastErr))
	}

	lines = append(lines, "", phaseStyle.Render("q quit"))
	return strings.Join(lines, "\n")
}

func renderResults(r *backend.Results) []string {
	rows := []struct {
		label string
		value string
	}{
		{"Overall band", r.Overall.StringFixed(1)},
		{"Fluency", r.Fluency.StringFixed(1)},
		{"Pronunciation", r.Pronunciation.StringFixed(1)},
		{"Grammar", r.Grammar.StringFixed(1)},
		{"Vocabulary", r.Vocabulary.StringFixed(1)},
	}
	out := make([]string, 0, len(rows)+2)
	for _, row := range rows {
		out = append(out, fmt.Sprintf("%-16s %s", row.label, scoreStyle.Render(row.value)))
	}
	if r.Feedback != "" {
		out = append(out, "", promptStyle.Render(r.Feedback))
	}
	return out
}
