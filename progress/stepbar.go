package progress

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// StepBar shows discrete progress such as denoising steps.
type StepBar struct {
	mu      sync.Mutex
	message string
	current int
	total   int
	started time.Time
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total, started: time.Now()}
}

func (s *StepBar) Set(current int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = min(current, s.total)
}

func (s *StepBar) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil || termWidth <= 0 {
		termWidth = 80
	}

	pre := s.message
	suf := fmt.Sprintf(" %d/%d %s", s.current, s.total, time.Since(s.started).Round(100*time.Millisecond))

	// Klammern und Abstaende
	barWidth := max(termWidth-len(pre)-len(suf)-4, 10)
	barWidth = min(barWidth, 40)

	filled := 0
	if s.total > 0 {
		filled = barWidth * s.current / s.total
	}

	var sb strings.Builder
	sb.WriteString(pre)
	sb.WriteString(" ▕")
	sb.WriteString(strings.Repeat("█", filled))
	sb.WriteString(strings.Repeat(" ", barWidth-filled))
	sb.WriteString("▏")
	sb.WriteString(suf)
	return sb.String()
}
