// progress.go - Mehrzeilige Fortschrittsanzeige fuer das Terminal
// Rendert alle 100ms die registrierten States (Spinner, StepBar) an die
// gleiche Stelle im Terminal.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// State is a single line of a Progress.
type State interface {
	String() string
}

type Progress struct {
	mu sync.Mutex
	w  io.Writer

	pos    int
	states []State

	done    chan struct{}
	stopped bool
}

// NewProgress starts rendering to w until Stop or StopAndClear is called.
func NewProgress(w io.Writer) *Progress {
	p := &Progress{w: w, done: make(chan struct{})}
	go p.start()
	return p
}

func (p *Progress) stop() bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	p.stopped = true
	for _, state := range p.states {
		if spinner, ok := state.(*Spinner); ok {
			spinner.Stop()
		}
	}
	p.mu.Unlock()

	close(p.done)
	p.render()
	return true
}

// Stop renders a final frame and leaves it on screen.
func (p *Progress) Stop() bool {
	stopped := p.stop()
	if stopped {
		fmt.Fprint(p.w, "\n")
	}
	return stopped
}

// StopAndClear removes all progress lines.
func (p *Progress) StopAndClear() bool {
	fmt.Fprint(p.w, "\033[?25l")
	defer fmt.Fprint(p.w, "\033[?25h")

	stopped := p.stop()
	if stopped {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i := range p.pos {
			if i > 0 {
				fmt.Fprint(p.w, "\033[A")
			}
			fmt.Fprint(p.w, "\033[2K\033[1G")
		}
	}
	return stopped
}

// Add appends a line. key is reserved for replacing lines and is currently unused.
func (p *Progress) Add(key string, state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, state)
}

func (p *Progress) render() {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.w, "\033[?25l")
	defer fmt.Fprint(p.w, "\033[?25h")

	for range p.pos - 1 {
		fmt.Fprint(p.w, "\033[A")
	}
	fmt.Fprint(p.w, "\033[1G")

	for i, state := range p.states {
		fmt.Fprint(p.w, state.String(), "\033[K")
		if i < len(p.states)-1 {
			fmt.Fprint(p.w, "\n")
		}
	}

	p.pos = len(p.states)
}

func (p *Progress) start() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.render()
		}
	}
}
