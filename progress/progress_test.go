package progress

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStepBar(t *testing.T) {
	bar := NewStepBar("Generating", 4)
	assert.Contains(t, bar.String(), " 0/4 ")

	bar.Set(2)
	s := bar.String()
	assert.True(t, strings.HasPrefix(s, "Generating ▕"))
	assert.Contains(t, s, " 2/4 ")

	bar.Set(10)
	assert.Contains(t, bar.String(), " 4/4 ")
	assert.NotContains(t, bar.String(), " ▏")
}

func TestSpinnerStop(t *testing.T) {
	s := NewSpinner("loading")
	assert.True(t, strings.HasPrefix(s.String(), "loading "))

	s.Stop()
	s.Stop()
	assert.Equal(t, "loading ", s.String())
}

func TestProgressStop(t *testing.T) {
	var buf syncBuffer
	p := NewProgress(&buf)
	bar := NewStepBar("Generating", 2)
	p.Add("", bar)
	bar.Set(2)

	assert.True(t, p.Stop())
	assert.False(t, p.Stop())
	assert.Contains(t, buf.String(), "2/2")
}
