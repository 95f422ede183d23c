package envconfig

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHost(t *testing.T) {
	cases := map[string]struct {
		value  string
		expect string
	}{
		"empty":        {"", "127.0.0.1:11435"},
		"only address": {"1.2.3.4", "1.2.3.4:11435"},
		"only port":    {":1234", ":1234"},
		"address+port": {"1.2.3.4:1234", "1.2.3.4:1234"},
		"hostname":     {"example.com", "example.com:11435"},
		"http scheme":  {"http://example.com", "example.com:80"},
		"https scheme": {"https://example.com", "example.com:443"},
		"bad port":     {"1.2.3.4:99999", "1.2.3.4:11435"},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("DIFFUSION_HOST", tt.value)
			assert.Equal(t, tt.expect, Host().Host)
		})
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"true":  slog.LevelDebug,
		"1":     slog.LevelDebug,
		"2":     slog.Level(-8),
	}

	for value, expect := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("DIFFUSION_DEBUG", value)
			assert.Equal(t, expect, LogLevel())
		})
	}
}

func TestUintDefaults(t *testing.T) {
	t.Setenv("DIFFUSION_MAX_QUEUE", "")
	assert.Equal(t, uint(64), MaxQueue())

	t.Setenv("DIFFUSION_MAX_QUEUE", "8")
	assert.Equal(t, uint(8), MaxQueue())

	// ungueltige Werte fallen auf den Default zurueck
	t.Setenv("DIFFUSION_MAX_QUEUE", "abc")
	assert.Equal(t, uint(64), MaxQueue())
}

func TestVarTrimsQuotes(t *testing.T) {
	t.Setenv("DIFFUSION_OFFLOAD", ` "model" `)
	assert.Equal(t, "model", Offload())
}

func TestValuesContainsAllKeys(t *testing.T) {
	vals := Values()
	for k := range AsMap() {
		_, ok := vals[k]
		assert.True(t, ok, "Values fehlt %s", k)
	}
}
