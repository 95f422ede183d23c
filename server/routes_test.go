package server

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/diffusion/api"
	"github.com/ollama/diffusion/model"
	"github.com/ollama/diffusion/offload"
	"github.com/ollama/diffusion/pipeline"
	"github.com/ollama/diffusion/tensor"

	_ "github.com/ollama/diffusion/model/models/tinyunet"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	t.Setenv("DIFFUSION_DEVICE", "")
	t.Setenv("DIFFUSION_OFFLOAD", "")

	s := &Server{sched: InitScheduler()}
	t.Cleanup(s.sched.unloadAll)
	return s, s.GenerateRoutes()
}

// testRecorder erfuellt http.CloseNotifier, das gin fuer Stream braucht
type testRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newRecorder() *testRecorder {
	return &testRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
}

func (r *testRecorder) CloseNotify() <-chan bool {
	return r.closed
}

func newRequest(t *testing.T, path string, body any) *http.Request {
	t.Helper()
	bts, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(bts))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func post(t *testing.T, h http.Handler, path string, body any) *testRecorder {
	t.Helper()
	w := newRecorder()
	h.ServeHTTP(w, newRequest(t, path, body))
	return w
}

// brokenWriter simuliert einen Client, der die Verbindung verloren hat
type brokenWriter struct {
	*testRecorder
}

func (brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

// gatedModel haelt jeden Forward-Aufruf an, bis gate freigegeben wird
type gatedModel struct {
	model.Model
	entered chan struct{}
	gate    chan struct{}
	active  atomic.Int32
	overlap atomic.Bool
}

func (m *gatedModel) Forward(x *tensor.Tensor, t float32, labels *tensor.IntTensor) (*tensor.Tensor, error) {
	if m.active.Add(1) > 1 {
		m.overlap.Store(true)
	}
	defer m.active.Add(-1)

	m.entered <- struct{}{}
	<-m.gate
	return m.Model.Forward(x, t, labels)
}

func wait(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}
}

func decodeStream(t *testing.T, body string) []api.GenerateResponse {
	t.Helper()
	var out []api.GenerateResponse
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(nil, 16<<20)
	for scanner.Scan() {
		var r api.GenerateResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		out = append(out, r)
	}
	require.NoError(t, scanner.Err())
	return out
}

func ptr[T any](v T) *T { return &v }

func TestVersionAndHealth(t *testing.T) {
	_, h := newTestServer(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Diffusion is running", w.Body.String())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version"`)
}

func TestRequestID(t *testing.T) {
	_, h := newTestServer(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.Parse(w.Header().Get(requestIDHeader))
	assert.NoError(t, err)

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, id)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, id, w.Header().Get(requestIDHeader))
}

func TestGenerateStream(t *testing.T) {
	_, h := newTestServer(t)

	w := post(t, h, "/api/generate", api.GenerateRequest{
		Model: "tiny-unet",
		Steps: 3,
		Seed:  ptr(int64(1)),
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	records := decodeStream(t, w.Body.String())
	require.Len(t, records, 4)

	var completed []int
	for _, r := range records[:3] {
		assert.False(t, r.Done)
		assert.Equal(t, 3, r.Total)
		completed = append(completed, r.Completed)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, completed); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}

	final := records[3]
	assert.True(t, final.Done)
	assert.Equal(t, "pil", final.OutputType)
	assert.Equal(t, "png", final.Format)
	require.Len(t, final.Images, 1)

	raw, err := base64.StdEncoding.DecodeString(final.Images[0])
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
}

func TestGenerateArrayNoStream(t *testing.T) {
	_, h := newTestServer(t)

	w := post(t, h, "/api/generate", api.GenerateRequest{
		Model:      "tiny-unet",
		BatchSize:  2,
		Seeds:      []int64{1, 2},
		OutputType: "np",
		Stream:     ptr(false),
	})
	require.Equal(t, http.StatusOK, w.Code)

	var res api.GenerateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Done)
	assert.Equal(t, []int{2, 8, 8, 3}, res.Shape)
	assert.Len(t, res.Data, 2*8*8*3)
	for _, v := range res.Data {
		assert.True(t, v >= 0 && v <= 1)
	}
}

func TestGenerateCallbackSteps(t *testing.T) {
	_, h := newTestServer(t)

	w := post(t, h, "/api/generate", api.GenerateRequest{
		Model:         "tiny-unet",
		Steps:         4,
		CallbackSteps: 2,
		OutputType:    "latent",
	})
	require.Equal(t, http.StatusOK, w.Code)

	records := decodeStream(t, w.Body.String())
	require.Len(t, records, 3)
	assert.Equal(t, 1, records[0].Completed)
	assert.Equal(t, 3, records[1].Completed)
	assert.True(t, records[2].Done)
}

func TestGenerateErrors(t *testing.T) {
	_, h := newTestServer(t)

	cases := []struct {
		name   string
		req    api.GenerateRequest
		status int
	}{
		{"missing model", api.GenerateRequest{}, http.StatusBadRequest},
		{"unknown model", api.GenerateRequest{Model: "tiny-unt"}, http.StatusNotFound},
		{"bad offload", api.GenerateRequest{Model: "tiny-unet", Offload: "disk"}, http.StatusBadRequest},
		{"bad format", api.GenerateRequest{Model: "tiny-unet", Format: "gif"}, http.StatusBadRequest},
		{"seed count", api.GenerateRequest{Model: "tiny-unet", BatchSize: 2, Seeds: []int64{1, 2, 3}}, http.StatusBadRequest},
		{"single seed list", api.GenerateRequest{Model: "tiny-unet", BatchSize: 2, Seeds: []int64{7}}, http.StatusBadRequest},
		{"seed list default batch", api.GenerateRequest{Model: "tiny-unet", Seeds: []int64{1, 2}}, http.StatusBadRequest},
		{"scalar label batch", api.GenerateRequest{Model: "tiny-unet-cond", BatchSize: 2, ClassLabels: &api.ClassLabels{Values: []int{1}, Scalar: true}}, http.StatusBadRequest},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, h, "/api/generate", tt.req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestPsAfterGenerate(t *testing.T) {
	_, h := newTestServer(t)

	w := post(t, h, "/api/generate", api.GenerateRequest{Model: "tiny-unet", Offload: "model", Stream: ptr(false)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = newRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ps", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var ps api.ProcessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ps))
	require.Len(t, ps.Models, 1)
	assert.Equal(t, "tiny-unet", ps.Models[0].Name)
	assert.Equal(t, offload.ModeModel.String(), ps.Models[0].Offload)
	assert.Positive(t, ps.Models[0].Parameters)
	assert.Contains(t, ps.Memory, "virtual:0")
}

func TestDevicesAndTags(t *testing.T) {
	_, h := newTestServer(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/devices", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var dr api.DevicesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dr))
	var names []string
	for _, d := range dr.Devices {
		names = append(names, d.Device)
	}
	assert.Contains(t, names, "cpu")

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tags", nil))
	var lr api.ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lr))
	assert.Contains(t, lr.Models, "tiny-unet")
}

func TestQueueFull(t *testing.T) {
	s := &Server{sched: InitScheduler()}
	s.sched.maxQueue = 0

	_, err := s.sched.acquire(t.Context())
	assert.ErrorIs(t, err, ErrMaxQueue)
	assert.Equal(t, http.StatusServiceUnavailable, errorStatus(err))
}

func TestGenerateHoldsSlotAfterDisconnect(t *testing.T) {
	s, h := newTestServer(t)

	gm := &gatedModel{entered: make(chan struct{}, 8), gate: make(chan struct{})}
	s.sched.loadFn = func(name string, opts pipeline.LoadOptions) (*pipeline.Pipeline, error) {
		p, err := pipeline.Load(name, opts)
		if err != nil {
			return nil, err
		}
		gm.Model = p.Model
		p.Model = gm
		return p, nil
	}

	serve := func(w http.ResponseWriter) <-chan struct{} {
		done := make(chan struct{})
		req := newRequest(t, "/api/generate", api.GenerateRequest{Model: "tiny-unet", Steps: 3, Seed: ptr(int64(1))})
		go func() {
			defer close(done)
			h.ServeHTTP(w, req)
		}()
		return done
	}

	// Der erste Client bricht nach dem ersten Fortschritts-Record ab,
	// seine Generierung laeuft danach noch weiter
	first := serve(brokenWriter{newRecorder()})
	wait(t, gm.entered)
	gm.gate <- struct{}{}
	wait(t, first)

	w := newRecorder()
	second := serve(w)

	timeout := time.After(10 * time.Second)
	for running := true; running; {
		select {
		case <-gm.entered:
			gm.gate <- struct{}{}
		case <-second:
			running = false
		case <-timeout:
			t.Fatal("second generation did not finish")
		}
	}

	assert.False(t, gm.overlap.Load(), "generations overlapped on one pipeline")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	records := decodeStream(t, w.Body.String())
	require.NotEmpty(t, records)
	assert.True(t, records[len(records)-1].Done)
}
