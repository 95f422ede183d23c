package cmd

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/diffusion/api"
	"github.com/ollama/diffusion/benchmark"
	"github.com/ollama/diffusion/envconfig"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := NewCLI()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestAppendEnvDocs(t *testing.T) {
	cmd := &cobra.Command{Use: "x"}
	envs := envconfig.AsMap()
	appendEnvDocs(cmd, []envconfig.EnvVar{envs["DIFFUSION_HOST"]})

	usage := cmd.UsageString()
	assert.Contains(t, usage, "Environment Variables:")
	assert.Contains(t, usage, "DIFFUSION_HOST")
}

func TestGenerateRequestFromFlags(t *testing.T) {
	opts := generateOptions{Model: "tiny-unet-cond", BatchSize: 1, Seeds: []int64{7}, Labels: []int{3}}
	req := opts.request()
	require.NotNil(t, req.Seed)
	assert.Equal(t, int64(7), *req.Seed)
	assert.Nil(t, req.Seeds)
	assert.True(t, req.ClassLabels.Scalar)

	opts = generateOptions{Model: "tiny-unet-cond", BatchSize: 2, Seeds: []int64{1, 2}, Labels: []int{3, 4}}
	req = opts.request()
	assert.Nil(t, req.Seed)
	assert.Equal(t, []int64{1, 2}, req.Seeds)
	assert.False(t, req.ClassLabels.Scalar)

	popts := opts.pipelineOptions()
	assert.Len(t, popts.Generators, 2)
	assert.False(t, popts.ClassLabels.IsScalar())
	assert.Equal(t, []int64{3, 4}, popts.ClassLabels.Values())
}

func TestGenerateRemote(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())

	var got api.GenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		enc := json.NewEncoder(w)
		enc.Encode(api.GenerateResponse{Model: got.Model, Completed: 1, Total: 2})
		enc.Encode(api.GenerateResponse{Model: got.Model, Completed: 2, Total: 2})
		enc.Encode(api.GenerateResponse{Model: got.Model, Done: true, OutputType: "pil", Format: "png", Images: []string{encoded, encoded}})
	}))
	defer srv.Close()

	dir := t.TempDir()
	t.Setenv("DIFFUSION_HOST", srv.URL)
	t.Setenv("DIFFUSION_OUTPUT_DIR", dir)

	require.NoError(t, execute(t, "generate", "tiny-unet", "--steps", "2", "--batch", "2", "--seed", "1,2"))

	assert.Equal(t, "tiny-unet", got.Model)
	assert.Equal(t, 2, got.Steps)
	assert.Equal(t, []int64{1, 2}, got.Seeds)

	matches, err := filepath.Glob(filepath.Join(dir, "tiny-unet-*.png"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestGenerateRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": `unknown model "tiny-unt"`})
	}))
	defer srv.Close()

	t.Setenv("DIFFUSION_HOST", srv.URL)
	t.Setenv("DIFFUSION_OUTPUT_DIR", t.TempDir())

	err := execute(t, "generate", "tiny-unt")
	var serr api.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.StatusCode)
}

func TestGenerateLocal(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DIFFUSION_DEVICE", "cpu")
	t.Setenv("DIFFUSION_OFFLOAD", "")

	require.NoError(t, execute(t, "generate", "--local", "--steps", "2", "--seed", "0", "--format", "bmp", "-o", dir))

	matches, err := filepath.Glob(filepath.Join(dir, "tiny-unet-*-0.bmp"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestGenerateLocalArray(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DIFFUSION_DEVICE", "cpu")
	t.Setenv("DIFFUSION_OFFLOAD", "")

	require.NoError(t, execute(t, "generate", "--local", "--output-type", "np", "--batch", "2", "-o", dir))

	matches, err := filepath.Glob(filepath.Join(dir, "tiny-unet-*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	bts, err := os.ReadFile(matches[0])
	require.NoError(t, err)

	var out struct {
		Shape []int     `json:"shape"`
		Data  []float32 `json:"data"`
	}
	require.NoError(t, json.Unmarshal(bts, &out))
	require.Len(t, out.Shape, 4)
	assert.Equal(t, 2, out.Shape[0])
	assert.Equal(t, out.Shape[0]*out.Shape[1]*out.Shape[2]*out.Shape[3], len(out.Data))
}

func TestBenchStoresRun(t *testing.T) {
	t.Setenv("DIFFUSION_DEVICE", "")
	t.Setenv("DIFFUSION_OFFLOAD_RUNTIME", "")

	db := filepath.Join(t.TempDir(), "bench.db")
	out := t.TempDir()

	require.NoError(t, execute(t, "bench", "--scenario", "tiny-unet-bf16", "--iterations", "1", "--warmup", "0", "--device", "virtual:0", "--db", db, "--out", out))

	store, err := benchmark.OpenStore(db)
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Results)

	csvs, err := filepath.Glob(filepath.Join(out, "*.csv"))
	require.NoError(t, err)
	assert.Len(t, csvs, 1)

	require.NoError(t, execute(t, "bench", "--runs", "--db", db))
	require.NoError(t, execute(t, "bench", "--runs", "--show", runs[0].RunID, "--db", db))
}

func TestBenchUnknownScenario(t *testing.T) {
	err := execute(t, "bench", "--scenario", "tiny-unet-bf61", "--no-db")
	require.ErrorIs(t, err, benchmark.ErrUnknownScenario)
	assert.Contains(t, err.Error(), "tiny-unet-bf16")
}
