// Package server - Generate Handler
// Beinhaltet: GenerateHandler, Request-Umwandlung in Pipeline-Optionen,
// Kodierung der Ausgabe
package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ollama/diffusion/api"
	"github.com/ollama/diffusion/envconfig"
	"github.com/ollama/diffusion/model"
	"github.com/ollama/diffusion/offload"
	"github.com/ollama/diffusion/pipeline"
	"github.com/ollama/diffusion/scheduler"
	"github.com/ollama/diffusion/tensor"
)

// requestOptions setzt die Pipeline-Optionen aus dem Request zusammen
func requestOptions(req api.GenerateRequest) (pipeline.Options, pipeline.ImageFormat, error) {
	opts := pipeline.DefaultOptions()

	if req.BatchSize > 0 {
		opts.BatchSize = req.BatchSize
	}

	if req.ClassLabels != nil {
		if req.ClassLabels.Scalar && len(req.ClassLabels.Values) == 1 {
			opts.ClassLabels = pipeline.Label(req.ClassLabels.Values[0])
		} else {
			opts.ClassLabels = pipeline.Labels(req.ClassLabels.Values...)
		}
	}

	if req.Steps > 0 {
		opts.Steps = req.Steps
	}
	opts.Timesteps = req.Timesteps

	switch {
	case len(req.Seeds) > 0:
		// seeds ist immer eine Liste pro Batch-Element, nie ein geteilter Seed
		if len(req.Seeds) != opts.BatchSize {
			return opts, "", fmt.Errorf("%w: %d seeds for a batch size of %d", pipeline.ErrInvalidArgument, len(req.Seeds), opts.BatchSize)
		}
		seeds := make([]uint64, len(req.Seeds))
		for i, s := range req.Seeds {
			seeds[i] = uint64(s)
		}
		opts.Generators = tensor.Generators(seeds...)
	case req.Seed != nil:
		opts.Generators = tensor.Generators(uint64(*req.Seed))
	}

	if req.OutputType != "" {
		opts.OutputType = pipeline.OutputType(req.OutputType)
	}

	if req.CallbackSteps != 0 {
		opts.CallbackSteps = req.CallbackSteps
	}

	f, err := pipeline.ParseImageFormat(req.Format)
	if err != nil {
		return opts, "", err
	}

	return opts, f, nil
}

// requestMode waehlt den Offload-Modus: Request vor DIFFUSION_OFFLOAD
func requestMode(req api.GenerateRequest) (offload.Mode, error) {
	s := req.Offload
	if s == "" {
		s = envconfig.Offload()
	}
	return offload.ParseMode(s)
}

// errorStatus bildet Pipeline-Fehler auf HTTP-Status ab
func errorStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidArgument),
		errors.Is(err, tensor.ErrGeneratorCount),
		errors.Is(err, scheduler.ErrTimesteps),
		errors.Is(err, pipeline.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrUnknownModel):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrDependencyUnavailable):
		return http.StatusNotImplemented
	case errors.Is(err, ErrMaxQueue):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// encodeOutput fuellt das finale Response-Record
func encodeOutput(res *api.GenerateResponse, out *pipeline.Output, f pipeline.ImageFormat) error {
	res.OutputType = string(out.Type)

	if out.Type == pipeline.OutputImage {
		res.Format = string(f)
		for _, img := range out.Images {
			var buf bytes.Buffer
			if err := f.Encode(&buf, img); err != nil {
				return err
			}
			res.Images = append(res.Images, base64.StdEncoding.EncodeToString(buf.Bytes()))
		}
		return nil
	}

	res.Data = out.Tensor.Data()
	res.Shape = out.Tensor.Shape()
	return nil
}

func (s *Server) GenerateHandler(c *gin.Context) {
	checkpointStart := time.Now()
	log := requestLogger(c)

	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Model == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}

	mode, err := requestMode(req)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts, f, err := requestOptions(req)
	if err != nil {
		c.AbortWithStatusJSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	release, err := s.sched.acquire(c.Request.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("generate request canceled while queued")
			return
		}
		c.AbortWithStatusJSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	ref, err := s.sched.load(req.Model, mode)
	if err != nil {
		release()
		c.AbortWithStatusJSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	// Die Generierung haelt den Slot bis Call zurueckkehrt, auch wenn der
	// Handler vorher aussteigt
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	ch := make(chan any)
	go func() {
		defer close(ch)
		defer release()

		send := func(v any) error {
			select {
			case ch <- v:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var total int
		opts.Progress = func(_, n int) { total = n }
		opts.Callback = func(step int, _ float32, _ *tensor.Tensor) error {
			return send(api.GenerateResponse{
				Model:     req.Model,
				CreatedAt: time.Now().UTC(),
				Completed: step + 1,
				Total:     total,
			})
		}

		out, err := ref.pipeline.Call(ctx, opts)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Warn("generation failed", "model", req.Model, "error", err)
			}
			send(gin.H{"error": err.Error(), "status": errorStatus(err)})
			return
		}

		res := api.GenerateResponse{
			Model:         req.Model,
			CreatedAt:     time.Now().UTC(),
			Completed:     total,
			Total:         total,
			Done:          true,
			DoneReason:    "stop",
			Device:        ref.pipeline.ExecutionDevice().String(),
			TotalDuration: time.Since(checkpointStart),
		}
		if err := encodeOutput(&res, out, f); err != nil {
			send(gin.H{"error": err.Error()})
			return
		}
		send(res)
	}()

	if req.Stream != nil && !*req.Stream {
		waitForResponse(c, ch)
		return
	}

	streamResponse(c, ch)
}

// waitForResponse verwirft Fortschritts-Records und schreibt nur das
// finale Ergebnis
func waitForResponse(c *gin.Context, ch chan any) {
	var final any
	for v := range ch {
		switch r := v.(type) {
		case api.GenerateResponse:
			if r.Done {
				final = r
			}
		case gin.H:
			status, ok := r["status"].(int)
			if !ok {
				status = http.StatusInternalServerError
			}
			c.JSON(status, gin.H{"error": r["error"]})
			return
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("unexpected response type %T", r)})
			return
		}
	}

	if final == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no response"})
		return
	}
	c.JSON(http.StatusOK, final)
}
