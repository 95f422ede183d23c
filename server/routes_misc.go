// Package server - Hilfs-Handler
// Beinhaltet: ListHandler, PsHandler, DevicesHandler, streamResponse
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ollama/diffusion/api"
	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/model"
	"github.com/ollama/diffusion/nn"
)

func (s *Server) ListHandler(c *gin.Context) {
	c.JSON(http.StatusOK, api.ListResponse{Models: model.Names()})
}

// PsHandler listet die geladenen Pipelines und den Speicherstand je Geraet
func (s *Server) PsHandler(c *gin.Context) {
	models := []api.ProcessModelResponse{}
	for _, ref := range s.sched.running() {
		m := ref.pipeline.Model
		models = append(models, api.ProcessModelResponse{
			Name:       ref.model,
			Device:     ref.pipeline.ExecutionDevice().String(),
			Offload:    ref.pipeline.OffloadMode().String(),
			DType:      m.Config().DType.String(),
			Parameters: int64(nn.NumParameters(m)),
			Size:       nn.Bytes(m),
			LoadedAt:   ref.loadedAt,
		})
	}

	memory := make(map[string]api.MemoryStats)
	for name, st := range device.Default.Snapshot() {
		memory[name] = api.MemoryStats{Allocated: st.Allocated, Cached: st.Cached, Peak: st.Peak}
	}

	c.JSON(http.StatusOK, api.ProcessResponse{Models: models, Memory: memory})
}

func (s *Server) DevicesHandler(c *gin.Context) {
	devices := []api.DeviceResponse{}
	for _, info := range device.Devices() {
		devices = append(devices, api.DeviceResponse{
			Device:      info.Device.String(),
			Name:        info.Name,
			MemoryTotal: info.MemoryTotal,
			MemoryFree:  info.MemoryFree,
			Runtime:     info.Runtime,
			Default:     info.IsDefault,
		})
	}
	c.JSON(http.StatusOK, api.DevicesResponse{Devices: devices})
}

func streamResponse(c *gin.Context, ch chan any) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Stream(func(w io.Writer) bool {
		val, ok := <-ch
		if !ok {
			return false
		}

		if h, ok := val.(gin.H); ok {
			if e, ok := h["error"].(string); ok {
				status, ok := h["status"].(int)
				if !ok {
					status = http.StatusInternalServerError
				}

				if !c.Writer.Written() {
					c.Header("Content-Type", "application/json")
					c.JSON(status, gin.H{"error": e})
				} else {
					if err := json.NewEncoder(c.Writer).Encode(gin.H{"error": e}); err != nil {
						slog.Error("streamResponse failed to encode json error", "error", err)
					}
				}

				return false
			}
		}

		bts, err := json.Marshal(val)
		if err != nil {
			slog.Info(fmt.Sprintf("streamResponse: json.Marshal failed with %s", err))
			return false
		}

		bts = append(bts, '\n')
		if _, err := w.Write(bts); err != nil {
			slog.Info(fmt.Sprintf("streamResponse: w.Write failed with %s", err))
			return false
		}

		return true
	})
}
