// Package server - Scheduler Typen
//
// Diese Datei enthaelt:
// - ErrMaxQueue
// - runnerRef: eine geladene Pipeline
// - Scheduler: Pipeline-Cache und Generierungs-Semaphore
package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ollama/diffusion/envconfig"
	"github.com/ollama/diffusion/offload"
	"github.com/ollama/diffusion/pipeline"
)

// ErrMaxQueue wird zurueckgegeben wenn die Warteschlange voll ist
var ErrMaxQueue = errors.New("server busy, please try again.  maximum pending requests exceeded")

type loadKey struct {
	model   string
	offload offload.Mode
}

// runnerRef ist eine geladene Pipeline
type runnerRef struct {
	model    string
	pipeline *pipeline.Pipeline
	loadedAt time.Time
}

// Scheduler haelt die geladenen Pipelines. Eine Pipeline ist nicht
// nebenlaeufig nutzbar, daher laeuft immer nur eine Generierung.
type Scheduler struct {
	// loadedMu schuetzt loaded
	loadedMu sync.Mutex
	loaded   map[loadKey]*runnerRef

	active   *semaphore.Weighted
	pending  atomic.Int64
	maxQueue int64

	loadFn func(name string, opts pipeline.LoadOptions) (*pipeline.Pipeline, error)
}

func InitScheduler() *Scheduler {
	return &Scheduler{
		loaded:   make(map[loadKey]*runnerRef),
		active:   semaphore.NewWeighted(1),
		maxQueue: int64(envconfig.MaxQueue()),
		loadFn:   pipeline.Load,
	}
}
