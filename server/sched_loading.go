// Package server - Scheduler Laden und Freigeben
//
// Diese Datei enthaelt:
// - acquire: Generierungs-Slot reservieren
// - load: Pipeline laden oder aus dem Cache holen
// - running, unloadAll
package server

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/offload"
	"github.com/ollama/diffusion/pipeline"
)

// acquire wartet auf den Generierungs-Slot. Ist die Warteschlange voll,
// kommt ErrMaxQueue zurueck.
func (s *Scheduler) acquire(ctx context.Context) (func(), error) {
	if s.pending.Add(1) > s.maxQueue {
		s.pending.Add(-1)
		return nil, ErrMaxQueue
	}
	defer s.pending.Add(-1)

	if err := s.active.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.active.Release(1) }, nil
}

// load gibt die Pipeline fuer name im Offload-Modus mode zurueck und laedt
// sie beim ersten Zugriff
func (s *Scheduler) load(name string, mode offload.Mode) (*runnerRef, error) {
	s.loadedMu.Lock()
	defer s.loadedMu.Unlock()

	key := loadKey{model: name, offload: mode}
	if ref, ok := s.loaded[key]; ok {
		slog.Debug("pipeline already loaded", "model", name, "offload", mode)
		return ref, nil
	}

	p, err := s.loadFn(name, pipeline.LoadOptions{Offload: mode})
	if err != nil {
		slog.Info("pipeline load failed", "model", name, "offload", mode, "error", err)
		return nil, err
	}

	ref := &runnerRef{model: name, pipeline: p, loadedAt: time.Now()}
	s.loaded[key] = ref
	return ref, nil
}

// running gibt die geladenen Pipelines sortiert nach Name zurueck
func (s *Scheduler) running() []*runnerRef {
	s.loadedMu.Lock()
	defer s.loadedMu.Unlock()

	refs := make([]*runnerRef, 0, len(s.loaded))
	for _, ref := range s.loaded {
		refs = append(refs, ref)
	}
	slices.SortFunc(refs, func(a, b *runnerRef) int {
		if c := cmp.Compare(a.model, b.model); c != 0 {
			return c
		}
		return cmp.Compare(a.pipeline.OffloadMode(), b.pipeline.OffloadMode())
	})
	return refs
}

// unloadAll entfernt Offload-Hooks, schiebt alle Modelle auf den Host und
// leert die Geraete-Caches
func (s *Scheduler) unloadAll() {
	s.loadedMu.Lock()
	defer s.loadedMu.Unlock()

	for key, ref := range s.loaded {
		prev := ref.pipeline.ExecutionDevice()
		ref.pipeline.DisableOffload()
		if err := ref.pipeline.To(device.CPU); err != nil {
			slog.Warn("failed to unload pipeline", "model", key.model, "error", err)
		}
		device.EmptyCache(prev)
		delete(s.loaded, key)
	}
}
