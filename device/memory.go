// MODUL: memory
// ZWECK: Speicherbuchhaltung pro Geraet (allocated, cached, peak)
// INPUT: Alloc/Free-Aufrufe beim Verschieben von Parametern
// OUTPUT: Stats-Snapshots pro Geraet
// NEBENEFFEKTE: Globaler Default-Tracker
// ABHAENGIGKEITEN: sync (stdlib)
// HINWEISE: Beschleuniger verhalten sich wie ein Caching-Allocator:
//           freigegebener Speicher wandert in den Cache bis EmptyCache

package device

import (
	"maps"
	"sync"
)

// Stats beschreibt die Speicherbelegung eines Geraets in Bytes.
type Stats struct {
	Allocated uint64 `json:"allocated"`
	Cached    uint64 `json:"cached"`
	Peak      uint64 `json:"peak"`
}

// Reserved ist die Summe aus belegtem und gecachtem Speicher.
func (s Stats) Reserved() uint64 {
	return s.Allocated + s.Cached
}

// Tracker zaehlt Speicher pro Geraet. Sicher fuer nebenlaeufige Nutzung.
type Tracker struct {
	mu    sync.Mutex
	stats map[Device]Stats
}

// NewTracker erstellt einen leeren Tracker.
func NewTracker() *Tracker {
	return &Tracker{stats: make(map[Device]Stats)}
}

// Default ist der prozessweite Tracker.
var Default = NewTracker()

func normalize(d Device) Device {
	if d.Type == "" {
		return CPU
	}
	return d
}

// Alloc verbucht n Bytes auf d. Gecachter Speicher wird zuerst wiederverwendet.
func (t *Tracker) Alloc(d Device, n uint64) {
	d = normalize(d)
	if d.Type == TypeMeta || n == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats[d]
	if d.IsAccelerator() {
		s.Cached -= min(s.Cached, n)
	}
	s.Allocated += n
	s.Peak = max(s.Peak, s.Allocated)
	t.stats[d] = s
}

// Free gibt n Bytes auf d frei.
func (t *Tracker) Free(d Device, n uint64) {
	d = normalize(d)
	if d.Type == TypeMeta || n == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats[d]
	n = min(n, s.Allocated)
	s.Allocated -= n
	if d.IsAccelerator() {
		s.Cached += n
	}
	t.stats[d] = s
}

// EmptyCache verwirft den Cache eines Geraets.
func (t *Tracker) EmptyCache(d Device) {
	d = normalize(d)

	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.stats[d]; ok {
		s.Cached = 0
		t.stats[d] = s
	}
}

// ResetPeak setzt den Peak auf die aktuelle Belegung zurueck.
func (t *Tracker) ResetPeak(d Device) {
	d = normalize(d)

	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.stats[d]; ok {
		s.Peak = s.Allocated
		t.stats[d] = s
	}
}

// Stats gibt die aktuelle Belegung von d zurueck.
func (t *Tracker) Stats(d Device) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats[normalize(d)]
}

// Snapshot gibt eine Kopie aller Eintraege zurueck, indiziert nach Geraete-String.
func (t *Tracker) Snapshot() map[string]Stats {
	t.mu.Lock()
	stats := maps.Clone(t.stats)
	t.mu.Unlock()

	out := make(map[string]Stats, len(stats))
	for d, s := range stats {
		out[d.String()] = s
	}
	return out
}

// Reset loescht alle Eintraege.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.stats)
}

// EmptyCache verwirft den Cache von d im Default-Tracker.
func EmptyCache(d Device) { Default.EmptyCache(d) }

// MemoryStats liest die Belegung von d aus dem Default-Tracker.
func MemoryStats(d Device) Stats { return Default.Stats(d) }

// ResetPeak setzt den Peak von d im Default-Tracker zurueck.
func ResetPeak(d Device) { Default.ResetPeak(d) }
