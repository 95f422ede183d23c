package device

import "fmt"

// BackendError repraesentiert einen Backend-spezifischen Fehler.
type BackendError struct {
	Type Type
	Op   string
	Code int
}

// Error implementiert error Interface.
func (e *BackendError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s not available (code %d)", e.Type, e.Op, e.Code)
	}
	return string(e.Type) + ": " + e.Op + " not available"
}
