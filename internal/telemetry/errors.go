package telemetry

import (
	"errors"
	"fmt"

	"github.com/jgoulah/rtenergy/pkg/models"
)

// ErrorKind classifies why a telemetry call failed
type ErrorKind string

const (
	KindNetwork ErrorKind = "network" // Unreachable, refused, timed out or cancelled
	KindHTTP    ErrorKind = "http"    // Non-2xx status
	KindDecode  ErrorKind = "decode"  // Body not parseable into the expected shape
)

// TelemetryError is returned by every Client call that does not produce a value
type TelemetryError struct {
	Kind       ErrorKind
	Category   models.Category
	StatusCode int // Only set for KindHTTP
	Err        error
}

func (e *TelemetryError) Error() string {
	if e.Kind == KindHTTP {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Category, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Category, e.Kind, e.Err)
}

func (e *TelemetryError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a telemetry error, or "" if err is not one
func KindOf(err error) ErrorKind {
	var te *TelemetryError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
