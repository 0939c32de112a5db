package models

import (
	"fmt"
	"strings"
)

// Category identifies one kind of telemetry pulled from the measurement service
type Category string

const (
	CategorySeries         Category = "series"
	CategoryRMS            Category = "rms"
	CategorySpectrum       Category = "spectrum"
	CategoryClassification Category = "classification"
)

// Categories lists every category in display order
var Categories = []Category{CategorySeries, CategoryRMS, CategorySpectrum, CategoryClassification}

// SeriesPoint is one voltage/current sample of the latest batch
type SeriesPoint struct {
	Timestamp string  `json:"timestamp"`
	Voltage   float64 `json:"voltage"`
	Current   float64 `json:"current"`
}

// RMSSnapshot holds the RMS values of a single service response
type RMSSnapshot struct {
	VoltageRMS float64 `json:"voltage_rms"`
	CurrentRMS float64 `json:"current_rms"`
	PowerRMS   float64 `json:"power_rms"`
	EnergyWh   float64 `json:"energy_wh"` // Energy over the last hour, as reported by the service
}

// SpectrumBin is the amplitude at one FFT frequency
type SpectrumBin struct {
	Frequency float64 `json:"frequency"`
	Amplitude float64 `json:"amplitude"`
}

// LoadType is the electrical character of the connected load
type LoadType string

const (
	LoadResistive  LoadType = "resistive"
	LoadInductive  LoadType = "inductive"
	LoadCapacitive LoadType = "capacitive"
)

// ParseLoadType accepts the service's labels ("Resistiva", "Indutiva", "Capacitiva")
// as well as the English names, case-insensitively
func ParseLoadType(s string) (LoadType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "resistive", "resistiva":
		return LoadResistive, nil
	case "inductive", "indutiva":
		return LoadInductive, nil
	case "capacitive", "capacitiva":
		return LoadCapacitive, nil
	default:
		return "", fmt.Errorf("unknown load type %q", s)
	}
}

// ClassificationResult is the outcome of a load identification request
type ClassificationResult struct {
	LoadType   LoadType `json:"load_type"`
	PhaseAngle float64  `json:"phase_angle"` // Degrees, current relative to voltage
}
