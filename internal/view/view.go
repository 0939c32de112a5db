// Package view renders a reconciled snapshot as a plain-text dashboard.
package view

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/jgoulah/rtenergy/internal/reconciler"
	"github.com/jgoulah/rtenergy/pkg/models"
)

// TopBins is how many spectrum bins the dashboard lists
const TopBins = 3

// FormatVolts rounds to one decimal, e.g. 219.97 -> "220.0 V"
func FormatVolts(v float64) string { return fmt.Sprintf("%.1f V", v) }

// FormatAmps rounds to one decimal, e.g. 12.34 -> "12.3 A"
func FormatAmps(a float64) string { return fmt.Sprintf("%.1f A", a) }

// FormatWatts rounds to one decimal, e.g. 2711.2 -> "2711.2 W"
func FormatWatts(w float64) string { return fmt.Sprintf("%.1f W", w) }

// FormatWattHours rounds to one decimal
func FormatWattHours(wh float64) string { return fmt.Sprintf("%.1f Wh", wh) }

// LoadLabel is the display name of a load type
func LoadLabel(l models.LoadType) string {
	switch l {
	case models.LoadResistive:
		return "Resistive"
	case models.LoadInductive:
		return "Inductive"
	case models.LoadCapacitive:
		return "Capacitive"
	}
	return "Unknown"
}

// WaveformStats summarizes a series window
type WaveformStats struct {
	Points      int
	VoltageMax  float64
	VoltageMin  float64
	CurrentMax  float64
	CurrentMin  float64
	VoltageMean float64
}

// Waveform computes peak values over the window. ok is false for an empty window.
func Waveform(series []models.SeriesPoint) (WaveformStats, bool) {
	if len(series) == 0 {
		return WaveformStats{}, false
	}

	volts := make([]float64, len(series))
	amps := make([]float64, len(series))
	for i, p := range series {
		volts[i] = p.Voltage
		amps[i] = p.Current
	}

	return WaveformStats{
		Points:      len(series),
		VoltageMax:  floats.Max(volts),
		VoltageMin:  floats.Min(volts),
		CurrentMax:  floats.Max(amps),
		CurrentMin:  floats.Min(amps),
		VoltageMean: stat.Mean(volts, nil),
	}, true
}

// StrongestBins returns up to n bins ordered by amplitude, highest first.
// The input is left untouched.
func StrongestBins(bins []models.SpectrumBin, n int) []models.SpectrumBin {
	sorted := make([]models.SpectrumBin, len(bins))
	copy(sorted, bins)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Amplitude > sorted[j].Amplitude
	})
	if n >= 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// Render writes the dashboard for snap. now is only used for the "updated ... ago" ages.
func Render(w io.Writer, snap reconciler.Snapshot, now time.Time) error {
	var b strings.Builder

	if snap.Connected {
		b.WriteString("Device: ONLINE\n")
	} else {
		b.WriteString("Device: OFFLINE\n")
	}
	b.WriteString(strings.Repeat("-", 60) + "\n")

	// RMS
	if snap.RMS != nil {
		fmt.Fprintf(&b, "%-10s %10s  %10s  %12s", "RMS", FormatVolts(snap.RMS.VoltageRMS),
			FormatAmps(snap.RMS.CurrentRMS), FormatWatts(snap.RMS.PowerRMS))
		if snap.RMS.EnergyWh != 0 {
			fmt.Fprintf(&b, "  %s", FormatWattHours(snap.RMS.EnergyWh))
		}
		b.WriteString(age(snap, models.CategoryRMS, now))
		b.WriteString("\n")
	} else {
		fmt.Fprintf(&b, "%-10s waiting for data\n", "RMS")
	}

	// Waveform
	if ws, ok := Waveform(snap.Series); ok {
		fmt.Fprintf(&b, "%-10s %d pts  V %s..%s  I %s..%s", "Waveform", ws.Points,
			FormatVolts(ws.VoltageMin), FormatVolts(ws.VoltageMax),
			FormatAmps(ws.CurrentMin), FormatAmps(ws.CurrentMax))
		b.WriteString(age(snap, models.CategorySeries, now))
		b.WriteString("\n")
	} else if snap.StatusOf(models.CategorySeries).Present {
		fmt.Fprintf(&b, "%-10s no points%s\n", "Waveform", age(snap, models.CategorySeries, now))
	} else {
		fmt.Fprintf(&b, "%-10s waiting for data\n", "Waveform")
	}

	// Spectrum
	fmt.Fprintf(&b, "%-10s ", "Spectrum")
	if top := StrongestBins(snap.Spectrum, TopBins); len(top) > 0 {
		parts := make([]string, len(top))
		for i, bin := range top {
			parts[i] = fmt.Sprintf("%.1f Hz (%.2f)", bin.Frequency, bin.Amplitude)
		}
		b.WriteString(strings.Join(parts, "  "))
		b.WriteString(age(snap, models.CategorySpectrum, now))
	} else if snap.StatusOf(models.CategorySpectrum).Present {
		b.WriteString("no bins")
	} else {
		b.WriteString("waiting for data")
	}
	if snap.SpectrumBusy {
		b.WriteString("  [refreshing]")
	}
	b.WriteString("\n")

	// Load
	fmt.Fprintf(&b, "%-10s ", "Load")
	if c := snap.Classification; c != nil {
		fmt.Fprintf(&b, "%s, phase angle %.1f°", LoadLabel(c.LoadType), c.PhaseAngle)
		b.WriteString(age(snap, models.CategoryClassification, now))
	} else {
		b.WriteString("not identified")
	}
	if snap.IdentifyBusy {
		b.WriteString("  [identifying]")
	}
	b.WriteString("\n")

	// Errors
	var errLines []string
	for _, c := range models.Categories {
		st := snap.StatusOf(c)
		if st.LastErr == nil {
			continue
		}
		errLines = append(errLines, fmt.Sprintf("  %-14s %v (%s)", c, st.LastErr, humanize.RelTime(st.ErrAt, now, "ago", "from now")))
	}
	if len(errLines) > 0 {
		b.WriteString("Errors:\n")
		b.WriteString(strings.Join(errLines, "\n"))
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func age(snap reconciler.Snapshot, category models.Category, now time.Time) string {
	st := snap.StatusOf(category)
	if !st.Present || st.UpdatedAt.IsZero() {
		return ""
	}
	return fmt.Sprintf("  (updated %s)", humanize.RelTime(st.UpdatedAt, now, "ago", "from now"))
}
