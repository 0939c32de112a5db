package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jgoulah/rtenergy/internal/log"
	"github.com/jgoulah/rtenergy/pkg/models"
)

const (
	// APIPrefix is the path under which the measurement service exposes its endpoints
	APIPrefix = "/rt_energy"

	pathLatestBatch = APIPrefix + "/latest_batch/"
	pathLatestRMS   = APIPrefix + "/latest_rms/"
	pathFFT         = APIPrefix + "/get_fft/"
	pathPhaseAngle  = APIPrefix + "/get_phase_angle/"

	// DefaultTimeout bounds a single request when none is configured
	DefaultTimeout = 4 * time.Second

	maxErrorBody = 512
)

// Client issues typed GET requests against the measurement service.
// It holds no per-call state and is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the service rooted at baseURL (e.g. "http://localhost:8000")
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the service root this client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

type batchPoint struct {
	Timestamp string   `json:"timestamp"`
	Voltage   *float64 `json:"voltage"`
	Current   *float64 `json:"current"`
}

type rmsResponse struct {
	VoltageRMS *float64 `json:"v_rms"`
	CurrentRMS *float64 `json:"i_rms"`
	PowerRMS   *float64 `json:"w_rms"`
	EnergyHour *float64 `json:"energy_hour"`
}

type fftBin struct {
	Frequency *float64 `json:"frequency"`
	Amplitude *float64 `json:"amplitude"`
}

type phaseAngleResponse struct {
	Type       string   `json:"type"`
	PhaseAngle *float64 `json:"phase_angle"`
}

// FetchSeriesBatch retrieves the latest voltage/current batch.
// Points with a null voltage or current are left out of the result.
func (c *Client) FetchSeriesBatch(ctx context.Context) ([]models.SeriesPoint, error) {
	var raw []batchPoint
	if err := c.get(ctx, models.CategorySeries, pathLatestBatch, &raw); err != nil {
		return nil, err
	}

	points := make([]models.SeriesPoint, 0, len(raw))
	for _, p := range raw {
		if p.Voltage == nil || p.Current == nil {
			continue
		}
		points = append(points, models.SeriesPoint{
			Timestamp: p.Timestamp,
			Voltage:   *p.Voltage,
			Current:   *p.Current,
		})
	}
	if dropped := len(raw) - len(points); dropped > 0 {
		log.Debugw("dropped incomplete series points", "dropped", dropped, "kept", len(points))
	}

	return points, nil
}

// FetchRMS retrieves the latest RMS voltage, current and power
func (c *Client) FetchRMS(ctx context.Context) (models.RMSSnapshot, error) {
	var raw rmsResponse
	if err := c.get(ctx, models.CategoryRMS, pathLatestRMS, &raw); err != nil {
		return models.RMSSnapshot{}, err
	}

	if raw.VoltageRMS == nil || raw.CurrentRMS == nil || raw.PowerRMS == nil {
		return models.RMSSnapshot{}, decodeError(models.CategoryRMS, fmt.Errorf("response is missing v_rms, i_rms or w_rms"))
	}

	snap := models.RMSSnapshot{
		VoltageRMS: *raw.VoltageRMS,
		CurrentRMS: *raw.CurrentRMS,
		PowerRMS:   *raw.PowerRMS,
	}
	if raw.EnergyHour != nil {
		snap.EnergyWh = *raw.EnergyHour
	}

	return snap, nil
}

// FetchSpectrum retrieves the FFT of the latest batch, ordered by ascending frequency
func (c *Client) FetchSpectrum(ctx context.Context) ([]models.SpectrumBin, error) {
	var raw []fftBin
	if err := c.get(ctx, models.CategorySpectrum, pathFFT, &raw); err != nil {
		return nil, err
	}

	bins := make([]models.SpectrumBin, 0, len(raw))
	for i, b := range raw {
		if b.Frequency == nil || b.Amplitude == nil {
			return nil, decodeError(models.CategorySpectrum, fmt.Errorf("bin %d is missing frequency or amplitude", i))
		}
		if *b.Frequency < 0 {
			return nil, decodeError(models.CategorySpectrum, fmt.Errorf("bin %d has negative frequency %v", i, *b.Frequency))
		}
		bins = append(bins, models.SpectrumBin{Frequency: *b.Frequency, Amplitude: *b.Amplitude})
	}

	sort.SliceStable(bins, func(i, j int) bool {
		return bins[i].Frequency < bins[j].Frequency
	})

	return bins, nil
}

// FetchClassification asks the service to classify the connected load
func (c *Client) FetchClassification(ctx context.Context) (models.ClassificationResult, error) {
	var raw phaseAngleResponse
	if err := c.get(ctx, models.CategoryClassification, pathPhaseAngle, &raw); err != nil {
		return models.ClassificationResult{}, err
	}

	if raw.PhaseAngle == nil {
		return models.ClassificationResult{}, decodeError(models.CategoryClassification, fmt.Errorf("response is missing phase_angle"))
	}
	loadType, err := models.ParseLoadType(raw.Type)
	if err != nil {
		return models.ClassificationResult{}, decodeError(models.CategoryClassification, err)
	}

	return models.ClassificationResult{LoadType: loadType, PhaseAngle: *raw.PhaseAngle}, nil
}

// get performs one GET and decodes the JSON body into v
func (c *Client) get(ctx context.Context, category models.Category, path string, v interface{}) error {
	reqURL := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return &TelemetryError{Kind: KindNetwork, Category: category, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TelemetryError{Kind: KindNetwork, Category: category, Err: fmt.Errorf("making request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &TelemetryError{
			Kind:       KindHTTP,
			Category:   category,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// A body cut short by a timeout or reset is a transport failure, not a bad payload
		return &TelemetryError{Kind: KindNetwork, Category: category, Err: fmt.Errorf("reading response body: %w", err)}
	}

	if err := json.Unmarshal(body, v); err != nil {
		return decodeError(category, fmt.Errorf("parsing response: %w", err))
	}

	log.Debugw("telemetry request complete", "category", category, "url", reqURL, "elapsed", time.Since(start))
	return nil
}

func decodeError(category models.Category, err error) error {
	return &TelemetryError{Kind: KindDecode, Category: category, Err: err}
}

// IsTimeout reports whether err came from a request that ran out of time
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
