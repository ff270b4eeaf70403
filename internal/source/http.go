package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dropstrike/internal/dedup"
)

// HTTPOptions parameterise the HTTP sighting feed.
type HTTPOptions struct {
	URL       string
	Endpoint  string
	UserAgent string
	Timeout   time.Duration
}

// HTTPSource polls a JSON endpoint for sighting records.
type HTTPSource struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPSource constructs an HTTP sighting source.
func NewHTTPSource(opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "source"
	}

	return &HTTPSource{
		opts:   opts,
		logger: logger.With().Str("component", "http_source").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Endpoint implements Source.
func (s *HTTPSource) Endpoint() string {
	return s.opts.Endpoint
}

type sightingPayload struct {
	Source     string          `json:"source"`
	Event      string          `json:"event"`
	Category   string          `json:"category"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int             `json:"quantity"`
	Confidence float64         `json:"confidence"`
	SeenAt     *time.Time      `json:"seen_at,omitempty"`
}

// Poll fetches the current batch of sightings.
func (s *HTTPSource) Poll(ctx context.Context) ([]dedup.Sighting, error) {
	if s.opts.URL == "" {
		return nil, errors.New("source url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payloadBytes)
	}

	var payload []sightingPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("decode sightings: %w", err)
	}

	now := time.Now().UTC()
	sightings := make([]dedup.Sighting, 0, len(payload))
	for _, p := range payload {
		seenAt := now
		if p.SeenAt != nil {
			seenAt = p.SeenAt.UTC()
		}
		sightings = append(sightings, dedup.Sighting{
			Source:     p.Source,
			Event:      p.Event,
			Category:   p.Category,
			Price:      p.Price,
			Quantity:   p.Quantity,
			Confidence: p.Confidence,
			SeenAt:     seenAt,
		})
	}

	s.logger.Debug().Int("count", len(sightings)).Msg("sightings polled")
	return sightings, nil
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("source api error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("source api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("source api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("source api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("source api error (%d)", status)
}

var _ Source = (*HTTPSource)(nil)
