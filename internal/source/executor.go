package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dropstrike/internal/dedup"
	"dropstrike/internal/pool"
)

// WebhookOptions parameterise the strike webhook.
type WebhookOptions struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
}

// WebhookExecutor performs the strike action by POSTing the claimed
// opportunity to an external automation endpoint and reading back the
// result.
type WebhookExecutor struct {
	opts   WebhookOptions
	logger zerolog.Logger
	client *http.Client
}

// NewWebhookExecutor constructs a webhook executor.
func NewWebhookExecutor(opts WebhookOptions, logger zerolog.Logger) *WebhookExecutor {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &WebhookExecutor{
		opts:   opts,
		logger: logger.With().Str("component", "webhook_executor").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

type strikeRequest struct {
	Fingerprint string `json:"fingerprint"`
	Source      string `json:"source"`
	Event       string `json:"event"`
	Category    string `json:"category"`
	Price       string `json:"price"`
	Quantity    int    `json:"quantity"`
	ResourceID  string `json:"resource_id"`
	ResourcePID int32  `json:"resource_pid,omitempty"`
}

// Execute implements Executor. A 5xx status indicating a broken worker
// session is surfaced as pool.ErrResourceUnhealthy so the engine evicts the
// resource before retrying.
func (e *WebhookExecutor) Execute(ctx context.Context, opp dedup.Opportunity, res *pool.Resource) (Result, error) {
	if e.opts.URL == "" {
		return Result{}, errors.New("executor webhook url not configured")
	}

	body, err := json.Marshal(strikeRequest{
		Fingerprint: opp.Fingerprint,
		Source:      opp.Source,
		Event:       opp.Event,
		Category:    opp.Category,
		Price:       opp.Price.StringFixed(2),
		Quantity:    opp.Quantity,
		ResourceID:  res.ID,
		ResourcePID: res.PID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal strike request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.opts.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create strike request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(e.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("send strike request: %w", err)
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}

	if resp.StatusCode == http.StatusServiceUnavailable {
		return Result{}, fmt.Errorf("%w: executor reported broken session", pool.ErrResourceUnhealthy)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, parseHTTPError(resp.StatusCode, payloadBytes)
	}

	var result Result
	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return Result{}, fmt.Errorf("decode strike result: %w", err)
	}

	e.logger.Info().
		Str("fingerprint", opp.Fingerprint).
		Bool("success", result.Success).
		Msg("strike executed")
	return result, nil
}

var _ Executor = (*WebhookExecutor)(nil)
