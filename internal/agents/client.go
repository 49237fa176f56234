// Package agents is the HTTP client for the external analysis service that
// hosts the LLM agent graph. One call per stage; the coordinator treats the
// service as a black box.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Client invokes analysis stages on the agents service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a client for the agents service at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type stageRequest struct {
	Symbol string `json:"symbol"`
	Stage  string `json:"stage"`
}

type stageResponse struct {
	Error string `json:"error,omitempty"`
}

// RunStage executes one agent stage for symbol. A non-2xx response or a
// response-level error is returned as an error; retry policy is the caller's
// concern.
func (c *Client) RunStage(ctx context.Context, symbol, stage string) error {
	body, err := json.Marshal(stageRequest{Symbol: symbol, Stage: stage})
	if err != nil {
		return fmt.Errorf("encode stage request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build stage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("stage %s for %s: %w", stage, symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stage %s for %s: agents service returned %d: %s",
			stage, symbol, resp.StatusCode, bytes.TrimSpace(b))
	}

	var sr stageResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil && err != io.EOF {
		return fmt.Errorf("decode stage response: %w", err)
	}
	if sr.Error != "" {
		return fmt.Errorf("stage %s for %s: %s", stage, symbol, sr.Error)
	}

	c.logger.Debug("Stage call completed",
		zap.String("symbol", symbol),
		zap.String("stage", stage),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// Ping checks the agents service health endpoint; used for readiness.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agents service unhealthy: %d", resp.StatusCode)
	}
	return nil
}
