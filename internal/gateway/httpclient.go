package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/feedbox/billing/internal/metrics"
	log "github.com/sirupsen/logrus"
)

const maxProviderBody = 1 << 20

// JSONClient performs bounded JSON calls against a provider REST API.
type JSONClient struct {
	Gateway string
	BaseURL string
	Headers map[string]string
	Timeout time.Duration
	Client  *http.Client
}

// Do sends body as JSON and decodes a 2xx response into out. Non-2xx responses become *ProviderError.
func (c *JSONClient) Do(ctx context.Context, op, method, path string, body, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, errMarshal := json.Marshal(body)
		if errMarshal != nil {
			return fmt.Errorf("%s: %s: encode request: %w", c.Gateway, op, errMarshal)
		}
		reader = bytes.NewReader(payload)
	}
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, errReq := http.NewRequestWithContext(requestCtx, method, url, reader)
	if errReq != nil {
		return fmt.Errorf("%s: %s: build request: %w", c.Gateway, op, errReq)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.Headers {
		req.Header.Set(key, value)
	}

	started := time.Now()
	resp, errDo := client.Do(req)
	metrics.GatewayRequestDuration.WithLabelValues(c.Gateway, op).Observe(time.Since(started).Seconds())
	if errDo != nil {
		return fmt.Errorf("%s: %s: request failed: %w", c.Gateway, op, errDo)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Warnf("%s: close response body failed", c.Gateway)
		}
	}()

	raw, errRead := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if errRead != nil {
		return fmt.Errorf("%s: %s: read response: %w", c.Gateway, op, errRead)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		perr := &ProviderError{Gateway: c.Gateway, Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
		log.WithFields(log.Fields{
			"gateway": c.Gateway,
			"op":      op,
			"status":  resp.StatusCode,
			"body":    perr.Body,
		}).Warn("gateway: provider rejected request")
		return perr
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if errDecode := json.Unmarshal(raw, out); errDecode != nil {
		return fmt.Errorf("%s: %s: decode response: %w", c.Gateway, op, errDecode)
	}
	return nil
}
