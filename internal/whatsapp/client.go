// Package whatsapp delivers agent replies through a gowa gateway.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"leadqual_backend/platform/config"
	"leadqual_backend/platform/logger"
)

const (
	sendPath     = "/send/message"
	maxAttempts  = 2
	retryBackoff = 500 * time.Millisecond
)

// ErrGateway wraps non-2xx gateway responses.
var ErrGateway = errors.New("whatsapp gateway error")

// Client posts text replies to the gateway. A nil *Client drops replies,
// which is how delivery is disabled.
type Client struct {
	endpoint string
	authz    string
	deviceID string
	http     *http.Client
	backoff  time.Duration
	log      *logger.Logger
}

type sendRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// gateway error bodies look like {"code":"...","message":"..."}
type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewClient returns nil when WHATSAPP_URL is empty.
func NewClient(cfg config.WhatsAppConfig, log *logger.Logger) *Client {
	base := strings.TrimRight(cfg.GetWhatsAppURL(), "/")
	if base == "" {
		return nil
	}
	if log == nil {
		log = logger.Discard()
	}

	c := &Client{
		endpoint: base + sendPath,
		deviceID: cfg.GetWhatsAppDeviceID(),
		http:     &http.Client{Timeout: 10 * time.Second},
		backoff:  retryBackoff,
		log:      log,
	}
	if key := cfg.GetWhatsAppKey(); key != "" {
		c.authz = formatAuthHeader(key)
	}
	return c
}

// SendMessage delivers message to an E.164 contact id. Transport failures and
// 5xx answers are retried once; 4xx answers are not.
func (c *Client) SendMessage(ctx context.Context, contactID, message string) error {
	if c == nil {
		return nil
	}

	phone := strings.TrimPrefix(contactID, "+")
	body, err := json.Marshal(sendRequest{Phone: phone, Message: message})
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retry, err := c.post(ctx, body)
		if err == nil {
			c.log.WithContext(ctx).Info("reply delivered", "phone", phone, "attempt", attempt)
			return nil
		}
		lastErr = err
		if !retry || attempt == maxAttempts {
			break
		}
		c.log.WithContext(ctx).Warn("reply delivery retrying", "phone", phone, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authz != "" {
		req.Header.Set("Authorization", c.authz)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-Id", c.deviceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("whatsapp request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(raw))
	var ge gatewayError
	if json.Unmarshal(raw, &ge) == nil && ge.Message != "" {
		detail = strings.TrimSpace(ge.Code + " " + ge.Message)
	}
	return resp.StatusCode >= http.StatusInternalServerError,
		fmt.Errorf("%w: status %d: %s", ErrGateway, resp.StatusCode, detail)
}

// formatAuthHeader accepts either "user:pass" or a ready "Basic ..." value.
func formatAuthHeader(key string) string {
	if strings.HasPrefix(strings.ToLower(key), "basic ") {
		return key
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(key))
}
