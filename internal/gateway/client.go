// Package gateway is the boundary to the external messaging channel:
// instance validation before a campaign may start, and the per-recipient
// send calls the dispatcher drives.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"
)

// ErrUnavailable means the breaker is open; sends fail fast until the
// gateway recovers.
var ErrUnavailable = errors.New("gateway unavailable")

// ValidationResult is the gateway's verdict on a sending account token.
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Client is what the scheduler and dispatcher need from the messaging
// gateway. Token format checking is local and cheap; everything else is
// a network call.
type Client interface {
	IsValidTokenFormat(token string) bool
	ValidateInstance(ctx context.Context, token string) (ValidationResult, error)
	SendText(ctx context.Context, token, phone, text string) error
	SendMedia(ctx context.Context, token, phone, caption, mediaURL string) error
}

// instance tokens: url-safe, fixed-ish length, no whitespace
var tokenRe = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

type HTTPClient struct {
	baseURL string
	client  *http.Client
	br      *Breaker
}

func NewHTTPClient(baseURL string, timeoutMs, failThreshold, openForMs int) *HTTPClient {
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:      NewBreaker(failThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

func (g *HTTPClient) IsValidTokenFormat(token string) bool {
	return tokenRe.MatchString(token)
}

func (g *HTTPClient) ValidateInstance(ctx context.Context, token string) (ValidationResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/instance/status", nil)
	if err != nil {
		return ValidationResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := g.client.Do(req)
	if err != nil {
		return ValidationResult{}, err
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return ValidationResult{Valid: false, Status: "error", Error: fmt.Sprintf("status=%d", res.StatusCode)}, nil
	}

	var vr ValidationResult
	if err := json.NewDecoder(res.Body).Decode(&vr); err != nil {
		return ValidationResult{}, fmt.Errorf("decode validation response: %w", err)
	}
	return vr, nil
}

type sendReq struct {
	Phone    string `json:"phone"`
	Text     string `json:"text"`
	MediaURL string `json:"media_url,omitempty"`
}

func (g *HTTPClient) SendText(ctx context.Context, token, phone, text string) error {
	return g.post(ctx, token, "/messages/text", sendReq{Phone: phone, Text: text})
}

func (g *HTTPClient) SendMedia(ctx context.Context, token, phone, caption, mediaURL string) error {
	return g.post(ctx, token, "/messages/media", sendReq{Phone: phone, Text: caption, MediaURL: mediaURL})
}

func (g *HTTPClient) post(ctx context.Context, token, path string, body sendReq) error {
	if !g.br.Allow() {
		return ErrUnavailable
	}

	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := g.client.Do(req)
	if err != nil {
		g.br.OnFailure()
		return err
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		g.br.OnFailure()
		return fmt.Errorf("gateway %s status=%d", path, res.StatusCode)
	}

	g.br.OnSuccess()
	return nil
}
