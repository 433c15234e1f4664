// Package tts is a pass-through proxy to the ElevenLabs text-to-speech API.
// It keeps the provider key on the server; callers send text and get audio.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"killswitch/pkg/httpx"
)

const (
	DefaultBaseURL     = "https://api.elevenlabs.io"
	defaultContentType = "audio/mpeg"
	// maxErrorBody bounds how much of a failed upstream response is kept.
	maxErrorBody = 4 << 10
)

var (
	ErrEmptyText     = errors.New("text is required")
	ErrNoVoice       = errors.New("voice_id is required")
	ErrBadVoice      = errors.New("voice_id is not a valid path segment")
	ErrNotConfigured = errors.New("tts provider key not configured")
)

// UpstreamError is a non-2xx answer from the provider.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("tts upstream returned %d", e.Status)
}

// Request is the caller-facing body of /tts and /tts/stream.
type Request struct {
	Text            string   `json:"text"`
	VoiceID         string   `json:"voice_id,omitempty"`
	ModelID         string   `json:"model_id,omitempty"`
	Stability       *float64 `json:"stability,omitempty"`
	SimilarityBoost *float64 `json:"similarity_boost,omitempty"`
}

type voiceSettings struct {
	Stability       *float64 `json:"stability,omitempty"`
	SimilarityBoost *float64 `json:"similarity_boost,omitempty"`
}

type upstreamBody struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id,omitempty"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// Client is safe for concurrent use once constructed.
type Client struct {
	BaseURL        string
	APIKey         string
	DefaultVoiceID string
	DefaultModelID string
	HTTP           *http.Client
}

// Audio is a fully buffered synthesis result.
type Audio struct {
	ContentType string
	Data        []byte
}

// Synthesize returns the whole clip.
func (c *Client) Synthesize(ctx context.Context, req Request) (Audio, error) {
	url, body, err := c.build(req, false)
	if err != nil {
		return Audio{}, err
	}
	status, data, err := httpx.Do(ctx, c.HTTP, httpx.Request{
		Method:  http.MethodPost,
		URL:     url,
		Body:    body,
		Headers: c.headers(),
	})
	if err != nil {
		return Audio{}, fmt.Errorf("tts request: %w", err)
	}
	if status < 200 || status > 299 {
		return Audio{}, &UpstreamError{Status: status, Body: truncate(data)}
	}
	return Audio{ContentType: defaultContentType, Data: data}, nil
}

// Stream opens the streaming endpoint. The caller must close the returned
// reader. Non-2xx answers are consumed and returned as *UpstreamError.
func (c *Client) Stream(ctx context.Context, req Request) (io.ReadCloser, string, error) {
	url, body, err := c.build(req, true)
	if err != nil {
		return nil, "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers() {
		httpReq.Header.Set(k, v)
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("tts stream request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, "", &UpstreamError{Status: resp.StatusCode, Body: string(data)}
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = defaultContentType
	}
	return resp.Body, ct, nil
}

func (c *Client) build(req Request, stream bool) (string, []byte, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return "", nil, ErrEmptyText
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return "", nil, ErrNotConfigured
	}
	voice := firstNonEmpty(req.VoiceID, c.DefaultVoiceID)
	if voice == "" {
		return "", nil, ErrNoVoice
	}
	if voice == "." || voice == ".." {
		return "", nil, ErrBadVoice
	}
	base := strings.TrimRight(firstNonEmpty(c.BaseURL, DefaultBaseURL), "/")
	endpoint := base + "/v1/text-to-speech/" + url.PathEscape(voice)
	if stream {
		endpoint += "/stream"
	}
	up := upstreamBody{Text: text, ModelID: firstNonEmpty(req.ModelID, c.DefaultModelID)}
	if req.Stability != nil || req.SimilarityBoost != nil {
		up.VoiceSettings = &voiceSettings{Stability: req.Stability, SimilarityBoost: req.SimilarityBoost}
	}
	body, err := json.Marshal(up)
	if err != nil {
		return "", nil, err
	}
	return endpoint, body, nil
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"xi-api-key": c.APIKey,
		"Accept":     defaultContentType,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return string(b)
}
