package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Request describes one outbound call. Body is sent as ContentType, or as
// JSON when ContentType is empty.
type Request struct {
	Method      string
	URL         string
	Body        []byte
	ContentType string
	Headers     map[string]string
	Retries     int
	RetryDelay  time.Duration
}

// Do performs req with retry for transient failures. Retries apply to
// transport errors and 5xx responses only.
func Do(ctx context.Context, client *http.Client, req Request) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	retries := req.Retries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, req.RetryDelay); err != nil {
				return 0, nil, err
			}
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return 0, nil, err
		}
		if len(req.Body) > 0 {
			ct := req.ContentType
			if ct == "" {
				ct = "application/json"
			}
			httpReq.Header.Set("Content-Type", ct)
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 500 && attempt < retries {
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
