package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

type failingReadCloser struct{}

func (failingReadCloser) Read(p []byte) (int, error) { return 0, errors.New("read failed") }
func (failingReadCloser) Close() error               { return nil }

func okResponse(body string) *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(body)), Header: http.Header{}}
}

func TestDoRetriesOn5xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	status, body, err := Do(context.Background(), srv.Client(), Request{Method: http.MethodGet, URL: srv.URL, Retries: 1, RetryDelay: time.Millisecond})
	if err != nil || status != http.StatusOK || string(body) != `{"ok":true}` || attempts != 2 {
		t.Fatalf("unexpected result status=%d body=%s attempts=%d err=%v", status, body, attempts, err)
	}
}

func TestDoNoRetryOn4xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	status, _, err := Do(context.Background(), srv.Client(), Request{Method: http.MethodGet, URL: srv.URL, Retries: 3})
	if err != nil || status != http.StatusBadRequest || attempts != 1 {
		t.Fatalf("status=%d attempts=%d err=%v", status, attempts, err)
	}
}

func TestDoHeadersAndContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Admin-Key"); got != "abc" {
			t.Errorf("expected header abc got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/x-www-form-urlencoded" {
			t.Errorf("unexpected content type %q", got)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	status, _, err := Do(context.Background(), nil, Request{
		Method:      http.MethodPost,
		URL:         srv.URL,
		Body:        []byte("a=1"),
		ContentType: "application/x-www-form-urlencoded",
		Headers:     map[string]string{"X-Admin-Key": "abc"},
	})
	if err != nil || status != http.StatusCreated {
		t.Fatalf("status=%d err=%v", status, err)
	}
}

func TestDoFailureBranches(t *testing.T) {
	if _, _, err := Do(context.Background(), http.DefaultClient, Request{Method: "bad method", URL: "http://example.com"}); err == nil {
		t.Fatal("expected invalid method error")
	}

	dialFail := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial failed")
	})}
	if _, _, err := Do(context.Background(), dialFail, Request{Method: http.MethodGet, URL: "http://example.com", Retries: -3}); err == nil || !strings.Contains(err.Error(), "dial failed") {
		t.Fatalf("expected transport failure, got %v", err)
	}

	attempts := 0
	flaky := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		attempts++
		if attempts == 1 {
			return &http.Response{StatusCode: http.StatusOK, Body: failingReadCloser{}, Header: http.Header{}}, nil
		}
		return okResponse(`{"ok":true}`), nil
	})}
	status, body, err := Do(context.Background(), flaky, Request{Method: http.MethodGet, URL: "http://example.com", Retries: 1})
	if err != nil || attempts != 2 || status != http.StatusOK || string(body) != `{"ok":true}` {
		t.Fatalf("unexpected retry result attempts=%d status=%d err=%v", attempts, status, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cancelling := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls++
		cancel()
		return nil, errors.New("temporary network")
	})}
	if _, _, err := Do(ctx, cancelling, Request{Method: http.MethodGet, URL: "http://example.com", Retries: 5, RetryDelay: time.Hour}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation during retry wait, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}
