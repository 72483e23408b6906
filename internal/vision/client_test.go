package vision

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func clientFor(srv *httptest.Server) *Client {
	c := NewClient("key", "model")
	c.HTTPClient = &http.Client{Timeout: time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "http"
		req.URL.Host = srv.Listener.Addr().String()
		return http.DefaultTransport.RoundTrip(req)
	})}
	return c
}

func TestAnalyze_NoKey(t *testing.T) {
	c := NewClient("", "model")
	if _, err := c.Analyze(context.Background(), []byte{1}, "hi"); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestAnalyze_EmptyImage(t *testing.T) {
	c := NewClient("key", "model")
	if _, err := c.Analyze(context.Background(), nil, "hi"); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}
}

func TestAnalyze_SendsDataURIAndPrompt(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":" a red mug "}}]}`))
	}))
	defer srv.Close()

	c := clientFor(srv)
	answer, err := c.Analyze(context.Background(), []byte("jpegbytes"), "what is this")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if answer != "a red mug" {
		t.Fatalf("expected trimmed answer, got %q", answer)
	}

	raw, _ := json.Marshal(gotBody)
	if !strings.Contains(string(raw), "data:image/jpeg;base64,") {
		t.Fatalf("expected base64 data URI in request: %s", raw)
	}
	if !strings.Contains(string(raw), "what is this") {
		t.Fatalf("expected prompt in request: %s", raw)
	}
}

func TestAnalyzeWithMode_PrefixesPrompt(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := clientFor(srv)
	if _, err := c.AnalyzeWithMode(context.Background(), []byte{1}, "near the door", ModeObjectDetection); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !strings.Contains(body, "List the distinct objects") {
		t.Fatalf("expected mode prefix in prompt: %s", body)
	}
}

func TestAnalyze_Failures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(error) bool
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(500)
			_, _ = w.Write([]byte("oops"))
		}, func(err error) bool {
			var se *StatusError
			return errors.As(err, &se) && se.Code == 500 && se.Body == "oops"
		}},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not-json"))
		}, func(err error) bool { return err != nil }},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}, func(err error) bool { return errors.Is(err, ErrEmptyResponse) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := clientFor(srv)
			_, err := c.Analyze(context.Background(), []byte{1}, "hi")
			if err == nil || !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
