package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept header = %q, want application/json", got)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tr := New(nil)
	resp, err := tr.Fetch(context.Background(), srv.URL, nil, []string{"application/json"})
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q, want %q", body, "ok")
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.Status)
	}
}

func TestFetchRetriesOn5xx(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	tr := New(nil)
	resp, err := tr.Fetch(context.Background(), srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	defer resp.Body.Close()

	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := New(nil)
	_, err := tr.Fetch(context.Background(), srv.URL, nil, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestFetchPassesThroughHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer T" {
			t.Errorf("Authorization header = %q, want %q", got, "Bearer T")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := New(nil)
	headers := http.Header{}
	headers.Set("Authorization", "Bearer T")
	resp, err := tr.Fetch(context.Background(), srv.URL, headers, nil)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	resp.Body.Close()
}
