package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cloverzero/peeko/pkg/transport"
)

func TestParseChallenge(t *testing.T) {
	header := `Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/nginx:pull"`
	c, err := ParseChallenge(header)
	if err != nil {
		t.Fatalf("ParseChallenge error: %v", err)
	}
	if c.Realm != "https://auth.docker.io/token" {
		t.Errorf("Realm = %q", c.Realm)
	}
	if c.Service != "registry.docker.io" {
		t.Errorf("Service = %q", c.Service)
	}
	if c.Scope != "repository:library/nginx:pull" {
		t.Errorf("Scope = %q", c.Scope)
	}
}

func TestParseChallengeRejectsNonBearer(t *testing.T) {
	if _, err := ParseChallenge(`Basic realm="x"`); err == nil {
		t.Error("expected error for non-Bearer challenge")
	}
}

func TestTokenExchangeAndCache(t *testing.T) {
	var exchanges int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&exchanges, 1)
		if got := r.URL.Query().Get("scope"); got != "repository:library/nginx:pull" {
			t.Errorf("scope query = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "T"})
	}))
	defer srv.Close()

	n := New(transport.New(nil))
	c := Challenge{Realm: srv.URL, Service: "registry.docker.io", Scope: "repository:library/nginx:pull"}

	tok, err := n.Token(context.Background(), c)
	if err != nil {
		t.Fatalf("Token error: %v", err)
	}
	if tok != "T" {
		t.Errorf("token = %q, want T", tok)
	}

	// Second call for the same scope must hit the cache, not the network.
	if _, err := n.Token(context.Background(), c); err != nil {
		t.Fatalf("Token (cached) error: %v", err)
	}
	if atomic.LoadInt32(&exchanges) != 1 {
		t.Errorf("expected exactly one token exchange, got %d", exchanges)
	}
}

func TestTokenExchangeAcceptsAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "AT"})
	}))
	defer srv.Close()

	n := New(transport.New(nil))
	tok, err := n.Token(context.Background(), Challenge{Realm: srv.URL})
	if err != nil {
		t.Fatalf("Token error: %v", err)
	}
	if tok != "AT" {
		t.Errorf("token = %q, want AT", tok)
	}
}

func TestTokenExchangeFailsWhenTokenEndpointReturns401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	n := New(transport.New(nil))
	if _, err := n.Token(context.Background(), Challenge{Realm: srv.URL}); err == nil {
		t.Error("expected AuthRejected error when token endpoint itself returns 401")
	}
}
