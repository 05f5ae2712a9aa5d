// Package auth negotiates Docker-distribution-style bearer token challenges
// (spec.md §4.C) and caches tokens for the process lifetime.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/cloverzero/peeko/pkg/errs"
	"github.com/cloverzero/peeko/pkg/transport"
)

// Challenge is a parsed "WWW-Authenticate: Bearer ..." header.
type Challenge struct {
	Realm   string
	Service string
	Scope   string
}

// ParseChallenge parses the value of a WWW-Authenticate header of scheme
// Bearer, e.g.:
//
//	Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/nginx:pull"
func ParseChallenge(header string) (Challenge, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return Challenge{}, fmt.Errorf("not a Bearer challenge: %q", header)
	}

	var c Challenge
	for _, part := range strings.Split(strings.TrimPrefix(header, prefix), ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := kv[0]
		val := strings.Trim(kv[1], `"`)
		switch key {
		case "realm":
			c.Realm = val
		case "service":
			c.Service = val
		case "scope":
			c.Scope = val
		}
	}

	if c.Realm == "" {
		return Challenge{}, fmt.Errorf("bearer challenge missing realm: %q", header)
	}
	return c, nil
}

type cacheKey struct {
	realm, service, scope string
}

// tokens is the single per-process token cache shared by every Negotiator,
// keyed by (realm, service, scope) and guarded by tokensMu.
var (
	tokensMu sync.Mutex
	tokens   = make(map[cacheKey]string)
)

// Negotiator exchanges bearer challenges for tokens and caches them in the
// process-wide token cache for the process lifetime (spec.md §5: "Token
// cache: single per-process shared map... serialized by a mutex").
type Negotiator struct {
	transport *transport.Transport
}

// New builds a Negotiator using t to perform the token-exchange GET.
func New(t *transport.Transport) *Negotiator {
	return &Negotiator{transport: t}
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// Token returns a bearer token satisfying c, from cache if present,
// otherwise performing the token-exchange GET described in spec.md §4.C.
func (n *Negotiator) Token(ctx context.Context, c Challenge) (string, error) {
	key := cacheKey{c.Realm, c.Service, c.Scope}

	tokensMu.Lock()
	if tok, ok := tokens[key]; ok {
		tokensMu.Unlock()
		return tok, nil
	}
	tokensMu.Unlock()

	tokenURL, err := buildTokenURL(c)
	if err != nil {
		return "", errs.New("auth.Token", c.Realm, errs.ErrAuthRejected, err)
	}

	resp, err := n.transport.Fetch(ctx, tokenURL, nil, nil)
	if err != nil {
		return "", errs.New("auth.Token", c.Realm, errs.ErrAuthRejected, err)
	}
	defer resp.Body.Close()

	if resp.Status != http.StatusOK {
		return "", errs.New("auth.Token", c.Realm, errs.ErrAuthRejected,
			fmt.Errorf("token endpoint returned http %d", resp.Status))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", errs.New("auth.Token", c.Realm, errs.ErrAuthRejected, err)
	}

	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return "", errs.New("auth.Token", c.Realm, errs.ErrAuthRejected,
			fmt.Errorf("token endpoint response had no token or access_token"))
	}

	tokensMu.Lock()
	tokens[key] = token
	tokensMu.Unlock()

	return token, nil
}

func buildTokenURL(c Challenge) (string, error) {
	u, err := url.Parse(c.Realm)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if c.Service != "" {
		q.Set("service", c.Service)
	}
	if c.Scope != "" {
		q.Set("scope", c.Scope)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
