// Package transport performs authenticated HTTPS GETs with retry and
// redirect handling (spec.md §4.B).
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cloverzero/peeko/pkg/errs"
)

const maxRedirects = 10

// Retry policy: base 250ms, factor 2, cap 4s, max 3 retries (4 attempts
// total), applied to connection resets and 5xx responses on idempotent
// GETs only.
const (
	retryBaseInterval = 250 * time.Millisecond
	retryMultiplier   = 2.0
	retryMaxInterval  = 4 * time.Second
	retryMaxAttempts  = uint(4)
)

// Response is a streamed HTTP response. Body must be closed by the caller.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Transport performs retrying, redirect-following HTTPS GETs.
type Transport struct {
	client *http.Client
}

// New builds a Transport. client may be nil to use a default
// http.Client with a bounded redirect policy.
func New(client *http.Client) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
	return &Transport{client: client}
}

// Fetch performs a GET against url with the given extra headers and Accept
// values, retrying idempotent failures per the backoff schedule above.
// The returned Response's Body is open only when err is nil; callers must
// close it.
func (t *Transport) Fetch(ctx context.Context, url string, headers http.Header, accept []string) (*Response, error) {
	op := func() (*Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(errs.New("transport.Fetch", url, errs.ErrIO, err))
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		for _, a := range accept {
			req.Header.Add("Accept", a)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(errs.New("transport.Fetch", url, errs.ErrCancelled, ctx.Err()))
			}
			// Connection-level failures are retried.
			return nil, errs.New("transport.Fetch", url, errs.ErrNetwork, err)
		}

		if resp.StatusCode >= 500 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, errs.New("transport.Fetch", url, errs.ErrNetwork,
				fmt.Errorf("http %d: %s", resp.StatusCode, body))
		}

		return &Response{Status: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseInterval
	bo.Multiplier = retryMultiplier
	bo.MaxInterval = retryMaxInterval

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(retryMaxAttempts),
	)
	if err != nil {
		var perr *errs.Error
		if errors.As(err, &perr) {
			return nil, perr
		}
		return nil, errs.New("transport.Fetch", url, errs.ErrNetwork, err)
	}
	return resp, nil
}
