// Package httpexec implements the HTTP Executor (spec §4.8): it assembles
// one URL-encoded parameter blob from an action's parameters, static
// parameters, and session values, then performs the configured GET/PUT/
// POST call.
//
// Grounded on agent/internal/transport/client.go's TLS-config-building
// style (tls.Config{MinVersion: tls.VersionTLS12}), adapted from mutual
// TLS (client certificate) to the simpler "prefer TLS" case spec §4.8's
// use_ssl flag calls for; the exponential-backoff-with-jitter idiom is
// shared with internal/dbclient via cenkalti/backoff/v4 rather than the
// teacher's hand-rolled NextDelay.
package httpexec

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultUserAgent identifies this worker's outbound HTTP calls.
const DefaultUserAgent = "event-manager/1.0"

// DefaultRetryBudget bounds retries of a transient transport error.
const DefaultRetryBudget = 3

// Request describes one action's HTTP call (spec §4.8).
type Request struct {
	URI              string
	Method           string // GET, PUT, or POST
	UseSSL           bool
	Parameters       json.RawMessage
	StaticParameters json.RawMessage
	SessionValues    json.RawMessage
}

// ErrUnsupportedMethod is returned for any Method other than GET, PUT, or
// POST (spec §4.8: "any other method is a failure").
var ErrUnsupportedMethod = errors.New("httpexec: unsupported method")

// Client performs the HTTP Executor's outbound calls with a long-lived,
// reused *http.Client (spec §5: "the HTTP client handle is long-lived and
// reused").
type Client struct {
	UserAgent   string
	RetryBudget int

	// OnResult, if set, is called once per Execute with whether the call
	// ultimately succeeded, so callers can feed a metrics counter without
	// this package importing one directly.
	OnResult func(success bool)

	plain *http.Client
	tls   *http.Client
}

// New returns a Client with a plain transport and a TLS-preferring
// transport (MinVersion TLS 1.2), both with requestTimeout applied per
// call.
func New(requestTimeout time.Duration, userAgent string, retryBudget int) *Client {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if retryBudget <= 0 {
		retryBudget = DefaultRetryBudget
	}

	return &Client{
		UserAgent:   userAgent,
		RetryBudget: retryBudget,
		plain:       &http.Client{Timeout: requestTimeout},
		tls: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}
}

// Execute builds the parameter blob and performs req's HTTP call, retrying
// any failed attempt (a transport error or a non-2xx status) up to
// c.RetryBudget times with exponential backoff.
// The response body is fully consumed; a non-2xx status is reported as
// failure, per spec §4.8.
func (c *Client) Execute(ctx context.Context, req Request) error {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPut && method != http.MethodPost {
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, req.Method)
	}

	encoded, err := buildParameterBlob(req.Parameters, req.StaticParameters, req.SessionValues)
	if err != nil {
		return fmt.Errorf("httpexec: build parameters: %w", err)
	}

	httpClient := c.plain
	if req.UseSSL {
		httpClient = c.tls
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.RetryBudget))
	err = backoff.Retry(func() error {
		err := c.doOnce(ctx, httpClient, method, req.URI, encoded)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnsupportedMethod) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	if c.OnResult != nil {
		c.OnResult(err == nil)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, httpClient *http.Client, method, uri, encoded string) error {
	var (
		target string
		body   io.Reader
	)
	if method == http.MethodGet {
		target = uri
		if encoded != "" {
			target += "?" + encoded
		}
	} else {
		target = uri
		body = bytes.NewBufferString(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("httpexec: build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.UserAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("httpexec: do request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("httpexec: non-OK response: %s", resp.Status)
	}
	return nil
}

// buildParameterBlob iterates, in order, parameters, staticParameters, and
// sessionValues, and assembles "key=urlencode(valueText)" entries joined
// by '&' (spec §4.8). Keys within one object are sorted for deterministic
// output; ordering across the three objects follows the spec's fixed
// sequence, not alphabetical.
func buildParameterBlob(objects ...json.RawMessage) (string, error) {
	var parts []string
	for _, obj := range objects {
		entries, err := flatten(obj)
		if err != nil {
			return "", err
		}
		parts = append(parts, entries...)
	}
	return joinAmp(parts), nil
}

func flatten(obj json.RawMessage) ([]string, error) {
	if len(obj) == 0 {
		return nil, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(obj, &raw); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]string, 0, len(keys))
	for _, k := range keys {
		text, err := valueText(raw[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		entries = append(entries, url.QueryEscape(k)+"="+url.QueryEscape(text))
	}
	return entries, nil
}

func valueText(value json.RawMessage) (string, error) {
	trimmed := string(value)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return trimmed, nil
}

func joinAmp(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "&"
		}
		out += p
	}
	return out
}
