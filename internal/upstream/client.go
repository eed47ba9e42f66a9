// Package upstream issues authenticated calls to the CRM backend and folds
// every response, transport failure and timeout into a Result.
package upstream

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
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"github.com/prbarcelon/crmbridge/internal/auth"
	"github.com/prbarcelon/crmbridge/internal/logging"
	"github.com/prbarcelon/crmbridge/internal/metrics"
)

const DefaultTimeout = 10 * time.Second

// maxBodyBytes bounds how much of a backend response is read.
const maxBodyBytes = 8 << 20

// Request describes one backend call. Query is sent only with GET, Body only
// with POST, PUT and PATCH.
type Request struct {
	Operation string
	Method    string
	Endpoint  string
	Query     url.Values
	Body      any
}

type Options struct {
	BaseURL       string
	FallbackToken string
	Timeout       time.Duration
	HTTPClient    *http.Client
	Logger        pslog.Logger
	Metrics       *metrics.Metrics
}

type Client struct {
	baseURL       string
	fallbackToken string
	timeout       time.Duration
	http          *http.Client
	logger        pslog.Logger
	metrics       *metrics.Metrics
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{
		baseURL:       strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		fallbackToken: strings.TrimSpace(opts.FallbackToken),
		timeout:       timeout,
		http:          hc,
		logger:        logging.WithSubsystem(opts.Logger, "upstream.client"),
		metrics:       opts.Metrics,
	}
}

// URL joins the base URL and endpoint with exactly one slash.
func (c *Client) URL(endpoint string) string {
	return c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

// Token resolves the bearer token for ctx: the request token first, then the
// configured fallback.
func (c *Client) Token(ctx context.Context) string {
	if tok := auth.TokenFromContext(ctx); tok != "" {
		return tok
	}
	return c.fallbackToken
}

// Call performs req once. It never returns a Go error; failures are reported
// in the Result. Without a resolvable token no network I/O happens.
func (c *Client) Call(ctx context.Context, req Request) Result {
	logger := logging.FromContext(ctx, c.logger).With("operation", req.Operation)
	token := c.Token(ctx)
	if token == "" {
		logger.Warn("upstream.auth.missing")
		c.metrics.ObserveUpstream(req.Operation, req.Method, false, 0)
		return Failure(ErrAuthRequired)
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	target := c.URL(req.Endpoint)
	logPath := "/" + strings.TrimLeft(req.Endpoint, "/")

	var body io.Reader
	switch method {
	case http.MethodGet:
		if len(req.Query) > 0 {
			target += "?" + req.Query.Encode()
		}
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return Failure(fmt.Sprintf("encode request body: %v", err))
		}
		body = bytes.NewReader(payload)
	case http.MethodDelete:
	default:
		return Failure(fmt.Sprintf("unsupported method %q", method))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, method, target, body)
	if err != nil {
		return Failure(fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	started := time.Now()
	res := c.do(httpReq, target)
	elapsed := time.Since(started)
	c.metrics.ObserveUpstream(req.Operation, method, res.OK(), elapsed)
	if res.OK() {
		logger.Debug("upstream.call", "method", method, "path", logPath, "elapsed_ms", elapsed.Milliseconds())
	} else {
		logger.Warn("upstream.call.failed", "method", method, "path", logPath, "elapsed_ms", elapsed.Milliseconds(), "error", res.Err)
	}
	return res
}

func (c *Client) do(httpReq *http.Request, target string) Result {
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Failure(fmt.Sprintf("Request to '%s' timed out after %s", target, c.timeout))
		}
		if errors.Is(err, context.Canceled) {
			return Failure(fmt.Sprintf("Request to '%s' was canceled", target))
		}
		return Failure(fmt.Sprintf("Request to '%s' failed: %v", target, unwrapURLError(err)))
	}
	defer resp.Body.Close()

	if msg := statusError(resp.StatusCode, target); msg != "" {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return Failure(msg)
	}
	if resp.StatusCode == http.StatusNoContent {
		return noContent()
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Failure(fmt.Sprintf("Request to '%s' timed out after %s", target, c.timeout))
		}
		return Failure(fmt.Sprintf("read response from '%s': %v", target, err))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return noContent()
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return Failure(fmt.Sprintf("invalid JSON from '%s': %v", target, err))
	}
	return Success(value)
}

// statusError mirrors the wording of a raise-for-status check; 2xx and 3xx pass.
func statusError(code int, target string) string {
	if code >= 200 && code < 400 {
		return ""
	}
	kind := "Informational response"
	switch {
	case code >= 400 && code < 500:
		kind = "Client error"
	case code >= 500 && code < 600:
		kind = "Server error"
	case code >= 600:
		kind = "Invalid status code"
	}
	return fmt.Sprintf("%s '%d %s' for url '%s'", kind, code, http.StatusText(code), target)
}

func unwrapURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Err != nil {
		return uerr.Err
	}
	return err
}
