// Package gateway is the single funnel for request/response traffic to the
// remote authority. It adds per-attempt timeouts, one retry, response
// validation and a sticky fallback mode served from local demo data.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/huykn/livesite/broadcast"
	"github.com/huykn/livesite/logging"
	"github.com/huykn/livesite/metrics"
	"github.com/huykn/livesite/types"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 16 << 20

// RequestOptions describes one logical request.
type RequestOptions struct {
	// Method defaults to GET.
	Method string

	// Body is JSON-encoded. A json.RawMessage or []byte is sent as is.
	Body any

	// Header adds request headers.
	Header http.Header
}

func (o RequestOptions) method() string {
	if o.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(o.Method)
}

// Response is a validated result. Data is always well-formed JSON.
type Response struct {
	Status       int
	Data         json.RawMessage
	Header       http.Header
	FromFallback bool
}

// Decode unmarshals Data into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

// UnauthorizedEvent is broadcast for every 401/403 response.
type UnauthorizedEvent struct {
	Resource string
	Status   int
	At       time.Time
}

// Client issues requests to the remote authority.
type Client struct {
	baseURL    string
	httpClient *http.Client
	fallback   FallbackSource
	schemas    schemaSet
	logger     logging.Logger
	options    Options

	mu        sync.RWMutex
	mode      types.GatewayMode
	authToken string

	modeTopic         *broadcast.Topic[types.GatewayMode]
	unauthorizedTopic *broadcast.Topic[UnauthorizedEvent]
}

// New creates a new client.
func New(opts Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	schemas, err := compileSchemas(opts.Schemas)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   opts.Timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: opts.Timeout,
			},
		}
	}

	fallback := opts.Fallback
	if fallback == nil {
		fallback = DefaultFixtures()
	}

	mode := types.ModeLive
	if opts.StartInFallback {
		mode = types.ModeFallback
	}

	c := &Client{
		baseURL:           strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient:        httpClient,
		fallback:          fallback,
		schemas:           schemas,
		logger:            logging.OrNoOp(opts.Logger),
		options:           opts,
		mode:              mode,
		authToken:         opts.AuthToken,
		modeTopic:         broadcast.NewTopic[types.GatewayMode](0),
		unauthorizedTopic: broadcast.NewTopic[UnauthorizedEvent](0),
	}
	if opts.EnableMetrics {
		metrics.SetFallbackMode(mode == types.ModeFallback)
	}
	return c, nil
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// Mode returns the current gateway mode.
func (c *Client) Mode() types.GatewayMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SubscribeMode delivers every mode change.
func (c *Client) SubscribeMode() (<-chan types.GatewayMode, func()) {
	return c.modeTopic.Subscribe()
}

// SubscribeUnauthorized delivers one event per 401/403 response.
func (c *Client) SubscribeUnauthorized() (<-chan UnauthorizedEvent, func()) {
	return c.unauthorizedTopic.Subscribe()
}

// Close stops delivering events to subscribers.
func (c *Client) Close() {
	c.modeTopic.Close()
	c.unauthorizedTopic.Close()
}

// Request performs one logical request. Transport and protocol failures
// are retried once; if both attempts fail that way the client switches to
// fallback mode for the rest of the session and answers from the fallback
// source instead of returning an error.
func (c *Client) Request(ctx context.Context, resource string, opts RequestOptions) (*Response, error) {
	start := time.Now()
	method := opts.method()

	body, err := encodeBody(opts.Body)
	if err != nil {
		return nil, fmt.Errorf("encode body for %s: %w", resource, err)
	}

	if c.Mode() == types.ModeFallback {
		resp, err := c.serveFallback(ctx, method, resource, body)
		c.recordRequest(method, outcomeOf(resp, err), start)
		return resp, err
	}

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		resp, err := c.attempt(ctx, method, resource, body, opts.Header)
		if err == nil {
			c.recordRequest(method, "ok", start)
			return resp, nil
		}
		lastErr = err

		if c.options.OnError != nil {
			c.options.OnError(err)
		}
		if ctx.Err() != nil {
			c.recordRequest(method, "cancelled", start)
			return nil, ctx.Err()
		}
		if !IsTransport(err) {
			c.recordRequest(method, outcomeOf(nil, err), start)
			return nil, err
		}
		if c.options.DebugMode {
			c.logger.Debug("Request: attempt failed", "resource", resource, "attempt", attempt, "error", err)
		}

		if attempt < MaxAttempts && c.options.RetryWait > 0 {
			select {
			case <-ctx.Done():
				c.recordRequest(method, "cancelled", start)
				return nil, ctx.Err()
			case <-time.After(c.options.RetryWait):
			}
		}
	}

	c.enterFallback(resource, lastErr)
	resp, err := c.serveFallback(ctx, method, resource, body)
	c.recordRequest(method, outcomeOf(resp, err), start)
	return resp, err
}

// RequestJSON performs Request and decodes the result into out.
func (c *Client) RequestJSON(ctx context.Context, resource string, opts RequestOptions, out any) error {
	resp, err := c.Request(ctx, resource, opts)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := resp.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", resource, err)
	}
	return nil
}

// CheckConnection probes the authority. Any non-5xx answer switches the
// gateway back to live mode; a transport failure switches it to fallback.
func (c *Client) CheckConnection(ctx context.Context) error {
	actx, cancel := context.WithTimeout(ctx, c.options.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, c.url(c.options.ProbePath), nil)
	if err != nil {
		return err
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		perr := &TransportError{Resource: c.options.ProbePath, Err: err}
		c.enterFallback(c.options.ProbePath, perr)
		return perr
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		perr := &TransportError{Resource: c.options.ProbePath, Status: resp.StatusCode}
		c.enterFallback(c.options.ProbePath, perr)
		return perr
	}

	c.setMode(types.ModeLive)
	return nil
}

// attempt issues one network call under the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, method, resource string, body []byte, header http.Header) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, c.options.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(actx, method, c.url(resource), reader)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", resource, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordAttempt("transport")
		return nil, &TransportError{Resource: resource, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.recordAttempt("transport")
		return nil, &TransportError{Resource: resource, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.recordAttempt("unauthorized")
		c.signalUnauthorized(resource, resp.StatusCode)
		return nil, &UnauthorizedError{Resource: resource, Status: resp.StatusCode, Message: errorMessage(data, resp.StatusCode)}
	case resp.StatusCode >= 500:
		c.recordAttempt("transport")
		return nil, &TransportError{Resource: resource, Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.recordAttempt("application")
		return nil, &ApplicationError{Resource: resource, Status: resp.StatusCode, Message: errorMessage(data, resp.StatusCode)}
	}

	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode == http.StatusNoContent && len(bytes.TrimSpace(data)) == 0 {
		c.recordAttempt("ok")
		return &Response{Status: resp.StatusCode, Data: json.RawMessage("null"), Header: resp.Header}, nil
	}
	if !isJSONContentType(contentType) {
		c.recordAttempt("protocol")
		return nil, &ProtocolError{Resource: resource, ContentType: contentType, Err: errors.New("response is not JSON")}
	}
	if !json.Valid(data) {
		c.recordAttempt("protocol")
		return nil, &ProtocolError{Resource: resource, ContentType: contentType, Err: errors.New("malformed JSON body")}
	}
	if err := c.schemas.validate(resource, data); err != nil {
		c.recordAttempt("protocol")
		return nil, &ProtocolError{Resource: resource, ContentType: contentType, Err: err}
	}

	c.recordAttempt("ok")
	return &Response{Status: resp.StatusCode, Data: json.RawMessage(data), Header: resp.Header}, nil
}

func (c *Client) serveFallback(ctx context.Context, method, resource string, body []byte) (*Response, error) {
	if c.fallback == nil {
		return nil, ErrFallbackUnavailable
	}
	data, err := c.fallback.Serve(ctx, method, resource, body)
	if err != nil {
		return nil, fmt.Errorf("fallback for %s: %w", resource, err)
	}
	if c.options.DebugMode {
		c.logger.Debug("Request: served from fallback", "resource", resource, "method", method)
	}
	return &Response{Status: http.StatusOK, Data: data, FromFallback: true}, nil
}

// enterFallback switches to fallback mode once per session.
func (c *Client) enterFallback(resource string, cause error) {
	if !c.setMode(types.ModeFallback) {
		return
	}
	c.logger.Warn("gateway switched to fallback mode", "resource", resource, "error", cause)
	if c.options.EnableMetrics {
		metrics.RecordFallbackSwitch()
	}
}

// setMode stores mode and reports whether it changed.
func (c *Client) setMode(mode types.GatewayMode) bool {
	c.mu.Lock()
	if c.mode == mode {
		c.mu.Unlock()
		return false
	}
	c.mode = mode
	// Publish never blocks; holding mu keeps events in change order.
	c.modeTopic.Publish(mode)
	c.mu.Unlock()

	if mode == types.ModeLive {
		c.logger.Info("gateway back in live mode")
	}
	if c.options.EnableMetrics {
		metrics.SetFallbackMode(mode == types.ModeFallback)
	}
	return true
}

func (c *Client) signalUnauthorized(resource string, status int) {
	c.logger.Warn("request unauthorized", "resource", resource, "status", status)
	if c.options.EnableMetrics {
		metrics.RecordUnauthorized()
	}
	c.unauthorizedTopic.Publish(UnauthorizedEvent{Resource: resource, Status: status, At: time.Now()})
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func (c *Client) url(resource string) string {
	if strings.HasPrefix(resource, "http://") || strings.HasPrefix(resource, "https://") {
		return resource
	}
	if !strings.HasPrefix(resource, "/") {
		resource = "/" + resource
	}
	return c.baseURL + resource
}

func (c *Client) recordAttempt(class string) {
	if c.options.EnableMetrics {
		metrics.RecordAttempt(class)
	}
}

func (c *Client) recordRequest(method, outcome string, start time.Time) {
	if c.options.EnableMetrics {
		metrics.RecordRequest(method, outcome, time.Since(start).Seconds())
	}
}

func outcomeOf(resp *Response, err error) string {
	switch {
	case err == nil && resp != nil && resp.FromFallback:
		return "fallback"
	case err == nil:
		return "ok"
	}
	if _, ok := AsUnauthorized(err); ok {
		return "unauthorized"
	}
	if _, ok := AsApplication(err); ok {
		return "application_error"
	}
	return "error"
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		return json.Marshal(b)
	}
}

func isJSONContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// errorMessage pulls a human message out of an error body.
func errorMessage(data []byte, status int) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return http.StatusText(status)
}
