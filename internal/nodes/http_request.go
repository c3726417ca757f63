package nodes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
	"github.com/eleven-am/graphflow/internal/xjson"
)

const TypeHTTPRequest = "http_request"

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 10 << 20
)

// HTTPRequest calls a remote endpoint and emits the response. Non-2xx
// responses fail the node with a class matching the status code, so retries
// and the host's circuit breaker react the same way as for transport errors.
type HTTPRequest struct {
	base
	client  *http.Client
	limiter ports.RateLimiter
}

type HTTPOption func(*HTTPRequest)

// WithRateLimiter throttles outgoing requests per remote host.
func WithRateLimiter(limiter ports.RateLimiter) HTTPOption {
	return func(n *HTTPRequest) {
		n.limiter = limiter
	}
}

func NewHTTPRequest(client *http.Client, opts ...HTTPOption) *HTTPRequest {
	if client == nil {
		client = &http.Client{}
	}
	n := &HTTPRequest{client: client}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

var _ ports.CircuitKeyed = (*HTTPRequest)(nil)

func (*HTTPRequest) Type() string { return TypeHTTPRequest }

func (*HTTPRequest) MaxExecutionTime() time.Duration { return defaultHTTPTimeout }

func (*HTTPRequest) PropertiesSchema() ports.PropertiesSchema {
	return ports.PropertiesSchema{
		"url":       {Type: ports.PropertyString, Required: true, Description: "absolute http(s) URL"},
		"method":    {Type: ports.PropertyString, Default: http.MethodGet},
		"headers":   {Type: ports.PropertyObject, Description: "request headers, string values"},
		"body":      {Type: ports.PropertyAny, Description: "strings are sent as-is, anything else as JSON"},
		"timeoutMs": {Type: ports.PropertyNumber, Description: "per-request timeout"},
	}
}

func (*HTTPRequest) ValidateProperties(props map[string]interface{}) bool {
	raw, _ := props["url"].(string)
	if _, err := parseTarget(raw); err != nil {
		return false
	}
	if method, ok := props["method"]; ok {
		if s, isString := method.(string); !isString || s == "" {
			return false
		}
	}
	if headers, ok := props["headers"]; ok {
		if _, isMap := headers.(map[string]interface{}); !isMap {
			return false
		}
	}
	return true
}

// CircuitKey shares one breaker per remote host.
func (*HTTPRequest) CircuitKey(props map[string]interface{}) string {
	raw, _ := props["url"].(string)
	target, err := parseTarget(raw)
	if err != nil {
		return ""
	}
	return TypeHTTPRequest + ":" + target.Host
}

func (n *HTTPRequest) Execute(ctx context.Context, input *ports.NodeInput) (*domain.NodeExecutionResult, error) {
	target, err := parseTarget(input.StringProperty("url"))
	if err != nil {
		return nil, domain.NewInputValidationError(err.Error())
	}

	method := strings.ToUpper(input.StringProperty("method"))
	if method == "" {
		method = http.MethodGet
	}

	if ms, ok := input.Properties["timeoutMs"].(float64); ok && ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	if n.limiter != nil {
		if err := n.limiter.Wait(ctx, target.Host); err != nil {
			if errors.Is(err, domain.ErrRateLimited) {
				return nil, domain.NewRateLimitError(err.Error())
			}
			return nil, transportError(err)
		}
	}

	body, contentType, err := requestBody(input.Properties["body"])
	if err != nil {
		return nil, domain.NewInputValidationError(err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, domain.NewInputValidationError(fmt.Sprintf("failed to create request: %v", err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := input.Properties["headers"].(map[string]interface{}); ok {
		for name, value := range headers {
			req.Header.Set(name, fmt.Sprint(value))
		}
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.NewConnectionError("failed to read response body", err)
	}

	if class, failed := classifyStatus(resp.StatusCode); failed {
		return nil, domain.NewNodeError(class, fmt.Sprintf("%s %s returned %s", method, target.Host, resp.Status), nil)
	}

	headers := make(map[string]interface{}, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	return domain.NewSuccessResult(map[string]interface{}{
		"statusCode": resp.StatusCode,
		"body":       decodeBody(raw),
		"headers":    headers,
	}), nil
}

func parseTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("http_request node requires a \"url\" property")
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %v", raw, err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("url %q must be absolute http or https", raw)
	}
	return target, nil
}

func requestBody(value interface{}) (io.Reader, string, error) {
	switch v := value.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(v), "", nil
	default:
		data, err := xjson.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode body: %v", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// decodeBody returns parsed JSON when the body is JSON, the raw text otherwise.
func decodeBody(raw []byte) interface{} {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	var parsed interface{}
	if err := xjson.Unmarshal(raw, &parsed); err == nil {
		return parsed
	}
	return string(raw)
}

func classifyStatus(code int) (domain.ErrorClass, bool) {
	switch {
	case code < 400:
		return "", false
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.ErrorClassAuthentication, true
	case code == http.StatusTooManyRequests:
		return domain.ErrorClassRateLimit, true
	case code == http.StatusRequestTimeout || code >= 500:
		return domain.ErrorClassConnection, true
	default:
		return domain.ErrorClassValidation, true
	}
}

func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.NewTimeoutError("request timed out", err)
	}
	return domain.NewConnectionError("request failed", err)
}
