package httpinvoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/clearledger/backend/internal/domain/ports"
)

const defaultTimeout = 30 * time.Second

// Invoker issues single outbound calls to named collaborator services
// over HTTP. Service names resolve to base URLs from configuration, so
// any collaborator satisfying the request/result contract can be
// plugged in without engine changes.
type Invoker struct {
	serviceURLs map[string]string
	client      *http.Client
}

// Compile-time interface check
var _ ports.ServiceInvoker = (*Invoker)(nil)

// NewInvoker creates an Invoker with the configured service base URLs
func NewInvoker(serviceURLs map[string]string) *Invoker {
	return &Invoker{
		serviceURLs: serviceURLs,
		client:      &http.Client{},
	}
}

// Invoke performs one call and returns the structured result. Transport
// errors and timeouts return an error; HTTP error statuses return a
// result with StatusClassError. Both count against the step's retry
// budget at the engine level.
func (inv *Invoker) Invoke(ctx context.Context, req ports.CallRequest) (*ports.CallResult, error) {
	baseURL, ok := inv.serviceURLs[req.Service]
	if !ok {
		return nil, fmt.Errorf("unknown service: %s", req.Service)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodPost
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil, fmt.Errorf("invalid HTTP method: %s", method)
	}

	var bodyReader io.Reader
	if req.Body != nil {
		payloadBytes, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize request payload: %w", err)
		}
		bodyReader = bytes.NewReader(payloadBytes)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(req.Endpoint, "/")
	httpReq, err := http.NewRequestWithContext(callCtx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := inv.client.Do(httpReq)
	if err != nil {
		log.Printf("⚠️ Service call failed: service=%s endpoint=%s error=%v", req.Service, req.Endpoint, err)
		return nil, fmt.Errorf("call to %s%s failed: %w", req.Service, req.Endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	result := &ports.CallResult{Status: resp.StatusCode}
	if resp.StatusCode >= 400 {
		result.StatusClass = ports.StatusClassError
	} else {
		result.StatusClass = ports.StatusClassSuccess
	}

	// Merge only structured bodies; anything else is ignored
	respBytes, err := io.ReadAll(resp.Body)
	if err == nil && len(respBytes) > 0 {
		var body map[string]interface{}
		if jsonErr := json.Unmarshal(respBytes, &body); jsonErr == nil {
			result.Body = body
		}
	}

	return result, nil
}
