package ports

import (
	"context"
	"time"
)

// StatusClass collapses a collaborator response into success or error
type StatusClass string

const (
	StatusClassSuccess StatusClass = "success"
	StatusClassError   StatusClass = "error"
)

// CallRequest describes a single outbound call to a named collaborator
// service. Any service satisfying this contract can be plugged in
// without engine changes.
type CallRequest struct {
	Service  string
	Endpoint string
	Method   string
	Body     map[string]interface{}
	Timeout  time.Duration
}

// CallResult is the structured outcome of a remote call
type CallResult struct {
	StatusClass StatusClass
	Status      int
	Body        map[string]interface{}
}

// ServiceInvoker issues one outbound call and returns a structured
// result. Transport failures and timeouts surface as errors; error
// statuses surface as StatusClassError results.
type ServiceInvoker interface {
	Invoke(ctx context.Context, req CallRequest) (*CallResult, error)
}
