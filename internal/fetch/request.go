package fetch

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// Request is the input of one fetch.
type Request struct {
	URL             string `json:"url"`
	WaitForSelector string `json:"waitForSelector,omitempty"`
	// Delay is in milliseconds.
	Delay           int    `json:"delay,omitempty"`
	UserAgent       string `json:"userAgent,omitempty"`
	AntibotFallback bool   `json:"antibotFallback,omitempty"`
}

type Result struct {
	HTML                string `json:"html"`
	URL                 string `json:"url"`
	AntibotFallbackUsed bool   `json:"antibotFallbackUsed,omitempty"`
}

// Validate checks the request before any browser resource is touched.
func (r Request) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	u, err := url.ParseRequestURI(r.URL)
	if err != nil {
		return fmt.Errorf("%w: invalid url", ErrInvalidInput)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: only http and https are allowed", ErrInvalidInput)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url has no host", ErrInvalidInput)
	}
	if r.Delay < 0 {
		return fmt.Errorf("%w: delay must be >= 0", ErrInvalidInput)
	}
	return nil
}

func (r Request) delay() time.Duration {
	return time.Duration(r.Delay) * time.Millisecond
}

type requestIDKey struct{}

// WithRequestID attaches the host's request id so fetch logs can carry it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
