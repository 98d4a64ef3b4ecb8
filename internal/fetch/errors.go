package fetch

import (
	"context"
	"errors"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrResourceExhausted = errors.New("no free browser context available")
	ErrTimeout           = errors.New("fetch timeout")
	ErrNavigation        = errors.New("navigation failed")
	ErrFallbackConfig    = errors.New("antibot fallback is not configured")
	ErrFallbackRequest   = errors.New("antibot fallback request failed")
)

// Outcome names the result of a fetch for logs and metrics.
func Outcome(res *Result, err error) string {
	switch {
	case err == nil && res != nil && res.AntibotFallbackUsed:
		return "fallback"
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrResourceExhausted):
		return "exhausted"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrFallbackConfig):
		return "fallback_config"
	case errors.Is(err, ErrFallbackRequest):
		return "fallback_request"
	case errors.Is(err, ErrNavigation):
		return "navigation"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
