package browser

import (
	"context"
	"fmt"
	"strings"
)

// Context is one isolated browser session (cookies/storage) that can open
// pages. Slots in the pool each wrap one Context for the process lifetime.
type Context interface {
	NewPage(ctx context.Context) (Page, error)
}

// Page is a single tab scoped to a Context. Every blocking call is bounded
// by ctx; Close is safe to call more than once.
type Page interface {
	SetUserAgent(ctx context.Context, userAgent string) error
	// Navigate loads url, waits for network idle and returns the HTTP status
	// of the main document (0 when the browser reported none).
	Navigate(ctx context.Context, url string) (int64, error)
	WaitVisible(ctx context.Context, selector string) error
	HTML(ctx context.Context) (string, error)
	Close() error
}

// Kind classifies a navigation failure so callers never need to look at
// the browser's error text.
type Kind int

const (
	KindFailed Kind = iota
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	default:
		return "failed"
	}
}

// NavigationError is returned by Page.Navigate when the browser could not
// load the document at all.
type NavigationError struct {
	URL  string
	Kind Kind
	Err  error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}

// net::ERR_* 中表示“目标不存在”的那一类，换代理也拿不到内容。
var notFoundCodes = []string{
	"ERR_NAME_NOT_RESOLVED",
	"ERR_FILE_NOT_FOUND",
	"ERR_INVALID_URL",
}

func newNavigationError(url string, err error) *NavigationError {
	return &NavigationError{URL: url, Kind: classify(err), Err: err}
}

// classify 只在浏览器边界做一次，CDP 只给出错误文本。
func classify(err error) Kind {
	if err == nil {
		return KindFailed
	}
	msg := strings.ToUpper(err.Error())
	for _, code := range notFoundCodes {
		if strings.Contains(msg, code) {
			return KindNotFound
		}
	}
	if strings.Contains(msg, "404") || strings.Contains(msg, "NOT FOUND") {
		return KindNotFound
	}
	return KindFailed
}
