package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/xiaocaoooo/html-fetch-worker/internal/browser"
	"github.com/xiaocaoooo/html-fetch-worker/internal/proxy"
)

// escalateOnStatus reports whether a rendered response looks blocked.
// 404 is a real answer and is never escalated; 0 means no status was seen.
func escalateOnStatus(status int64) bool {
	if status == 0 || status == http.StatusNotFound {
		return false
	}
	return status < 200 || status >= 300
}

// escalateOnError reports whether a navigation failure should go to the
// proxy. Not-found failures are propagated as they are.
func escalateOnError(err error) bool {
	var navErr *browser.NavigationError
	if errors.As(err, &navErr) {
		return navErr.Kind != browser.KindNotFound
	}
	return false
}

func (o *Orchestrator) escalate(ctx context.Context, req Request, log *zap.Logger) (*Result, error) {
	if o.fallback == nil {
		o.observeFallback("config_error")
		return nil, ErrFallbackConfig
	}

	html, err := o.fallback.Fetch(ctx, req.URL)
	if err != nil {
		if errors.Is(err, proxy.ErrMissingAPIKey) {
			o.observeFallback("config_error")
			return nil, fmt.Errorf("%w: %w", ErrFallbackConfig, err)
		}
		o.observeFallback("error")
		return nil, fmt.Errorf("%w: %w", ErrFallbackRequest, err)
	}

	o.observeFallback("success")
	log.Info("fetched html through scraping proxy", zap.Int("bytes", len(html)))
	return &Result{HTML: html, URL: req.URL, AntibotFallbackUsed: true}, nil
}

func (o *Orchestrator) observeFallback(result string) {
	if o.observer != nil {
		o.observer.ObserveFallback(result)
	}
}
