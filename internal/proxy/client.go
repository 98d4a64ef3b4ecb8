package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

const DefaultEndpoint = "https://api.scrape.do/"

var ErrMissingAPIKey = errors.New("scrape.do api key is not configured")

// StatusError is returned when scrape.do answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("scrape.do returned %d", e.Code)
	}
	return fmt.Sprintf("scrape.do returned %d: %s", e.Code, e.Body)
}

type Config struct {
	APIKey   string
	Endpoint string
	Retries  int
	// RPS <= 0 means unlimited.
	RPS float64
}

// Client fetches pages through the scrape.do scraping API.
type Client struct {
	resty    *resty.Client
	limiter  *rate.Limiter
	apiKey   string
	endpoint string
}

func New(cfg Config) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	// 重试交给 retryablehttp：连接错误、429、5xx；用尽后把最后一次响应原样返回
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil
	retryClient.RetryMax = cfg.Retries
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.CheckRetry = retryablehttp.DefaultRetryPolicy
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	restyClient := resty.NewWithClient(retryClient.StandardClient())

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	return &Client{
		resty:    restyClient,
		limiter:  limiter,
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
	}
}

func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// Fetch returns the raw HTML scrape.do retrieved for target.
func (c *Client) Fetch(ctx context.Context, target string) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}

	resp, err := c.resty.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"token": c.apiKey,
			"url":   target,
		}).
		Get(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("scrape.do request: %w", err)
	}
	if !resp.IsSuccess() {
		return "", &StatusError{Code: resp.StatusCode(), Body: snippet(resp.String())}
	}
	return resp.String(), nil
}

func snippet(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 512 {
		return body[:512]
	}
	return body
}
