package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type versionPayload struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type targetPayload struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// resolver 把 CHROME_WS_ENDPOINT / BROWSERLESS_HTTP_URL 解析成可直连的 devtools ws 地址。
type resolver struct {
	client *resty.Client
	logger *zap.Logger
}

func newResolver(logger *zap.Logger) *resolver {
	return &resolver{
		client: resty.New().SetTimeout(5 * time.Second),
		logger: logger,
	}
}

func hasDevToolsPath(wsRaw string) bool {
	wsRaw = strings.TrimSpace(wsRaw)
	if wsRaw == "" {
		return false
	}
	u, err := url.Parse(wsRaw)
	if err != nil {
		return false
	}
	// browser endpoint: /devtools/browser/<id>，page endpoint: /devtools/page/<id>
	return strings.HasPrefix(strings.TrimSpace(u.Path), "/devtools/")
}

func parseHTTPBase(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("BROWSERLESS_HTTP_URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid BROWSERLESS_HTTP_URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid BROWSERLESS_HTTP_URL %q: scheme must be http/https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid BROWSERLESS_HTTP_URL %q: missing host", raw)
	}
	return u, nil
}

func hostPortWithDefault(u *url.URL) (string, error) {
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("invalid base url %q: missing hostname", u.String())
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		default:
			return "", fmt.Errorf("invalid base url %q: unsupported scheme %q", u.String(), u.Scheme)
		}
	}
	return net.JoinHostPort(host, port), nil
}

// rewriteDebuggerURL 强制使用对外暴露的 host:port。
// browserless 常返回容器内部地址（如 ws://0.0.0.0:3000/...）。
func rewriteDebuggerURL(debuggerURL string, httpBase *url.URL) (string, error) {
	wsRaw := strings.TrimSpace(debuggerURL)
	if wsRaw == "" {
		return "", errors.New("missing webSocketDebuggerUrl")
	}
	wsU, err := url.Parse(wsRaw)
	if err != nil {
		return "", fmt.Errorf("invalid webSocketDebuggerUrl %q: %w", wsRaw, err)
	}
	if wsU.Scheme == "" || wsU.Host == "" {
		return "", fmt.Errorf("invalid webSocketDebuggerUrl %q: missing scheme or host", wsRaw)
	}

	hostPort, err := hostPortWithDefault(httpBase)
	if err != nil {
		return "", err
	}
	wsU.Scheme = "ws"
	if httpBase.Scheme == "https" {
		wsU.Scheme = "wss"
	}
	wsU.Host = hostPort
	return wsU.String(), nil
}

func httpBaseFromWS(wsRaw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(wsRaw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("scheme must be ws/wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	// 保留 path（反向代理 base path），丢弃 query/fragment
	return &url.URL{Scheme: scheme, Host: u.Host, Path: u.Path}, nil
}

func jsonURL(base *url.URL, suffix string) string {
	u := *base
	u.Path = strings.TrimRight(u.Path, "/") + suffix
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func (r *resolver) viaJSONNew(ctx context.Context, base *url.URL) (string, error) {
	var payload targetPayload
	resp, err := r.client.R().SetContext(ctx).SetResult(&payload).Put(jsonURL(base, "/json/new"))
	if err != nil {
		return "", err
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("/json/new returned %d: %s", resp.StatusCode(), truncate(resp.String(), 4096))
	}
	if !hasDevToolsPath(payload.WebSocketDebuggerURL) {
		return "", fmt.Errorf("/json/new returned non-devtools ws: %q", payload.WebSocketDebuggerURL)
	}
	return rewriteDebuggerURL(payload.WebSocketDebuggerURL, base)
}

func (r *resolver) viaJSONList(ctx context.Context, base *url.URL) (string, error) {
	var payloads []targetPayload
	resp, err := r.client.R().SetContext(ctx).SetResult(&payloads).Get(jsonURL(base, "/json/list"))
	if err != nil {
		return "", err
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("/json/list returned %d: %s", resp.StatusCode(), truncate(resp.String(), 4096))
	}
	for _, p := range payloads {
		if !hasDevToolsPath(p.WebSocketDebuggerURL) {
			continue
		}
		if rewritten, err := rewriteDebuggerURL(p.WebSocketDebuggerURL, base); err == nil {
			return rewritten, nil
		}
	}
	return "", fmt.Errorf("/json/list returned %d targets, none has a usable devtools ws", len(payloads))
}

func (r *resolver) viaJSONVersion(ctx context.Context, base *url.URL) (string, error) {
	var vr versionPayload
	resp, err := r.client.R().SetContext(ctx).SetResult(&vr).Get(jsonURL(base, "/json/version"))
	if err != nil {
		return "", err
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("/json/version returned %d: %s", resp.StatusCode(), truncate(resp.String(), 4096))
	}

	raw := strings.TrimSpace(vr.WebSocketDebuggerURL)
	if hasDevToolsPath(raw) {
		return rewriteDebuggerURL(raw, base)
	}

	// /json/version 可能只返回 ws://0.0.0.0:3000（没有 /devtools/...），无法升级，退到 /json/new、/json/list
	r.logger.Warn("json/version ws missing devtools path, falling back", zap.String("ws", raw))
	if resolved, err := r.viaJSONNew(ctx, base); err == nil {
		return resolved, nil
	} else {
		r.logger.Warn("json/new fallback failed", zap.Error(err))
	}
	if resolved, err := r.viaJSONList(ctx, base); err == nil {
		return resolved, nil
	} else {
		r.logger.Warn("json/list fallback failed", zap.Error(err))
	}
	return "", fmt.Errorf("/json/version returned non-devtools ws (%q) and /json/new, /json/list fallbacks failed", raw)
}

// resolve 返回浏览器级 devtools ws 地址。wsEndpoint 优先，其次 browserlessURL。
func (r *resolver) resolve(ctx context.Context, wsEndpoint, browserlessURL string) (string, error) {
	if ws := strings.TrimSpace(wsEndpoint); ws != "" {
		// 完整 ws（含 /devtools/browser/<id>）直接用；只有 host:port 时走 /json/version
		if u, err := url.Parse(ws); err == nil && strings.HasPrefix(u.Path, "/devtools/browser/") {
			return ws, nil
		}
		base, err := httpBaseFromWS(ws)
		if err != nil {
			return "", fmt.Errorf("invalid CHROME_WS_ENDPOINT %q: %w", ws, err)
		}
		return r.viaJSONVersion(ctx, base)
	}

	base, err := parseHTTPBase(browserlessURL)
	if err != nil {
		return "", err
	}
	return r.viaJSONVersion(ctx, base)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
