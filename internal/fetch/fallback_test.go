package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaocaoooo/html-fetch-worker/internal/browser"
	"github.com/xiaocaoooo/html-fetch-worker/internal/proxy"
)

func TestEscalateOnStatus(t *testing.T) {
	tests := []struct {
		status int64
		want   bool
	}{
		{status: 0, want: false},
		{status: 200, want: false},
		{status: 204, want: false},
		{status: 299, want: false},
		{status: 404, want: false},
		{status: 301, want: true},
		{status: 403, want: true},
		{status: 429, want: true},
		{status: 500, want: true},
		{status: 503, want: true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escalateOnStatus(tt.status), "status %d", tt.status)
	}
}

func TestEscalateOnError(t *testing.T) {
	assert.True(t, escalateOnError(&browser.NavigationError{Kind: browser.KindFailed, Err: errors.New("net::ERR_CONNECTION_RESET")}))
	assert.False(t, escalateOnError(&browser.NavigationError{Kind: browser.KindNotFound, Err: errors.New("net::ERR_NAME_NOT_RESOLVED")}))
	assert.False(t, escalateOnError(context.Canceled))
}

func TestFallbackOnBlockedStatus(t *testing.T) {
	p, contexts := newFakePool(1, func() *fakePage { return &fakePage{status: 403, html: "<html>challenge</html>"} })
	fb := &fakeFallback{html: "<html>real</html>"}
	obs := &recordingObserver{}
	// 代理请求期间槽位已经归还
	fb.onFetch = func() { assert.Equal(t, 1, p.Free()) }
	o := New(p, fb, WithTimeout(testTimeout), WithObserver(obs))

	res, err := o.Fetch(context.Background(), Request{URL: "https://blocked.example", AntibotFallback: true})

	require.NoError(t, err)
	assert.Equal(t, "<html>real</html>", res.HTML)
	assert.Equal(t, "https://blocked.example", res.URL)
	assert.True(t, res.AntibotFallbackUsed)
	assert.Equal(t, []string{"https://blocked.example"}, fb.targets)
	assert.Greater(t, allPages(contexts)[0].closed.Load(), int32(0))
	assert.Equal(t, 1, p.Free())
	assert.Equal(t, []string{"success"}, obs.fallbacks)
	assert.Equal(t, []string{"fallback"}, obs.outcomes)
}

func TestFallbackSkippedOnNotFoundStatus(t *testing.T) {
	p, _ := newFakePool(1, func() *fakePage { return &fakePage{status: 404, html: "<html>missing</html>"} })
	fb := &fakeFallback{html: "proxied"}
	o := New(p, fb, WithTimeout(testTimeout))

	res, err := o.Fetch(context.Background(), Request{URL: "https://example.com/missing", AntibotFallback: true})

	require.NoError(t, err)
	assert.Equal(t, "<html>missing</html>", res.HTML)
	assert.False(t, res.AntibotFallbackUsed)
	assert.Zero(t, fb.calls.Load())
}

func TestFallbackWithoutAPIKey(t *testing.T) {
	p, _ := newFakePool(1, func() *fakePage { return &fakePage{status: 403} })
	o := New(p, proxy.New(proxy.Config{}), WithTimeout(testTimeout))

	res, err := o.Fetch(context.Background(), Request{URL: "https://blocked.example", AntibotFallback: true})

	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrFallbackConfig)
	assert.ErrorIs(t, err, proxy.ErrMissingAPIKey)
	assert.Equal(t, 1, p.Free())
}

func TestFallbackWithoutProxy(t *testing.T) {
	p, _ := newFakePool(1, func() *fakePage { return &fakePage{status: 500} })
	o := New(p, nil, WithTimeout(testTimeout))

	_, err := o.Fetch(context.Background(), Request{URL: "https://example.com", AntibotFallback: true})

	assert.ErrorIs(t, err, ErrFallbackConfig)
}

func TestFallbackThroughProxyServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("<html>via proxy " + r.URL.Query().Get("url") + "</html>"))
	}))
	defer srv.Close()

	p, _ := newFakePool(1, func() *fakePage { return &fakePage{status: 403} })
	o := New(p, proxy.New(proxy.Config{APIKey: "k", Endpoint: srv.URL}), WithTimeout(2*testTimeout))

	res, err := o.Fetch(context.Background(), Request{URL: "https://blocked.example", AntibotFallback: true})

	require.NoError(t, err)
	assert.Equal(t, "<html>via proxy https://blocked.example</html>", res.HTML)
	assert.True(t, res.AntibotFallbackUsed)
}

func TestFallbackOnNavigationError(t *testing.T) {
	navErr := &browser.NavigationError{URL: "https://blocked.example", Kind: browser.KindFailed, Err: errors.New("net::ERR_HTTP2_PROTOCOL_ERROR")}
	p, _ := newFakePool(1, func() *fakePage { return &fakePage{navErr: navErr} })
	fb := &fakeFallback{html: "<html>real</html>"}
	o := New(p, fb, WithTimeout(testTimeout))

	res, err := o.Fetch(context.Background(), Request{URL: "https://blocked.example", AntibotFallback: true})

	require.NoError(t, err)
	assert.True(t, res.AntibotFallbackUsed)
	assert.Equal(t, "<html>real</html>", res.HTML)
}

func TestFallbackFailureReplacesNavigationError(t *testing.T) {
	navErr := &browser.NavigationError{URL: "https://blocked.example", Kind: browser.KindFailed, Err: errors.New("net::ERR_CONNECTION_RESET")}
	p, _ := newFakePool(1, func() *fakePage { return &fakePage{navErr: navErr} })
	proxyErr := &proxy.StatusError{Code: 502}
	fb := &fakeFallback{err: proxyErr}
	o := New(p, fb, WithTimeout(testTimeout))

	_, err := o.Fetch(context.Background(), Request{URL: "https://blocked.example", AntibotFallback: true})

	assert.ErrorIs(t, err, ErrFallbackRequest)
	assert.ErrorIs(t, err, proxyErr)
	assert.NotErrorIs(t, err, ErrNavigation)
	var got *browser.NavigationError
	assert.False(t, errors.As(err, &got))
	assert.Equal(t, 1, p.Free())
}

func TestNotFoundNavigationErrorIsNotEscalated(t *testing.T) {
	navErr := &browser.NavigationError{URL: "https://nowhere.invalid", Kind: browser.KindNotFound, Err: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	p, _ := newFakePool(1, func() *fakePage { return &fakePage{navErr: navErr} })
	fb := &fakeFallback{html: "proxied"}
	o := New(p, fb, WithTimeout(testTimeout))

	_, err := o.Fetch(context.Background(), Request{URL: "https://nowhere.invalid", AntibotFallback: true})

	assert.ErrorIs(t, err, ErrNavigation)
	assert.ErrorIs(t, err, navErr)
	assert.Zero(t, fb.calls.Load())
}

func TestFallbackBoundedByTimeout(t *testing.T) {
	p, _ := newFakePool(1, func() *fakePage { return &fakePage{status: 403} })
	unblock := make(chan struct{})
	returned := make(chan struct{})
	fb := &fakeFallback{html: "<html>late</html>"}
	fb.onFetch = func() { <-unblock }
	o := New(p, fb, WithTimeout(testTimeout))

	go func() {
		defer close(returned)
		start := time.Now()
		_, err := o.Fetch(context.Background(), Request{URL: "https://blocked.example", AntibotFallback: true})
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, time.Since(start), testTimeout+time.Second)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		close(unblock)
		t.Fatal("fetch not bounded by the global timeout")
	}
	assert.Equal(t, 1, p.Free())

	// 代理调用还在进行时，另一个请求拿到的槽位不能被再次释放
	slot, ok := p.Acquire()
	require.True(t, ok)
	close(unblock)
	assert.Never(t, func() bool { return p.Free() != 0 }, 100*time.Millisecond, 5*time.Millisecond)

	p.Release(slot.Index)
	assert.Equal(t, 1, p.Free())
	assert.Equal(t, int32(1), fb.calls.Load())
}

func TestFetchNewPageErrorReleasesSlot(t *testing.T) {
	p, contexts := newFakePool(1, okPage)
	contexts[0].err = errors.New("open page: target closed")
	fb := &fakeFallback{html: "unused"}
	o := New(p, fb, WithTimeout(testTimeout))

	_, err := o.Fetch(context.Background(), Request{URL: "https://example.com", AntibotFallback: true})

	assert.ErrorIs(t, err, ErrNavigation)
	assert.Equal(t, 1, p.Free())
	assert.Zero(t, fb.calls.Load())
}
