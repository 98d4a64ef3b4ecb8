package fetch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaocaoooo/html-fetch-worker/internal/browser"
	"github.com/xiaocaoooo/html-fetch-worker/internal/pool"
)

// fakePage scripts one navigation. Every blocking call honours ctx.
type fakePage struct {
	status        int64
	navErr        error
	navDelay      time.Duration
	blockSelector bool
	html          string

	mu        sync.Mutex
	userAgent string
	closed    atomic.Int32
	aborted   atomic.Bool
}

func (p *fakePage) SetUserAgent(_ context.Context, ua string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userAgent = ua
	return nil
}

func (p *fakePage) Navigate(ctx context.Context, _ string) (int64, error) {
	if p.navDelay > 0 {
		select {
		case <-time.After(p.navDelay):
		case <-ctx.Done():
			p.aborted.Store(true)
			return 0, ctx.Err()
		}
	}
	if p.navErr != nil {
		return 0, p.navErr
	}
	return p.status, nil
}

func (p *fakePage) WaitVisible(ctx context.Context, _ string) error {
	if p.blockSelector {
		<-ctx.Done()
		p.aborted.Store(true)
		return ctx.Err()
	}
	return nil
}

func (p *fakePage) HTML(context.Context) (string, error) {
	return p.html, nil
}

func (p *fakePage) Close() error {
	p.closed.Add(1)
	return nil
}

func (p *fakePage) UserAgent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userAgent
}

// fakeContext hands out pages built by newPage.
type fakeContext struct {
	newPage func() *fakePage
	err     error

	mu    sync.Mutex
	pages []*fakePage
}

func (c *fakeContext) NewPage(context.Context) (browser.Page, error) {
	if c.err != nil {
		return nil, c.err
	}
	p := c.newPage()
	c.mu.Lock()
	c.pages = append(c.pages, p)
	c.mu.Unlock()
	return p, nil
}

func (c *fakeContext) opened() []*fakePage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakePage(nil), c.pages...)
}

func newFakePool(n int, newPage func() *fakePage) (*pool.Pool, []*fakeContext) {
	fakes := make([]*fakeContext, n)
	contexts := make([]browser.Context, n)
	for i := range fakes {
		fakes[i] = &fakeContext{newPage: newPage}
		contexts[i] = fakes[i]
	}
	return pool.New(contexts), fakes
}

func allPages(contexts []*fakeContext) []*fakePage {
	var out []*fakePage
	for _, c := range contexts {
		out = append(out, c.opened()...)
	}
	return out
}

// countingPool records Acquire calls on top of a real pool.
type countingPool struct {
	*pool.Pool
	acquires atomic.Int32
}

func (c *countingPool) Acquire() (*pool.Slot, bool) {
	c.acquires.Add(1)
	return c.Pool.Acquire()
}

type fakeFallback struct {
	html  string
	err   error
	calls atomic.Int32
	// onFetch runs inside Fetch before it returns.
	onFetch func()

	mu      sync.Mutex
	targets []string
}

func (f *fakeFallback) Fetch(_ context.Context, target string) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.targets = append(f.targets, target)
	f.mu.Unlock()
	if f.onFetch != nil {
		f.onFetch()
	}
	if f.err != nil {
		return "", f.err
	}
	return f.html, nil
}

type recordingObserver struct {
	mu        sync.Mutex
	outcomes  []string
	fallbacks []string
}

func (r *recordingObserver) ObserveFetch(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingObserver) ObserveFallback(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append(r.fallbacks, result)
}
