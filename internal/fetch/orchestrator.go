package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaocaoooo/html-fetch-worker/internal/pool"
)

const DefaultTimeout = 30 * time.Second

// Pool is the part of the context pool the orchestrator needs.
type Pool interface {
	Acquire() (*pool.Slot, bool)
	Release(index int)
}

// Fallback fetches a page through the external scraping proxy.
type Fallback interface {
	Fetch(ctx context.Context, target string) (string, error)
}

type Observer interface {
	ObserveFetch(outcome string, d time.Duration)
	ObserveFallback(result string)
}

type Option func(*Orchestrator)

func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// Orchestrator runs fetches over the shared context pool.
type Orchestrator struct {
	pool     Pool
	fallback Fallback
	timeout  time.Duration
	logger   *zap.Logger
	observer Observer
}

func New(p Pool, fb Fallback, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		pool:     p,
		fallback: fb,
		timeout:  DefaultTimeout,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Timeout() time.Duration {
	return o.timeout
}

// Fetch renders req.URL in a pooled browser context and returns its HTML.
// The whole page sequence races a single timer of o.timeout.
func (o *Orchestrator) Fetch(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := o.fetch(ctx, req)
	if o.observer != nil {
		o.observer.ObserveFetch(Outcome(res, err), time.Since(start))
	}
	return res, err
}

// lease 保证同一次请求只释放一次槽位：超时分支和正常分支都会调用 release，
// 而槽位在第一次释放后可能已经被别的请求拿走。
type lease struct {
	once  sync.Once
	pool  Pool
	index int
}

func (l *lease) release() {
	l.once.Do(func() { l.pool.Release(l.index) })
}

type outcome struct {
	res *Result
	err error
}

func (o *Orchestrator) fetch(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ua := "default"
	if req.UserAgent != "" {
		ua = "custom"
	}
	log := o.logger.With(zap.String("url", req.URL))
	if id := RequestIDFrom(ctx); id != "" {
		log = log.With(zap.String("request_id", id))
	}
	log.Info("fetching html",
		zap.String("waitForSelector", req.WaitForSelector),
		zap.Int("delay", req.Delay),
		zap.String("userAgent", ua),
		zap.Bool("antibotFallback", req.AntibotFallback),
	)

	slot, ok := o.pool.Acquire()
	if !ok {
		log.Warn("no free browser context")
		return nil, ErrResourceExhausted
	}
	l := &lease{pool: o.pool, index: slot.Index}
	defer l.release()
	log = log.With(zap.Int("slot", slot.Index))

	// runCtx 是放弃后台任务时的停止信号
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := o.run(runCtx, slot, l, req, log)
		done <- outcome{res: res, err: err}
	}()

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			log.Error("fetch failed", zap.Error(out.err))
		}
		return out.res, out.err
	case <-timer.C:
		log.Warn("fetch timeout reached, releasing context", zap.Duration("timeout", o.timeout))
		l.release()
		cancel()
		return nil, fmt.Errorf("%w after %s", ErrTimeout, o.timeout)
	case <-ctx.Done():
		log.Warn("fetch canceled by caller", zap.Error(ctx.Err()))
		l.release()
		return nil, ctx.Err()
	}
}

// run is the raced page sequence. It owns the page; the slot is only
// released here early when the page is abandoned for the proxy.
func (o *Orchestrator) run(ctx context.Context, slot *pool.Slot, l *lease, req Request, log *zap.Logger) (*Result, error) {
	if d := req.delay(); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	pg, err := slot.Context.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNavigation, err)
	}
	closePage := func() {
		if err := pg.Close(); err != nil {
			log.Debug("close page", zap.Error(err))
		}
	}
	defer closePage()

	if req.UserAgent != "" {
		if err := pg.SetUserAgent(ctx, req.UserAgent); err != nil {
			return nil, fmt.Errorf("%w: set user agent: %w", ErrNavigation, err)
		}
	}

	status, err := pg.Navigate(ctx, req.URL)
	if err != nil {
		if req.AntibotFallback && ctx.Err() == nil && escalateOnError(err) {
			log.Warn("navigation failed, escalating to scraping proxy", zap.Error(err))
			closePage()
			l.release()
			return o.escalate(ctx, req, log)
		}
		return nil, fmt.Errorf("%w: %w", ErrNavigation, err)
	}

	if req.AntibotFallback && escalateOnStatus(status) {
		log.Warn("blocked response, escalating to scraping proxy", zap.Int64("status", status))
		closePage()
		l.release()
		return o.escalate(ctx, req, log)
	}

	if req.WaitForSelector != "" {
		if err := pg.WaitVisible(ctx, req.WaitForSelector); err != nil {
			return nil, fmt.Errorf("%w: wait for selector %q: %w", ErrNavigation, req.WaitForSelector, err)
		}
	}

	html, err := pg.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read content: %w", ErrNavigation, err)
	}
	log.Debug("fetched html", zap.Int64("status", status), zap.Int("bytes", len(html)))

	return &Result{HTML: html, URL: req.URL}, nil
}
