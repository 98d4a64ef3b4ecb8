package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/security"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// remoteDialTimeout 只用于首次建立 CDP 连接。
const remoteDialTimeout = 30 * time.Second

type Options struct {
	WSEndpoint      string
	BrowserlessURL  string
	ChromePath      string
	Headless        bool
	IgnoreTLSErrors bool
}

// Engine owns the browser process (local) or the CDP connection (remote)
// that every slot context lives in.
type Engine struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	endpoint      string
	ignoreTLS     bool
	logger        *zap.Logger

	mu       sync.Mutex
	contexts []*chromeContext
}

func Start(ctx context.Context, opts Options, logger *zap.Logger) (*Engine, error) {
	e := &Engine{ignoreTLS: opts.IgnoreTLSErrors, logger: logger}

	var allocCtx context.Context
	if opts.WSEndpoint != "" || opts.BrowserlessURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, remoteDialTimeout)
		wsURL, err := newResolver(logger).resolve(dialCtx, opts.WSEndpoint, opts.BrowserlessURL)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("resolve browser endpoint: %w", err)
		}
		logger.Info("using remote chrome", zap.String("ws", wsURL))
		allocCtx, e.allocCancel = chromedp.NewRemoteAllocator(ctx, wsURL, chromedp.NoModifyURL)
		e.endpoint = wsURL
	} else {
		allocCtx, e.allocCancel = chromedp.NewExecAllocator(ctx, execOptions(opts)...)
		e.endpoint = "local"
		logger.Info("launching local chrome", zap.String("path", opts.ChromePath), zap.Bool("headless", opts.Headless))
	}

	e.browserCtx, e.browserCancel = chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Debugf),
	)

	dialCtx, cancel := context.WithTimeout(ctx, remoteDialTimeout)
	defer cancel()
	if err := allocate(dialCtx, e.browserCtx, e.browserCancel, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.GetFrameTree().Do(ctx)
		return err
	})); err != nil {
		e.Close()
		return nil, fmt.Errorf("connect chrome: %w", err)
	}
	return e, nil
}

func execOptions(opts Options) []chromedp.ExecAllocatorOption {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("mute-audio", true),
	)
	if opts.IgnoreTLSErrors {
		allocOpts = append(allocOpts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if opts.ChromePath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ChromePath))
	}
	return allocOpts
}

func (e *Engine) Endpoint() string {
	return e.endpoint
}

// Alive reports whether the browser connection is still open. chromedp
// cancels the browser context when the process exits or the websocket drops.
func (e *Engine) Alive() bool {
	return e.browserCtx != nil && e.browserCtx.Err() == nil
}

// NewContexts creates n isolated browser contexts and warms each one up
// with a blank tab. It fails as a whole if any context cannot be created.
func (e *Engine) NewContexts(ctx context.Context, n int) ([]Context, error) {
	created := make([]*chromeContext, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			slotCtx, cancel := chromedp.NewContext(e.browserCtx, chromedp.WithNewBrowserContext())
			if err := allocate(gctx, slotCtx, cancel, chromedp.Navigate("about:blank")); err != nil {
				return fmt.Errorf("warm up browser context %d: %w", i, err)
			}
			created[i] = &chromeContext{ctx: slotCtx, cancel: cancel, ignoreTLS: e.ignoreTLS}
			e.logger.Debug("browser context initialized", zap.Int("slot", i))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range created {
			if c != nil {
				c.cancel()
			}
		}
		return nil, err
	}

	e.mu.Lock()
	e.contexts = append(e.contexts, created...)
	e.mu.Unlock()

	out := make([]Context, n)
	for i, c := range created {
		out[i] = c
	}
	return out, nil
}

func (e *Engine) Close() {
	e.mu.Lock()
	contexts := e.contexts
	e.contexts = nil
	e.mu.Unlock()

	for _, c := range contexts {
		c.cancel()
	}
	if e.browserCancel != nil {
		e.browserCancel()
	}
	if e.allocCancel != nil {
		e.allocCancel()
	}
}

// bind 返回一个挂在 chromedp 上下文 base 下的 ctx：带上 ctx 的 deadline，
// 并在 ctx 结束时一起取消。
func bind(base, ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(base)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		inner := cancel
		cancel = func() {
			cancelDeadline()
			inner()
		}
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

type chromeContext struct {
	ctx       context.Context
	cancel    context.CancelFunc
	ignoreTLS bool
}

func (c *chromeContext) NewPage(ctx context.Context) (Page, error) {
	tabCtx, cancel := chromedp.NewContext(c.ctx)
	t := &tab{ctx: tabCtx, cancel: cancel}

	actions := []chromedp.Action{network.Enable()}
	if c.ignoreTLS {
		actions = append(actions, security.SetIgnoreCertificateErrors(true))
	}
	if err := allocate(ctx, tabCtx, cancel, actions...); err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	return t, nil
}

// allocate runs the first actions of a fresh chromedp context. The target
// lives as long as the context of its first Run, so that Run must use target
// itself; ctx only cancels it. On error the target is cancelled.
func allocate(ctx, target context.Context, cancel context.CancelFunc, actions ...chromedp.Action) error {
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(target, actions...)
	if !stop() || err != nil {
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

type tab struct {
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

func (t *tab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, stop := bind(t.ctx, ctx)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (t *tab) SetUserAgent(ctx context.Context, userAgent string) error {
	return t.run(ctx, emulation.SetUserAgentOverride(userAgent))
}

func (t *tab) Navigate(ctx context.Context, url string) (int64, error) {
	idle := newIdleWatcher(chromedp.FromContext(t.ctx))
	listenCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	chromedp.ListenTarget(listenCtx, idle.handle)

	runCtx, stop := bind(t.ctx, ctx)
	defer stop()

	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err != nil {
		if runCtx.Err() != nil {
			return 0, runCtx.Err()
		}
		// 4xx/5xx 且 body 为空时 Chrome 报 ERR_HTTP_RESPONSE_CODE_FAILURE，状态码照常返回
		if status, ok := responseCodeFailure(err, idle.status()); ok {
			return status, nil
		}
		return 0, newNavigationError(url, err)
	}
	if err := idle.wait(runCtx); err != nil {
		return 0, err
	}

	var status int64
	if resp != nil {
		status = resp.Status
	}
	return status, nil
}

func (t *tab) WaitVisible(ctx context.Context, selector string) error {
	return t.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// HTML 取完整文档（含 doctype），等价于 page.content()。
func (t *tab) HTML(ctx context.Context) (string, error) {
	var html string
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		root, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		html, err = dom.GetOuterHTML().WithNodeID(root.NodeID).Do(ctx)
		return err
	}))
	return html, err
}

func (t *tab) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = chromedp.Cancel(t.ctx)
	})
	return t.closeErr
}

// responseCodeFailure reports the main-document status when navigation
// failed only because the server answered 4xx/5xx with an empty body.
func responseCodeFailure(err error, status int64) (int64, bool) {
	if err == nil || status <= 0 {
		return 0, false
	}
	if !strings.Contains(err.Error(), "ERR_HTTP_RESPONSE_CODE_FAILURE") {
		return 0, false
	}
	return status, true
}

// idleWatcher 跟踪主 frame 当前 loader 的 networkIdle 生命周期事件，
// 以及主文档最近一次响应的状态码。
type idleWatcher struct {
	frame cdp.FrameID

	mu        sync.Mutex
	current   cdp.LoaderID
	idle      map[cdp.LoaderID]bool
	docStatus int64
	notify    chan struct{}
}

func newIdleWatcher(c *chromedp.Context) *idleWatcher {
	w := &idleWatcher{
		idle:   make(map[cdp.LoaderID]bool),
		notify: make(chan struct{}, 1),
	}
	if c != nil && c.Target != nil {
		w.frame = cdp.FrameID(c.Target.TargetID)
	}
	return w
}

func (w *idleWatcher) handle(ev any) {
	if r, ok := ev.(*network.EventResponseReceived); ok {
		w.handleResponse(r)
		return
	}
	e, ok := ev.(*page.EventLifecycleEvent)
	if !ok || (w.frame != "" && e.FrameID != w.frame) {
		return
	}

	w.mu.Lock()
	switch e.Name {
	case "init":
		w.current = e.LoaderID
	case "networkIdle":
		w.idle[e.LoaderID] = true
	}
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *idleWatcher) handleResponse(e *network.EventResponseReceived) {
	if e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	if w.frame != "" && e.FrameID != w.frame {
		return
	}
	w.mu.Lock()
	w.docStatus = e.Response.Status
	w.mu.Unlock()
}

func (w *idleWatcher) status() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.docStatus
}

func (w *idleWatcher) done() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current != "" && w.idle[w.current]
}

func (w *idleWatcher) wait(ctx context.Context) error {
	for !w.done() {
		select {
		case <-w.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
