package env

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/probelab/scenarist/api/schemas"
)

// BrowserConfig tunes the live chromedp-backed environment session.
type BrowserConfig struct {
	StartURL          string        `mapstructure:"start_url" yaml:"start_url"`
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	// ActionsPerSecond paces stepping so rollouts cannot hammer the target
	// application.
	ActionsPerSecond float64  `mapstructure:"actions_per_second" yaml:"actions_per_second"`
	WindowWidth      int      `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight     int      `mapstructure:"window_height" yaml:"window_height"`
	ChromeArgs       []string `mapstructure:"chrome_args" yaml:"chrome_args"`
	// MaxElements caps how many interactive elements are harvested per state.
	MaxElements int `mapstructure:"max_elements" yaml:"max_elements"`
}

// DefaultBrowserConfig returns sensible session defaults.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Headless:          true,
		NavigationTimeout: 30 * time.Second,
		ActionTimeout:     10 * time.Second,
		ActionsPerSecond:  2.0,
		WindowWidth:       1280,
		WindowHeight:      900,
		MaxElements:       64,
	}
}

// harvestJS collects the visible interactive elements of the current page in
// DOM order, together with a stable CSS selector for re-resolution. Element
// references handed to the core are indexes into this harvest and are
// invalidated by the next one.
const harvestJS = `(() => {
	const selectors = ['button', 'a[href]', 'input', 'select', 'textarea', '[role="button"]', '[onclick]'];
	const seen = new Set();
	const out = [];
	const roleOf = (el) => {
		const tag = el.tagName.toLowerCase();
		if (tag === 'button' || el.getAttribute('role') === 'button' || el.hasAttribute('onclick')) return 'button';
		if (tag === 'a') return 'link';
		if (tag === 'input') {
			const t = (el.getAttribute('type') || 'text').toLowerCase();
			if (t === 'checkbox' || t === 'radio') return 'checkbox';
			if (t === 'submit' || t === 'button') return 'button';
			return 'input';
		}
		if (tag === 'textarea') return 'input';
		if (tag === 'select') return 'select';
		if (tag === 'ul' || tag === 'ol') return 'list';
		return 'other';
	};
	const cssPath = (el) => {
		if (el.id) return '#' + CSS.escape(el.id);
		const parts = [];
		while (el && el.nodeType === 1 && parts.length < 6) {
			let idx = 1, sib = el;
			while ((sib = sib.previousElementSibling)) {
				if (sib.tagName === el.tagName) idx++;
			}
			parts.unshift(el.tagName.toLowerCase() + ':nth-of-type(' + idx + ')');
			el = el.parentElement;
		}
		return parts.join(' > ');
	};
	for (const sel of selectors) {
		for (const el of document.querySelectorAll(sel)) {
			if (seen.has(el)) continue;
			seen.add(el);
			const r = el.getBoundingClientRect();
			if (r.width <= 0 || r.height <= 0) continue;
			out.push({
				role: roleOf(el),
				label: (el.innerText || el.value || el.getAttribute('placeholder') || el.getAttribute('aria-label') || '').trim().slice(0, 80),
				x: r.x, y: r.y, w: r.width, h: r.height,
				enabled: !el.disabled,
				selector: cssPath(el),
			});
		}
	}
	out.sort((a, b) => a.y - b.y || a.x - b.x);
	return out;
})()`

type harvestedElement struct {
	Role     string  `json:"role"`
	Label    string  `json:"label"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	W        float64 `json:"w"`
	H        float64 `json:"h"`
	Enabled  bool    `json:"enabled"`
	Selector string  `json:"selector"`
}

// Browser drives one live chromedp session as an Environment. One Browser
// serves one rollout stream; parallel training sessions each get their own.
type Browser struct {
	cfg         BrowserConfig
	log         *zap.Logger
	limiter     *rate.Limiter
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc

	// anomaly latches adapter-observed faults (script exceptions, 5xx
	// document loads) between harvests.
	anomaly atomic.Bool

	mu sync.Mutex
	// selectors re-resolve the most recent harvest's element refs. Refs
	// against any older harvest are stale by construction.
	selectors []string
	closed    bool
}

// NewBrowser launches a fresh browser session.
func NewBrowser(cfg BrowserConfig, logger *zap.Logger) (*Browser, error) {
	def := DefaultBrowserConfig()
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = def.NavigationTimeout
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = def.ActionTimeout
	}
	if cfg.ActionsPerSecond <= 0 {
		cfg.ActionsPerSecond = def.ActionsPerSecond
	}
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		cfg.WindowWidth, cfg.WindowHeight = def.WindowWidth, def.WindowHeight
	}
	if cfg.MaxElements <= 0 {
		cfg.MaxElements = def.MaxElements
	}
	if cfg.StartURL == "" {
		return nil, fmt.Errorf("browser environment requires a start URL")
	}

	sessionID := uuid.New().String()[:8]
	log := logger.Named("browser").With(zap.String("session_id", sessionID))

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
	for _, arg := range cfg.ChromeArgs {
		opts = append(opts, chromedp.Flag(arg, true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	b := &Browser{
		cfg:         cfg,
		log:         log,
		limiter:     rate.NewLimiter(rate.Limit(cfg.ActionsPerSecond), 1),
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		cancel:      cancel,
	}

	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *runtime.EventExceptionThrown:
			b.anomaly.Store(true)
			log.Debug("Page exception observed", zap.String("detail", e.ExceptionDetails.Text))
		case *network.EventResponseReceived:
			if e.Type == network.ResourceTypeDocument && e.Response.Status >= 500 {
				b.anomaly.Store(true)
				log.Debug("Server error document load observed",
					zap.Int64("status", e.Response.Status), zap.String("url", e.Response.URL))
			}
		}
	})

	if err := chromedp.Run(browserCtx, network.Enable()); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("start browser session: %w", err)
	}

	log.Info("Browser session started", zap.String("start_url", cfg.StartURL), zap.Bool("headless", cfg.Headless))
	return b, nil
}

// Reset navigates to the start URL and harvests the initial state.
func (b *Browser) Reset(ctx context.Context) (schemas.State, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return schemas.State{}, err
	}
	b.anomaly.Store(false)

	navCtx, cancel := context.WithTimeout(b.browserCtx, b.cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(navCtx, chromedp.Navigate(b.cfg.StartURL)); err != nil {
		return schemas.State{}, fmt.Errorf("navigate to start URL: %w", err)
	}
	return b.harvest(ctx, schemas.OutcomeNone)
}

// Step executes one action against the live page and harvests the resulting
// state. Element-targeting actions re-resolve their ref against the most
// recent harvest; anything else is a stale reference.
func (b *Browser) Step(ctx context.Context, action schemas.Action) (schemas.State, bool, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return schemas.State{}, false, err
	}

	outcome := schemas.OutcomeOK
	if err := b.perform(action); err != nil {
		if errors.Is(err, schemas.ErrStaleReference) {
			return schemas.State{}, false, err
		}
		// A failed interaction is an observation, not an adapter failure:
		// the episode continues with the outcome recorded on the state.
		b.log.Debug("Action failed", zap.String("action", action.String()), zap.Error(err))
		outcome = schemas.OutcomeError
	}

	state, err := b.harvest(ctx, outcome)
	if err != nil {
		return schemas.State{}, false, err
	}
	return state, state.Terminal, nil
}

// perform maps an Action onto chromedp primitives.
func (b *Browser) perform(action schemas.Action) error {
	actCtx, cancel := context.WithTimeout(b.browserCtx, b.cfg.ActionTimeout)
	defer cancel()

	var task chromedp.Action
	switch action.Kind {
	case schemas.ActionNavigate:
		navCtx, navCancel := context.WithTimeout(b.browserCtx, b.cfg.NavigationTimeout)
		defer navCancel()
		return chromedp.Run(navCtx, chromedp.Navigate(action.URL))
	case schemas.ActionClick:
		sel, err := b.resolve(action.ElementRef)
		if err != nil {
			return err
		}
		task = chromedp.Tasks{
			chromedp.ScrollIntoView(sel, chromedp.ByQuery),
			chromedp.Click(sel, chromedp.ByQuery),
		}
	case schemas.ActionTypeText:
		sel, err := b.resolve(action.ElementRef)
		if err != nil {
			return err
		}
		task = chromedp.Tasks{
			chromedp.ScrollIntoView(sel, chromedp.ByQuery),
			chromedp.SendKeys(sel, action.Value, chromedp.ByQuery),
		}
	case schemas.ActionScroll:
		sel, err := b.resolve(action.ElementRef)
		if err != nil {
			return err
		}
		task = chromedp.ScrollIntoView(sel, chromedp.ByQuery)
	case schemas.ActionWait:
		task = chromedp.Sleep(time.Duration(action.DurationMs) * time.Millisecond)
	case schemas.ActionEndEpisode:
		return nil
	default:
		return fmt.Errorf("unsupported action kind %q", action.Kind)
	}
	return chromedp.Run(actCtx, task)
}

// resolve maps an element ref onto the selector captured by the most recent
// harvest.
func (b *Browser) resolve(ref int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ref < 0 || ref >= len(b.selectors) {
		return "", fmt.Errorf("element ref %d against harvest of %d elements: %w",
			ref, len(b.selectors), schemas.ErrStaleReference)
	}
	return b.selectors[ref], nil
}

// harvest snapshots the current page into a State and refreshes the
// selector table. The state key folds the URL and the element digest, which
// is this adapter's equality oracle.
func (b *Browser) harvest(ctx context.Context, outcome schemas.ActionOutcome) (schemas.State, error) {
	harvestCtx, cancel := context.WithTimeout(b.browserCtx, b.cfg.ActionTimeout)
	defer cancel()

	var currentURL string
	var raw []harvestedElement
	if err := chromedp.Run(harvestCtx,
		chromedp.Location(&currentURL),
		chromedp.Evaluate(harvestJS, &raw),
	); err != nil {
		return schemas.State{}, fmt.Errorf("harvest page state: %w", err)
	}
	if len(raw) > b.cfg.MaxElements {
		raw = raw[:b.cfg.MaxElements]
	}

	elements := make([]schemas.UIElement, len(raw))
	selectors := make([]string, len(raw))
	digest := fnv.New64a()
	fmt.Fprint(digest, currentURL)
	for i, h := range raw {
		elements[i] = schemas.UIElement{
			Role:    schemas.ElementRole(h.Role),
			Label:   h.Label,
			Region:  schemas.Region{X: h.X, Y: h.Y, Width: h.W, Height: h.H},
			Enabled: h.Enabled,
		}
		selectors[i] = h.Selector
		fmt.Fprintf(digest, "|%s:%s", h.Role, h.Label)
	}

	key := fmt.Sprintf("%s#%016x", currentURL, digest.Sum64())
	anomaly := b.anomaly.Swap(false)

	b.mu.Lock()
	b.selectors = selectors
	b.mu.Unlock()

	return schemas.State{
		Key:        key,
		PageID:     currentURL,
		Elements:   elements,
		LastResult: outcome,
		Anomaly:    anomaly,
	}, nil
}

// Close tears the session down.
func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.allocCancel()
	b.log.Info("Browser session closed")
	return nil
}
