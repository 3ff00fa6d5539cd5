// Package browser implements the scenario browser driver on top of go-rod.
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/lucasnoah/healfactory/internal/scenario"
)

// Config holds browser configuration.
type Config struct {
	Bin               string
	Flags             []string
	DebuggerURL       string
	Headless          bool
	ViewportWidth     int
	ViewportHeight    int
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:          true,
		ViewportWidth:     1920,
		ViewportHeight:    1080,
		NavigationTimeout: 30 * time.Second,
		ActionTimeout:     10 * time.Second,
	}
}

// Launcher opens Chrome sessions, either by connecting to DebuggerURL or by
// launching a local binary.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

var _ scenario.Browser = (*Launcher)(nil)

// NewLauncher creates a Launcher.
func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout == 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.ActionTimeout == 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	return &Launcher{cfg: cfg, logger: logger}
}

// Open connects to Chrome and opens an incognito page at url.
func (l *Launcher) Open(ctx context.Context, url string) (scenario.Session, error) {
	controlURL := l.cfg.DebuggerURL
	var lnch *launcher.Launcher
	if controlURL == "" {
		lnch = launcher.New().Headless(l.cfg.Headless)
		if l.cfg.Bin != "" {
			lnch = lnch.Bin(l.cfg.Bin)
		}
		for _, raw := range l.cfg.Flags {
			name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
			if hasVal {
				lnch = lnch.Set(flags.Flag(name), val)
			} else {
				lnch = lnch.Set(flags.Flag(name))
			}
		}
		u, err := lnch.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
	}

	connCtx, disconnect := context.WithCancel(ctx)
	b := rod.New().ControlURL(controlURL).Context(connCtx)
	if err := b.Connect(); err != nil {
		disconnect()
		if lnch != nil {
			lnch.Kill()
		}
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	s := &Session{
		cfg:        l.cfg,
		logger:     l.logger,
		connCtx:    connCtx,
		disconnect: disconnect,
		browser:    b,
		launcher:   lnch,
	}
	incognito, err := b.Incognito()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	s.incognito = incognito

	page, err := incognito.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	s.primary = page
	s.setViewport(page)

	if err := s.Navigate(ctx, url); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Session is a single incognito browser context. When launcher is nil the
// session is attached to a Chrome someone else started and must leave it
// running.
type Session struct {
	cfg        Config
	logger     *zap.Logger
	connCtx    context.Context
	disconnect context.CancelFunc
	browser    *rod.Browser
	launcher   *launcher.Launcher
	incognito  *rod.Browser
	primary    *rod.Page
	secondary  *rod.Page
}

var _ scenario.Session = (*Session)(nil)

func (s *Session) setViewport(page *rod.Page) {
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             s.cfg.ViewportWidth,
		Height:            s.cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		s.logger.Warn("failed to set viewport", zap.Error(err))
	}
}

func (s *Session) page(w scenario.Window) (*rod.Page, error) {
	if w == scenario.Secondary {
		if s.secondary == nil {
			return nil, scenario.ErrNoSecondary
		}
		return s.secondary, nil
	}
	return s.primary, nil
}

// bounded gives one browser operation its own deadline. A non-positive d
// only adds cancellation.
func bounded(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Navigate loads url in the primary window and waits for the load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	ctx, cancel := bounded(ctx, s.cfg.NavigationTimeout)
	defer cancel()
	p := s.primary.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

// element looks selector up under ctx; the returned element keeps ctx, so
// callers bound ctx for the whole action.
func (s *Session) element(ctx context.Context, w scenario.Window, selector string) (*rod.Element, error) {
	page, err := s.page(w)
	if err != nil {
		return nil, err
	}
	el, err := page.Context(ctx).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element %q not found: %w", selector, err)
	}
	return el, nil
}

// Click clicks the first element matching selector.
func (s *Session) Click(ctx context.Context, w scenario.Window, selector string) error {
	ctx, cancel := bounded(ctx, s.cfg.ActionTimeout)
	defer cancel()
	el, err := s.element(ctx, w, selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// Fill replaces the contents of an input.
func (s *Session) Fill(ctx context.Context, w scenario.Window, selector, value string) error {
	ctx, cancel := bounded(ctx, s.cfg.ActionTimeout)
	defer cancel()
	el, err := s.element(ctx, w, selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("select text in %q: %w", selector, err)
	}
	return el.Input(value)
}

// WaitVisible waits until selector is present and visible.
func (s *Session) WaitVisible(ctx context.Context, w scenario.Window, selector string) error {
	ctx, cancel := bounded(ctx, s.cfg.ActionTimeout)
	defer cancel()
	el, err := s.element(ctx, w, selector)
	if err != nil {
		return err
	}
	return el.WaitVisible()
}

// OpenSecondary clicks selector and adopts the window it opens.
func (s *Session) OpenSecondary(ctx context.Context, selector string) error {
	ctx, cancel := bounded(ctx, s.cfg.NavigationTimeout)
	defer cancel()
	el, err := s.element(ctx, scenario.Primary, selector)
	if err != nil {
		return err
	}
	wait := s.primary.Context(ctx).WaitOpen()
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	page, err := wait()
	if err != nil {
		return fmt.Errorf("wait for secondary window: %w", err)
	}
	if s.secondary != nil {
		_ = s.secondary.Close()
	}
	// The adopted page must outlive this call's deadline.
	s.secondary = page.Context(s.connCtx)
	s.setViewport(s.secondary)
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait secondary load: %w", err)
	}
	return nil
}

// CloseSecondary closes the secondary window if one is open.
func (s *Session) CloseSecondary() error {
	if s.secondary == nil {
		return nil
	}
	err := s.secondary.Close()
	s.secondary = nil
	return err
}

// HasSecondary reports whether a secondary window is open.
func (s *Session) HasSecondary() bool {
	return s.secondary != nil
}

// Screenshot writes a viewport PNG of the chosen window to path.
func (s *Session) Screenshot(ctx context.Context, w scenario.Window, path string) error {
	page, err := s.page(w)
	if err != nil {
		return err
	}
	ctx, cancel := bounded(ctx, s.cfg.ActionTimeout)
	defer cancel()
	data, err := page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return fmt.Errorf("capture screenshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// URL returns the current URL of the chosen window, or "" if unknown.
func (s *Session) URL(w scenario.Window) string {
	page, err := s.page(w)
	if err != nil {
		return ""
	}
	info, err := page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

type closer struct {
	name string
	fn   func() error
}

// closers lists what Close releases, in order. Pages go first, then the
// incognito context. Only a launched browser is closed and killed; an
// attached one is just disconnected.
func (s *Session) closers() []closer {
	var cs []closer
	if s.secondary != nil {
		cs = append(cs, closer{"secondary", s.secondary.Close})
	}
	if s.primary != nil {
		cs = append(cs, closer{"primary", s.primary.Close})
	}
	if s.incognito != nil {
		cs = append(cs, closer{"context", s.incognito.Close})
	}
	if s.launcher != nil {
		if s.browser != nil {
			cs = append(cs, closer{"browser", s.browser.Close})
		}
		l := s.launcher
		cs = append(cs, closer{"process", func() error { l.Kill(); return nil }})
	}
	if s.disconnect != nil {
		cancel := s.disconnect
		cs = append(cs, closer{"disconnect", func() error { cancel(); return nil }})
	}
	return cs
}

// Close releases the session. It is safe to call more than once.
func (s *Session) Close() error {
	var firstErr error
	for _, c := range s.closers() {
		if err := c.fn(); err != nil {
			s.logger.Debug("close failed", zap.String("part", c.name), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("close %s: %w", c.name, err)
			}
		}
	}
	s.secondary = nil
	s.primary = nil
	s.incognito = nil
	s.browser = nil
	s.launcher = nil
	s.disconnect = nil
	return firstErr
}
