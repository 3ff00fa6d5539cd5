// Package vision sends captures to a multimodal model and turns its replies
// into candidate defects.
package vision

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/healfactory/internal/bugs"
	"github.com/lucasnoah/healfactory/internal/prompt"
	"github.com/lucasnoah/healfactory/internal/scenario"
)

// Config controls model selection, timeouts and retries.
type Config struct {
	Model             string
	Timeout           time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	Options           Options
	TemplatesDir      string
}

// DefaultConfig returns three attempts with 1s, 2s backoff and a two
// minute per-attempt timeout.
func DefaultConfig() Config {
	return Config{
		Timeout:           120 * time.Second,
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		BackoffMultiplier: 2,
	}
}

// Call describes one finished analysis, successful or not.
type Call struct {
	CaptureID string
	Backend   string
	Model     string
	Attempts  int
	Duration  time.Duration
	Bugs      int
	Fallback  bool
	Err       error
}

// Client analyzes captures. Synthetic identifier counters belong to the
// instance, so one Client should live for the whole run.
type Client struct {
	backend  Backend
	cfg      Config
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error
	observe  func(Call)
	counters map[bugs.Category]int
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSleeper replaces the backoff wait (for testing).
func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithObserver registers a callback invoked after every analysis.
func WithObserver(fn func(Call)) Option {
	return func(c *Client) { c.observe = fn }
}

// New creates a Client. Zero config fields take DefaultConfig values.
func New(backend Backend, cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	c := &Client{
		backend:  backend,
		cfg:      cfg,
		logger:   zap.NewNop(),
		sleep:    sleepCtx,
		counters: make(map[bugs.Category]int),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Analyze checks the primary screenshot of a capture.
func (c *Client) Analyze(ctx context.Context, capture scenario.Capture) (Outcome, error) {
	vars := captureVars(capture, capture.ID, capture.URL)
	return c.analyze(ctx, capture.ID, capture.Path, prompt.CaptureTemplate, vars, capture.Path)
}

// AnalyzePopout checks the secondary-window screenshot on its own.
func (c *Client) AnalyzePopout(ctx context.Context, capture scenario.Capture) (Outcome, error) {
	if !capture.HasPopout() {
		return nil, fmt.Errorf("capture %s has no pop-out screenshot", capture.ID)
	}
	id := scenario.PopoutID(capture.StepID)
	url := capture.PopoutURL
	if url == "" {
		url = capture.URL
	}
	vars := captureVars(capture, id, url)
	return c.analyze(ctx, id, capture.PopoutPath, prompt.CaptureTemplate, vars, capture.PopoutPath)
}

// AnalyzePair compares the primary window with the secondary window. The
// primary image is always sent first.
func (c *Client) AnalyzePair(ctx context.Context, capture scenario.Capture) (Outcome, error) {
	if !capture.HasPopout() {
		return nil, fmt.Errorf("capture %s has no pop-out screenshot", capture.ID)
	}
	id := scenario.SyncID(capture.StepID)
	vars := prompt.Vars{
		"step_id":        capture.StepID,
		"description":    capture.Description,
		"capture_id":     id,
		"url":            capture.URL,
		"popout_url":     capture.PopoutURL,
		"expected_chips": bulletList(capture.Expected.FilterChips),
		"expected_count": countText(capture.Expected.ResultCount),
	}
	return c.analyze(ctx, id, capture.Path, prompt.SyncTemplate, vars, capture.Path, capture.PopoutPath)
}

func (c *Client) analyze(ctx context.Context, captureID, screenshot, tmplName string, vars prompt.Vars, imagePaths ...string) (Outcome, error) {
	start := time.Now()
	call := Call{CaptureID: captureID, Backend: c.backend.Name(), Model: c.cfg.Model}
	defer func() {
		call.Duration = time.Since(start)
		if c.observe != nil {
			c.observe(call)
		}
	}()

	tmpl, err := prompt.LoadTemplate(tmplName, c.cfg.TemplatesDir)
	if err != nil {
		call.Err = err
		return nil, err
	}
	text, err := prompt.Render(tmpl, vars)
	if err != nil {
		call.Err = fmt.Errorf("render %s: %w", tmplName, err)
		return nil, call.Err
	}

	images := make([][]byte, 0, len(imagePaths))
	for _, p := range imagePaths {
		data, err := os.ReadFile(p)
		if err != nil {
			call.Err = fmt.Errorf("read screenshot: %w", err)
			return nil, call.Err
		}
		images = append(images, data)
	}

	req := Request{Model: c.cfg.Model, Prompt: text, Images: images, Options: c.cfg.Options}
	reply, attempts, err := c.generate(ctx, captureID, req)
	call.Attempts = attempts
	if err != nil {
		call.Err = err
		return nil, err
	}

	out := Parse(captureID, reply)
	switch o := out.(type) {
	case Parsed:
		for i := range o.Analysis.Bugs {
			b := &o.Analysis.Bugs[i]
			b.Screenshot = screenshot
			if !wellFormedID.MatchString(b.ID) {
				b.ID = c.syntheticID(b.Category)
			}
		}
		call.Bugs = len(o.Analysis.Bugs)
		out = o
	case Fallback:
		call.Fallback = true
		c.logger.Warn("vision reply not parsed",
			zap.String("capture", captureID),
			zap.String("reason", o.Reason))
	}
	return out, nil
}

// generate calls the backend with a per-attempt timeout, retrying
// non-fatal failures with exponential backoff.
func (c *Client) generate(ctx context.Context, captureID string, req Request) (string, int, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		reply, err := c.backend.Generate(attemptCtx, req)
		cancel()
		if err == nil {
			return reply, attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", attempt, ctx.Err()
		}
		if IsFatal(err) {
			return "", attempt, err
		}
		if attempt < c.cfg.MaxAttempts {
			wait := c.backoff(attempt)
			c.logger.Debug("vision call failed, retrying",
				zap.String("capture", captureID),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.cfg.MaxAttempts),
				zap.Duration("backoff", wait),
				zap.Error(err))
			if err := c.sleep(ctx, wait); err != nil {
				return "", attempt, err
			}
		}
	}
	return "", c.cfg.MaxAttempts, fmt.Errorf("vision call for %s failed after %d attempts: %w", captureID, c.cfg.MaxAttempts, lastErr)
}

// backoff returns InitialBackoff * BackoffMultiplier^(attempt-1).
func (c *Client) backoff(attempt int) time.Duration {
	return time.Duration(float64(c.cfg.InitialBackoff) * math.Pow(c.cfg.BackoffMultiplier, float64(attempt-1)))
}

func (c *Client) syntheticID(cat bugs.Category) string {
	c.counters[cat]++
	return fmt.Sprintf("BUG-%s-%03d", strings.ToUpper(string(cat)), c.counters[cat])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func captureVars(capture scenario.Capture, id, url string) prompt.Vars {
	exp := capture.Expected
	return prompt.Vars{
		"step_id":         capture.StepID,
		"description":     capture.Description,
		"capture_id":      id,
		"url":             url,
		"expected_panels": bulletList(exp.Panels),
		"expected_params": paramList(exp.URLParams),
		"expected_count":  countText(exp.ResultCount),
		"expected_chips":  bulletList(exp.FilterChips),
		"url_mismatches":  bulletList(capture.URLMismatches),
	}
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(it)
	}
	return b.String()
}

func paramList(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + params[k]
	}
	return bulletList(lines)
}

func countText(r *scenario.Range) string {
	if r == nil {
		return ""
	}
	if r.Min == r.Max {
		return fmt.Sprintf("exactly %d results", r.Min)
	}
	return fmt.Sprintf("between %d and %d results", r.Min, r.Max)
}
