package scenario

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Window selects which browser window an operation applies to.
type Window int

const (
	Primary Window = iota
	Secondary
)

// ErrNoSecondary is returned when an operation targets a secondary window
// that has not been opened.
var ErrNoSecondary = errors.New("no secondary window open")

// Browser opens automation sessions against the application.
type Browser interface {
	Open(ctx context.Context, url string) (Session, error)
}

// Session is one live browser context with an optional secondary window.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, w Window, selector string) error
	Fill(ctx context.Context, w Window, selector, value string) error
	WaitVisible(ctx context.Context, w Window, selector string) error
	// OpenSecondary clicks selector in the primary window and waits for the
	// window it opens.
	OpenSecondary(ctx context.Context, selector string) error
	CloseSecondary() error
	HasSecondary() bool
	Screenshot(ctx context.Context, w Window, path string) error
	URL(w Window) string
	Close() error
}

// Driver executes configured steps through a Browser.
type Driver struct {
	browser  Browser
	steps    []Step
	index    map[string]*Step
	entryURL string
	settle   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithSettleDelay sets the pause before each screenshot.
func WithSettleDelay(delay time.Duration) Option {
	return func(d *Driver) {
		d.settle = delay
	}
}

// WithClock overrides the capture timestamp source (for testing).
func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		d.now = now
	}
}

// NewDriver validates steps and returns a Driver for them.
func NewDriver(b Browser, steps []Step, entryURL string, opts ...Option) (*Driver, error) {
	if errs := Validate(steps); len(errs) > 0 {
		return nil, fmt.Errorf("invalid steps: %w", errs[0])
	}
	d := &Driver{
		browser:  b,
		steps:    steps,
		index:    make(map[string]*Step, len(steps)),
		entryURL: entryURL,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for i := range d.steps {
		d.index[d.steps[i].ID] = &d.steps[i]
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Steps returns the configured steps in declared order.
func (d *Driver) Steps() []Step {
	return d.steps
}

// Step returns the step with the given ID.
func (d *Driver) Step(id string) (Step, bool) {
	s, ok := d.index[id]
	if !ok {
		return Step{}, false
	}
	return *s, true
}

// RunAll executes every step in order in a fresh session, writing captures
// to dir. A failing step is logged and skipped. Only failing to open the
// session is returned as an error.
func (d *Driver) RunAll(ctx context.Context, dir string) ([]Capture, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	sess, err := d.browser.Open(ctx, d.entryURL)
	if err != nil {
		return nil, fmt.Errorf("open browser session: %w", err)
	}
	defer d.closeSession(sess)

	captures := make([]Capture, 0, len(d.steps))
	for i := range d.steps {
		if ctx.Err() != nil {
			return captures, ctx.Err()
		}
		step := &d.steps[i]
		if err := d.runActions(ctx, sess, step); err != nil {
			d.logger.Warn("step failed, skipping", zap.String("step", step.ID), zap.Error(err))
			continue
		}
		c, err := d.capture(ctx, sess, step, dir)
		if err != nil {
			d.logger.Warn("capture failed, skipping", zap.String("step", step.ID), zap.Error(err))
			continue
		}
		d.logger.Debug("captured step", zap.String("step", step.ID), zap.String("path", c.Path))
		captures = append(captures, *c)
	}
	return captures, nil
}

// Batch is a verification session reused across several RunOne calls.
type Batch struct {
	d    *Driver
	sess Session
}

// OpenBatch opens a session for re-running individual steps.
func (d *Driver) OpenBatch(ctx context.Context) (*Batch, error) {
	sess, err := d.browser.Open(ctx, d.entryURL)
	if err != nil {
		return nil, fmt.Errorf("open browser session: %w", err)
	}
	return &Batch{d: d, sess: sess}, nil
}

// Close releases the batch session.
func (b *Batch) Close() {
	b.d.closeSession(b.sess)
}

// RunOne re-executes one step: reset to the entry state, replay its
// prerequisites in order, run the step, capture. Any failure yields nil.
func (b *Batch) RunOne(ctx context.Context, dir, stepID string) *Capture {
	d := b.d
	step, ok := d.index[stepID]
	if !ok {
		d.logger.Warn("unknown step", zap.String("step", stepID))
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.logger.Warn("cannot create capture dir", zap.String("dir", dir), zap.Error(err))
		return nil
	}

	if b.sess.HasSecondary() {
		if err := b.sess.CloseSecondary(); err != nil {
			d.logger.Debug("close secondary window", zap.Error(err))
		}
	}
	if err := b.sess.Navigate(ctx, d.entryURL); err != nil {
		d.logger.Warn("reset to entry failed", zap.String("step", stepID), zap.Error(err))
		return nil
	}

	for _, pre := range step.Prerequisites {
		if err := d.runActions(ctx, b.sess, d.index[pre]); err != nil {
			d.logger.Warn("prerequisite failed",
				zap.String("step", stepID),
				zap.String("prerequisite", pre),
				zap.Error(err))
			return nil
		}
	}
	if err := d.runActions(ctx, b.sess, step); err != nil {
		d.logger.Warn("step failed", zap.String("step", stepID), zap.Error(err))
		return nil
	}

	c, err := d.capture(ctx, b.sess, step, dir)
	if err != nil {
		d.logger.Warn("capture failed", zap.String("step", stepID), zap.Error(err))
		return nil
	}
	return c
}

// RunOne re-executes a single step in its own session.
func (d *Driver) RunOne(ctx context.Context, dir, stepID string) *Capture {
	b, err := d.OpenBatch(ctx)
	if err != nil {
		d.logger.Warn("open verification session", zap.String("step", stepID), zap.Error(err))
		return nil
	}
	defer b.Close()
	return b.RunOne(ctx, dir, stepID)
}

func (d *Driver) closeSession(sess Session) {
	if err := sess.Close(); err != nil {
		d.logger.Warn("close browser session", zap.Error(err))
	}
}

func (d *Driver) runActions(ctx context.Context, sess Session, step *Step) error {
	for i, a := range step.Actions {
		if err := d.runAction(ctx, sess, a); err != nil {
			return fmt.Errorf("action %d (%s): %w", i, a.Type, err)
		}
	}
	return nil
}

func (d *Driver) runAction(ctx context.Context, sess Session, a Action) error {
	w := Primary
	if a.Target == TargetPopout {
		w = Secondary
		if !sess.HasSecondary() {
			return ErrNoSecondary
		}
	}

	switch a.Type {
	case ActionNavigate:
		return sess.Navigate(ctx, d.resolve(a.Path))
	case ActionClick:
		return sess.Click(ctx, w, a.Selector)
	case ActionFill:
		return sess.Fill(ctx, w, a.Selector, a.Value)
	case ActionWait:
		return sess.WaitVisible(ctx, w, a.Selector)
	case ActionPopout:
		return sess.OpenSecondary(ctx, a.Selector)
	case ActionSleep:
		dur, err := time.ParseDuration(a.Duration)
		if err != nil {
			return err
		}
		return sleep(ctx, dur)
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}

// resolve turns an action path into an absolute URL against the entry URL.
func (d *Driver) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	base, err := url.Parse(d.entryURL)
	if err != nil {
		return path
	}
	ref, err := url.Parse(path)
	if err != nil {
		return path
	}
	return base.ResolveReference(ref).String()
}

func (d *Driver) capture(ctx context.Context, sess Session, step *Step, dir string) (*Capture, error) {
	if err := sleep(ctx, d.settle); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, step.ID+".png")
	if err := sess.Screenshot(ctx, Primary, path); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}

	c := &Capture{
		ID:          step.ID,
		StepID:      step.ID,
		Description: step.Description,
		Path:        path,
		URL:         sess.URL(Primary),
		Timestamp:   d.now().UTC(),
		Expected:    step.Expected,
	}
	c.URLMismatches = URLMismatches(c.URL, step.Expected.URLParams)

	if step.Popout && sess.HasSecondary() {
		popoutPath := filepath.Join(dir, PopoutID(step.ID)+".png")
		if err := sess.Screenshot(ctx, Secondary, popoutPath); err != nil {
			d.logger.Warn("secondary capture omitted", zap.String("step", step.ID), zap.Error(err))
		} else {
			c.PopoutPath = popoutPath
			c.PopoutURL = sess.URL(Secondary)
		}
	}
	return c, nil
}

// URLMismatches compares expected query parameters against a captured URL.
// Parameters in a hash-route fragment ("#/path?x=1") are also considered.
func URLMismatches(raw string, want map[string]string) []string {
	if len(want) == 0 {
		return nil
	}
	got := url.Values{}
	if u, err := url.Parse(raw); err == nil {
		got = u.Query()
		if _, q, ok := strings.Cut(u.Fragment, "?"); ok {
			if fq, err := url.ParseQuery(q); err == nil {
				for k, vs := range fq {
					got[k] = append(got[k], vs...)
				}
			}
		}
	}

	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		vs, ok := got[k]
		switch {
		case !ok:
			out = append(out, fmt.Sprintf("param %q missing (expected %q)", k, want[k]))
		case want[k] != "*" && !contains(vs, want[k]):
			out = append(out, fmt.Sprintf("param %q = %q, expected %q", k, strings.Join(vs, ","), want[k]))
		}
	}
	return out
}

func contains(vs []string, v string) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
