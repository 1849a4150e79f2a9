package browser

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// RodDriver drives headless Chrome through go-rod. A single browser process
// hosts all page sessions; isolation between clients is per page.
type RodDriver struct {
	browser    *rod.Browser
	launcher   *launcher.Launcher
	navTimeout time.Duration
}

// NewRodDriver connects to the browser at chromeURL, or launches a local
// headless one when chromeURL is empty.
func NewRodDriver(ctx context.Context, chromeURL string, navTimeout time.Duration) (*RodDriver, error) {
	d := &RodDriver{navTimeout: navTimeout}

	controlURL := chromeURL
	if controlURL == "" {
		l := launcher.New().Headless(true)
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		d.launcher = l
		controlURL = u
	} else {
		u, err := launcher.ResolveURL(controlURL)
		if err != nil {
			return nil, fmt.Errorf("resolve chrome url %s: %w", chromeURL, err)
		}
		controlURL = u
	}

	log.Info().Str("control_url", controlURL).Msg("connecting to browser")

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	d.browser = browser
	return d, nil
}

func (d *RodDriver) NewPage(ctx context.Context, url string, width, height int) (Page, error) {
	page, err := d.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	rp := &rodPage{page: page, navTimeout: d.navTimeout}

	if err := rp.Resize(ctx, width, height); err != nil {
		_ = page.Close()
		return nil, err
	}
	if err := rp.Navigate(ctx, url); err != nil {
		// The page is still usable; the caller keeps it on about:blank.
		log.Warn().Err(err).Str("url", url).Msg("initial navigation failed")
	}
	return rp, nil
}

func (d *RodDriver) Close() error {
	err := d.browser.Close()
	if d.launcher != nil {
		d.launcher.Cleanup()
	}
	return err
}

// rodPage adapts a rod page to the Page interface.
type rodPage struct {
	page       *rod.Page
	navTimeout time.Duration

	mu         sync.Mutex
	requestURL string // last requested navigation target
}

// Navigate waits only for DOM-ready, not full load, to bound latency.
func (rp *rodPage) Navigate(ctx context.Context, url string) error {
	page := rp.page.Context(ctx).Timeout(rp.navTimeout)

	wait := page.WaitEvent(&proto.PageDomContentEventFired{})
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNavigation, url, err)
	}
	wait()

	rp.mu.Lock()
	rp.requestURL = url
	rp.mu.Unlock()
	return nil
}

func (rp *rodPage) Screenshot(ctx context.Context, opts CaptureOptions) ([]byte, error) {
	req := &proto.PageCaptureScreenshot{}
	if opts.Format == "png" {
		req.Format = proto.PageCaptureScreenshotFormatPng
	} else {
		req.Format = proto.PageCaptureScreenshotFormatJpeg
		quality := opts.Quality
		req.Quality = &quality
	}

	data, err := rp.page.Context(ctx).Screenshot(opts.FullPage, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	return data, nil
}

func (rp *rodPage) Resize(ctx context.Context, width, height int) error {
	err := proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}.Call(rp.page.Context(ctx))
	if err != nil {
		return fmt.Errorf("set viewport %dx%d: %w", width, height, err)
	}
	return nil
}

func (rp *rodPage) Apply(ctx context.Context, a Action) error {
	page := rp.page.Context(ctx)

	switch a.Verb {
	case VerbClick:
		if err := page.Mouse.MoveTo(proto.Point{X: a.X, Y: a.Y}); err != nil {
			return err
		}
		return page.Mouse.Click(proto.InputMouseButtonLeft, 1)

	case VerbDoubleClick:
		if err := page.Mouse.MoveTo(proto.Point{X: a.X, Y: a.Y}); err != nil {
			return err
		}
		return page.Mouse.Click(proto.InputMouseButtonLeft, 2)

	case VerbMouseDown:
		if a.HasXY {
			if err := page.Mouse.MoveTo(proto.Point{X: a.X, Y: a.Y}); err != nil {
				return err
			}
		}
		return page.Mouse.Down(mouseButton(a.Button), 1)

	case VerbMouseUp:
		return page.Mouse.Up(mouseButton(a.Button), 1)

	case VerbMouseMove:
		return page.Mouse.MoveTo(proto.Point{X: a.X, Y: a.Y})

	case VerbType:
		return page.InsertText(a.Text)

	case VerbKey:
		mods, key, err := parseKeyChord(a.Key)
		if err != nil {
			return err
		}
		return page.KeyActions().Press(mods...).Type(key).Do()

	case VerbKeyDown:
		_, key, err := parseKeyChord(a.Key)
		if err != nil {
			return err
		}
		return page.Keyboard.Press(key)

	case VerbKeyUp:
		_, key, err := parseKeyChord(a.Key)
		if err != nil {
			return err
		}
		return page.Keyboard.Release(key)

	case VerbScroll:
		// Absolute scroll target, browser device-pixel space.
		_, err := page.Eval(`(x, y) => window.scrollTo(x, y)`, a.X, a.Y)
		return err

	case VerbScrollBy:
		return page.Mouse.Scroll(a.X, a.Y, 1)

	case VerbHover:
		el, err := page.Timeout(rp.navTimeout).ElementR("*", regexp.QuoteMeta(a.Text))
		if err != nil {
			return fmt.Errorf("hover target %q: %w", a.Text, err)
		}
		return el.Hover()

	case VerbReload:
		return page.Reload()

	case VerbGoBack:
		return page.NavigateBack()

	case VerbGoForward:
		return page.NavigateForward()

	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, a.Verb)
	}
}

func (rp *rodPage) CurrentURL() string {
	// Prefer the live page URL; history navigation moves it away from the
	// last requested target.
	if info, err := rp.page.Info(); err == nil && info.URL != "" {
		return info.URL
	}
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.requestURL
}

func (rp *rodPage) Close() error {
	return rp.page.Close()
}

func mouseButton(name string) proto.InputMouseButton {
	switch name {
	case "right":
		return proto.InputMouseButtonRight
	case "middle":
		return proto.InputMouseButtonMiddle
	default:
		return proto.InputMouseButtonLeft
	}
}
