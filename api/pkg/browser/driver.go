package browser

import "context"

// CaptureOptions controls a single screenshot.
type CaptureOptions struct {
	Format   string // jpeg or png
	Quality  int    // jpeg only, 1-100
	FullPage bool
}

// Driver creates page sessions against some browser backend. The pool is
// written against this interface so its admission, eviction and reaping
// logic stays independent of the automation library underneath.
type Driver interface {
	NewPage(ctx context.Context, url string, width, height int) (Page, error)
	Close() error
}

// Page is one isolated browser page dedicated to a single client.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Screenshot(ctx context.Context, opts CaptureOptions) ([]byte, error)
	Resize(ctx context.Context, width, height int) error
	Apply(ctx context.Context, action Action) error
	CurrentURL() string
	Close() error
}
