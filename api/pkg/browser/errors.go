package browser

import "errors"

var (
	// ErrNotFound means the browser id does not map to a live instance.
	ErrNotFound = errors.New("browser: instance not found")
	// ErrCapture means a screenshot request failed.
	ErrCapture = errors.New("browser: capture failed")
	// ErrNavigation means a goto failed; the previous page is kept.
	ErrNavigation = errors.New("browser: navigation failed")
	// ErrUnknownAction means the action verb is outside the closed set.
	ErrUnknownAction = errors.New("browser: unknown action")
	// ErrInvalidAction means the verb is known but its params are malformed.
	ErrInvalidAction = errors.New("browser: invalid action params")
)
