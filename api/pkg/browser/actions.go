package browser

import "fmt"

// Verb is one of the closed set of input actions a client may replay into
// its browser instance. Unknown verbs are rejected explicitly.
type Verb string

const (
	VerbClick       Verb = "click"
	VerbDoubleClick Verb = "doubleClick"
	VerbMouseDown   Verb = "mouseDown"
	VerbMouseUp     Verb = "mouseUp"
	VerbMouseMove   Verb = "mouseMove"
	VerbType        Verb = "type"
	VerbKey         Verb = "key"
	VerbKeyDown     Verb = "keyDown"
	VerbKeyUp       Verb = "keyUp"
	VerbScroll      Verb = "scroll"
	VerbScrollBy    Verb = "scrollBy"
	VerbHover       Verb = "hover"
	VerbReload      Verb = "reload"
	VerbGoBack      Verb = "goBack"
	VerbGoForward   Verb = "goForward"
)

// ActionParams is the raw parameter payload as sent by the client.
type ActionParams struct {
	X      *float64 `json:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"`
	Button string   `json:"button,omitempty"`
	Text   string   `json:"text,omitempty"`
	Key    string   `json:"key,omitempty"`
}

// Action is a validated input action ready to be applied to a page.
// Scroll coordinates are in the browser's device-pixel space: scroll is an
// absolute target, scrollBy a relative delta.
type Action struct {
	Verb   Verb
	X, Y   float64
	HasXY  bool
	Button string
	Text   string
	Key    string
}

// ParseAction validates a verb and its params against the closed action set.
func ParseAction(verb string, params ActionParams) (Action, error) {
	a := Action{Verb: Verb(verb)}
	if params.X != nil && params.Y != nil {
		a.X, a.Y = *params.X, *params.Y
		a.HasXY = true
	}

	switch a.Verb {
	case VerbClick, VerbDoubleClick, VerbMouseMove, VerbScroll, VerbScrollBy:
		if !a.HasXY {
			return Action{}, fmt.Errorf("%w: %s requires x and y", ErrInvalidAction, verb)
		}
	case VerbMouseDown, VerbMouseUp:
		a.Button = params.Button
		if a.Button == "" {
			a.Button = "left"
		}
		switch a.Button {
		case "left", "right", "middle":
		default:
			return Action{}, fmt.Errorf("%w: unknown button %q", ErrInvalidAction, params.Button)
		}
	case VerbType:
		if params.Text == "" {
			return Action{}, fmt.Errorf("%w: type requires text", ErrInvalidAction)
		}
		a.Text = params.Text
	case VerbKey, VerbKeyDown, VerbKeyUp:
		if params.Key == "" {
			return Action{}, fmt.Errorf("%w: %s requires key", ErrInvalidAction, verb)
		}
		a.Key = params.Key
	case VerbHover:
		if params.Text == "" {
			return Action{}, fmt.Errorf("%w: hover requires text", ErrInvalidAction)
		}
		a.Text = params.Text
	case VerbReload, VerbGoBack, VerbGoForward:
		// no params
	default:
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownAction, verb)
	}
	return a, nil
}
