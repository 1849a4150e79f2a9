package browser

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/go-rod/rod/lib/input"
)

// namedKeys maps the key names the client protocol uses onto CDP keys.
var namedKeys = map[string]input.Key{
	"enter":      input.Enter,
	"return":     input.Enter,
	"tab":        input.Tab,
	"escape":     input.Escape,
	"esc":        input.Escape,
	"backspace":  input.Backspace,
	"delete":     input.Delete,
	"space":      input.Space,
	"arrowup":    input.ArrowUp,
	"up":         input.ArrowUp,
	"arrowdown":  input.ArrowDown,
	"down":       input.ArrowDown,
	"arrowleft":  input.ArrowLeft,
	"left":       input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"right":      input.ArrowRight,
	"home":       input.Home,
	"end":        input.End,
	"pageup":     input.PageUp,
	"pagedown":   input.PageDown,
}

var modifierKeys = map[string]input.Key{
	"ctrl":    input.ControlLeft,
	"control": input.ControlLeft,
	"shift":   input.ShiftLeft,
	"alt":     input.AltLeft,
	"meta":    input.MetaLeft,
	"cmd":     input.MetaLeft,
	"command": input.MetaLeft,
}

// parseKeyChord splits a key spec like "Ctrl+Shift+K" into its modifier keys
// and the final key. A bare single character maps straight to its CDP key.
func parseKeyChord(spec string) ([]input.Key, input.Key, error) {
	parts := strings.Split(spec, "+")
	var mods []input.Key
	for _, part := range parts[:len(parts)-1] {
		mod, ok := modifierKeys[strings.ToLower(strings.TrimSpace(part))]
		if !ok {
			return nil, 0, fmt.Errorf("%w: unknown modifier %q in %q", ErrInvalidAction, part, spec)
		}
		mods = append(mods, mod)
	}

	last := strings.TrimSpace(parts[len(parts)-1])
	if last == "" {
		return nil, 0, fmt.Errorf("%w: empty key in %q", ErrInvalidAction, spec)
	}
	if key, ok := namedKeys[strings.ToLower(last)]; ok {
		return mods, key, nil
	}
	runes := []rune(last)
	if len(runes) != 1 {
		return nil, 0, fmt.Errorf("%w: unknown key %q", ErrInvalidAction, last)
	}
	return mods, input.Key(unicode.ToLower(runes[0])), nil
}
