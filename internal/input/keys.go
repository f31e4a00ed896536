package input

import (
	"fmt"
	"strconv"
	"strings"
)

// Virtual-key codes for the keys probes usually bind. Letters and digits use
// their ASCII upper-case code.
const (
	KeyTab    = 0x09
	KeyEnter  = 0x0D
	KeyEscape = 0x1B
	KeySpace  = 0x20
	KeyF1     = 0x70
	KeyF12    = 0x7B
)

var namedKeys = map[string]int{
	"tab":    KeyTab,
	"enter":  KeyEnter,
	"return": KeyEnter,
	"esc":    KeyEscape,
	"escape": KeyEscape,
	"space":  KeySpace,
}

// ParseKey accepts a key name ("Q", "f5", "space"), a decimal code ("81") or
// a hex code ("0x51").
func ParseKey(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty key")
	}
	lower := strings.ToLower(s)

	if code, ok := namedKeys[lower]; ok {
		return code, nil
	}
	if len(s) == 1 {
		c := strings.ToUpper(s)[0]
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			return int(c), nil
		}
	}
	if strings.HasPrefix(lower, "f") {
		if n, err := strconv.Atoi(lower[1:]); err == nil && n >= 1 && n <= 12 {
			return KeyF1 + n - 1, nil
		}
	}
	code, err := strconv.ParseInt(lower, 0, 32)
	if err != nil || code <= 0 || code > 0xFE {
		return 0, fmt.Errorf("unknown key %q", s)
	}
	return int(code), nil
}

// KeyName returns a readable name for a key code.
func KeyName(key int) string {
	switch {
	case isLetter(key) || isDigit(key):
		return string(rune(key))
	case isFunction(key):
		return fmt.Sprintf("F%d", key-KeyF1+1)
	}
	switch key {
	case KeyTab:
		return "Tab"
	case KeyEnter:
		return "Enter"
	case KeyEscape:
		return "Escape"
	case KeySpace:
		return "Space"
	}
	return fmt.Sprintf("0x%02X", key)
}

func isLetter(key int) bool   { return key >= 'A' && key <= 'Z' }
func isDigit(key int) bool    { return key >= '0' && key <= '9' }
func isFunction(key int) bool { return key >= KeyF1 && key <= KeyF12 }

// xdotoolArgs maps a key code to an xdotool invocation.
func xdotoolArgs(key int) ([]string, error) {
	var name string
	switch {
	case isLetter(key):
		name = strings.ToLower(string(rune(key)))
	case isDigit(key):
		name = string(rune(key))
	case isFunction(key):
		name = KeyName(key)
	case key == KeyTab:
		name = "Tab"
	case key == KeyEnter:
		name = "Return"
	case key == KeyEscape:
		name = "Escape"
	case key == KeySpace:
		name = "space"
	default:
		return nil, fmt.Errorf("no xdotool name for key %s", KeyName(key))
	}
	return []string{"key", "--clearmodifiers", name}, nil
}

// macOS virtual key codes for keys without a printable character.
var macKeyCodes = map[int]int{
	KeyTab: 48, KeyEnter: 36, KeyEscape: 53,
	0x70: 122, 0x71: 120, 0x72: 99, 0x73: 118, 0x74: 96, 0x75: 97,
	0x76: 98, 0x77: 100, 0x78: 101, 0x79: 109, 0x7A: 103, 0x7B: 111,
}

// osascriptArgs maps a key code to a System Events script.
func osascriptArgs(key int) ([]string, error) {
	var script string
	switch {
	case isLetter(key):
		script = fmt.Sprintf(`tell application "System Events" to keystroke "%s"`, strings.ToLower(string(rune(key))))
	case isDigit(key):
		script = fmt.Sprintf(`tell application "System Events" to keystroke "%c"`, rune(key))
	case key == KeySpace:
		script = `tell application "System Events" to keystroke " "`
	default:
		code, ok := macKeyCodes[key]
		if !ok {
			return nil, fmt.Errorf("no macOS key code for key %s", KeyName(key))
		}
		script = fmt.Sprintf(`tell application "System Events" to key code %d`, code)
	}
	return []string{"-e", script}, nil
}
