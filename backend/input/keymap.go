package input

import (
	"strings"
	"unicode/utf8"
)

// X11 keysyms for keys that have a name instead of a character.
var namedKeysyms = map[string]uint32{
	" ":           0x0020,
	"space":       0x0020,
	"backspace":   0xff08,
	"tab":         0xff09,
	"enter":       0xff0d,
	"return":      0xff0d,
	"pause":       0xff13,
	"scrolllock":  0xff14,
	"escape":      0xff1b,
	"esc":         0xff1b,
	"home":        0xff50,
	"arrowleft":   0xff51,
	"left":        0xff51,
	"arrowup":     0xff52,
	"up":          0xff52,
	"arrowright":  0xff53,
	"right":       0xff53,
	"arrowdown":   0xff54,
	"down":        0xff54,
	"pageup":      0xff55,
	"pagedown":    0xff56,
	"end":         0xff57,
	"insert":      0xff63,
	"contextmenu": 0xff67,
	"numlock":     0xff7f,
	"shift":       0xffe1,
	"control":     0xffe3,
	"ctrl":        0xffe3,
	"capslock":    0xffe5,
	"meta":        0xffeb,
	"command":     0xffeb,
	"super":       0xffeb,
	"alt":         0xffe9,
	"altgraph":    0xfe03,
	"delete":      0xffff,
}

// Keysym maps a key name as reported by browser keyboard events to X11 keysym.
// Names are case-insensitive, single characters map by their code point.
func Keysym(key string) (uint32, bool) {
	if key == "" {
		return 0, false
	}
	if r, size := utf8.DecodeRuneInString(key); size == len(key) && r != utf8.RuneError {
		if sym, ok := namedKeysyms[key]; ok {
			return sym, true
		}
		return runeKeysym(r), true
	}
	name := strings.ToLower(key)
	if sym, ok := namedKeysyms[name]; ok {
		return sym, true
	}
	if sym, ok := functionKeysym(name); ok {
		return sym, true
	}
	return 0, false
}

func runeKeysym(r rune) uint32 {
	if r >= 0x20 && r <= 0xff && r != 0x7f {
		return uint32(r)
	}
	return 0x01000000 | uint32(r)
}

// F1 is 0xffbe, F1..F35 are sequential.
func functionKeysym(name string) (uint32, bool) {
	if len(name) < 2 || name[0] != 'f' {
		return 0, false
	}
	n := 0
	for _, c := range name[1:] {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	if n < 1 || n > 35 {
		return 0, false
	}
	return 0xffbe + uint32(n-1), true
}
