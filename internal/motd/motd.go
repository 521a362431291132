// Package motd converts a Minecraft "message of the day" — either a
// legacy section-sign-coded string or a JSON chat component — into plain
// text and a small HTML rendering. It stands in for the MOTD formatting
// helper this controller treats as an external collaborator; the
// controller only needs the two pure conversions below.
package motd

import (
	"encoding/json"
	"html"
	"regexp"
	"strings"
)

// legacyCode matches a section-sign formatting code: §x where x is a hex
// digit or one of k,l,m,n,o,r (obfuscate/bold/strikethrough/underline/
// italic/reset), case-insensitive, and idempotent under repeated application.
var legacyCode = regexp.MustCompile(`(?i)§[0-9a-fk-or]`)

var legacyColorClass = map[byte]string{
	'0': "black", '1': "dark_blue", '2': "dark_green", '3': "dark_aqua",
	'4': "dark_red", '5': "dark_purple", '6': "gold", '7': "gray",
	'8': "dark_gray", '9': "blue", 'a': "green", 'b': "aqua",
	'c': "red", 'd': "light_purple", 'e': "yellow", 'f': "white",
}

// CleanLegacy strips every §x formatting code from s. It is idempotent:
// CleanLegacy(CleanLegacy(s)) == CleanLegacy(s).
func CleanLegacy(s string) string {
	return legacyCode.ReplaceAllString(s, "")
}

// Parse builds a status.MOTD-shaped (raw, clean, html) triple from a raw
// MOTD string that may be a legacy-coded plain string or a JSON chat
// component document. JSON is tried first; anything that doesn't parse
// as JSON is treated as legacy text.
func Parse(raw string) (rawOut, clean, htmlOut string) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var component any
		if err := json.Unmarshal([]byte(trimmed), &component); err == nil {
			text, markup := renderComponent(component)
			return raw, text, markup
		}
	}
	return raw, CleanLegacy(raw), legacyToHTML(raw)
}

// legacyToHTML renders a legacy-coded string as a sequence of <span>
// elements, one per color run. Formatting codes (k-o, r) are dropped
// without adding any markup.
func legacyToHTML(s string) string {
	var b strings.Builder
	open := false
	class := ""
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '§' && i+1 < len(runes) {
			code := byte(strings.ToLower(string(runes[i+1]))[0])
			if c, ok := legacyColorClass[code]; ok {
				if open {
					b.WriteString("</span>")
				}
				class = c
				b.WriteString(`<span class="mc-` + class + `">`)
				open = true
			}
			i++
			continue
		}
		b.WriteString(html.EscapeString(string(runes[i])))
	}
	if open {
		b.WriteString("</span>")
	}
	return b.String()
}

// renderComponent flattens a Minecraft chat component (string, or an
// object/array with "text"/"extra"/"color") into plain text and a
// parallel HTML rendering.
func renderComponent(node any) (text string, htmlOut string) {
	switch v := node.(type) {
	case string:
		return v, html.EscapeString(v)
	case []any:
		var t, h strings.Builder
		for _, child := range v {
			ct, ch := renderComponent(child)
			t.WriteString(ct)
			h.WriteString(ch)
		}
		return t.String(), h.String()
	case map[string]any:
		var t, h strings.Builder
		if txt, ok := v["text"].(string); ok {
			t.WriteString(txt)
			h.WriteString(spanFor(v, html.EscapeString(txt)))
		}
		if extra, ok := v["extra"].([]any); ok {
			for _, child := range extra {
				ct, ch := renderComponent(child)
				t.WriteString(ct)
				h.WriteString(ch)
			}
		}
		return t.String(), h.String()
	default:
		return "", ""
	}
}

func spanFor(node map[string]any, escaped string) string {
	color, _ := node["color"].(string)
	bold, _ := node["bold"].(bool)
	var classes []string
	if color != "" {
		classes = append(classes, "mc-"+strings.ToLower(color))
	}
	if bold {
		classes = append(classes, "mc-bold")
	}
	if len(classes) == 0 {
		return escaped
	}
	return `<span class="` + strings.Join(classes, " ") + `">` + escaped + `</span>`
}
