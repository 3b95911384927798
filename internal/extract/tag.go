// Package extract pulls structure out of a growing model-response buffer.
// Every function is a pure function of the buffer and is safe to call on
// every stream snapshot: mid-stream the buffer is syntactically broken at
// almost every chunk boundary, so "nothing found yet" is the common case,
// not an error.
package extract

import "strings"

// reasoningTags lists the reasoning delimiter styles models are known to
// emit, in order of preference.
var reasoningTags = []string{"thought", "thinking"}

// payloadTags lists the structured-payload delimiter styles, in order of
// preference.
var payloadTags = []string{"json", "diagnosis_data"}

// Reasoning returns the inner text of the first reasoning region in buf.
// If the region is not yet closed, the text runs to the end of the buffer so
// partial reasoning can be displayed while still streaming. Stray tag markers
// echoed by the model inside the region are stripped. The second return is
// false when no opening marker of either style is present.
func Reasoning(buf string) (string, bool) {
	for _, tag := range reasoningTags {
		open := "<" + tag + ">"
		start := strings.Index(buf, open)
		if start < 0 {
			continue
		}
		inner := buf[start+len(open):]
		if end := strings.Index(inner, "</"+tag+">"); end >= 0 {
			inner = inner[:end]
		}
		return strings.TrimSpace(stripMarkers(inner)), true
	}
	return "", false
}

// stripMarkers removes any known open/close tag markers from s. Models
// occasionally echo tag syntax inside their own output.
func stripMarkers(s string) string {
	for _, tag := range reasoningTags {
		s = strings.ReplaceAll(s, "<"+tag+">", "")
		s = strings.ReplaceAll(s, "</"+tag+">", "")
	}
	for _, tag := range payloadTags {
		s = strings.ReplaceAll(s, "<"+tag+">", "")
		s = strings.ReplaceAll(s, "</"+tag+">", "")
	}
	return s
}
