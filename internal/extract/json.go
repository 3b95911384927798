package extract

import (
	"encoding/json"
	"strings"

	"github.com/awilder/housecall/internal/domain"
)

// Diagnosis locates the structured payload region in buf and attempts to
// parse it into a DiagnosisRecord. The region is found using, in order of
// preference, a <json> or <diagnosis_data> tag pair, falling back to a
// greedy first-{-to-last-} match when no tag markers are present at all.
//
// complete is true only when a closing payload tag was seen. ok is false
// when no payload region exists yet or the fragment is not yet parseable;
// both are expected mid-stream and are not errors. Truncated fragments are
// repaired by discarding everything after the last '}', sacrificing the
// newest half-written field so the rest of the object parses.
func Diagnosis(buf string) (rec *domain.DiagnosisRecord, complete bool, ok bool) {
	frag, complete, found := payloadRegion(buf)
	if !found {
		return nil, false, false
	}

	frag = stripFences(frag)
	start := strings.Index(frag, "{")
	if start < 0 {
		return nil, complete, false
	}
	frag = frag[start:]

	if !complete && !strings.HasSuffix(strings.TrimSpace(frag), "}") {
		last := strings.LastIndex(frag, "}")
		if last < 0 {
			return nil, false, false
		}
		frag = frag[:last+1]
	}

	var out domain.DiagnosisRecord
	if err := json.Unmarshal([]byte(frag), &out); err != nil {
		return nil, complete, false
	}
	return &out, complete, true
}

// payloadRegion returns the raw payload fragment, whether a closing tag
// marked it complete, and whether any region was found.
func payloadRegion(buf string) (frag string, complete, found bool) {
	for _, tag := range payloadTags {
		open := "<" + tag + ">"
		start := strings.Index(buf, open)
		if start < 0 {
			continue
		}
		inner := buf[start+len(open):]
		if end := strings.Index(inner, "</"+tag+">"); end >= 0 {
			return inner[:end], true, true
		}
		return inner, false, true
	}

	// No tag markers anywhere: greedy bare-brace fallback.
	start := strings.Index(buf, "{")
	if start < 0 {
		return "", false, false
	}
	end := strings.LastIndex(buf, "}")
	if end < start {
		return buf[start:], false, true
	}
	return buf[start : end+1], false, true
}

// stripFences removes a markdown code-fence wrapper, with or without a
// language hint, tolerating an unclosed trailing fence mid-stream.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{}") {
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
