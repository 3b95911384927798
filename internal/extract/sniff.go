package extract

import (
	"regexp"
	"strconv"
	"sync"
)

var (
	sniffMu sync.Mutex
	sniffRE = map[string]*regexp.Regexp{}
)

// SniffField scans a raw, possibly invalid-JSON fragment for a
// `"field": "value"` pair and returns the first match's value. It does not
// require the surrounding JSON to be parseable, which makes it the cheapest
// way to read a field before the object has finished streaming. SniffField
// is stateless; callers that must act at most once per turn track that
// themselves.
func SniffField(fragment, field string) (string, bool) {
	re := fieldRE(field)
	m := re.FindStringSubmatch(fragment)
	if m == nil {
		return "", false
	}
	if unq, err := strconv.Unquote(`"` + m[1] + `"`); err == nil {
		return unq, true
	}
	return m[1], true
}

func fieldRE(field string) *regexp.Regexp {
	sniffMu.Lock()
	defer sniffMu.Unlock()
	if re, ok := sniffRE[field]; ok {
		return re
	}
	re := regexp.MustCompile(`"` + regexp.QuoteMeta(field) + `"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	sniffRE[field] = re
	return re
}
