package llm

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractJSON pulls the first JSON object or array out of free-form model
// output: it strips markdown fences and any chatter around the payload.
// The second return is false when nothing valid was found.
func ExtractJSON(s string) (gjson.Result, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	if gjson.Valid(s) {
		r := gjson.Parse(s)
		if r.IsObject() || r.IsArray() {
			return r, true
		}
	}

	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(s, pair[0])
		end := strings.LastIndexByte(s, pair[1])
		if start < 0 || end <= start {
			continue
		}
		candidate := s[start : end+1]
		if gjson.Valid(candidate) {
			return gjson.Parse(candidate), true
		}
	}
	return gjson.Result{}, false
}
