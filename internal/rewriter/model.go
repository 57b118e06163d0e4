package rewriter

import (
	"encoding/json"
	"regexp"
	"unicode/utf8"
)

var modelsPathPattern = regexp.MustCompile(`^/v1beta/models/([^/:]+)`)

// ExtractModel returns the model name governing this request, per spec
// §4.E: first from a `/v1beta/models/<name>` path segment, otherwise from
// the `"model"` field of a JSON body, if the body is valid UTF-8 JSON.
func ExtractModel(translatedPath string, body []byte) (model string, ok bool) {
	if m := modelsPathPattern.FindStringSubmatch(translatedPath); m != nil {
		return m[1], true
	}

	if len(body) == 0 || !utf8.Valid(body) {
		return "", false
	}

	var payload struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", false
	}
	if payload.Model == "" {
		return "", false
	}
	return payload.Model, true
}
