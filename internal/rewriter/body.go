package rewriter

import "encoding/json"

// RewriteTopP inserts a top_p override into a JSON object body, per spec
// §4.E. Non-JSON or non-object bodies, and any parse failure, pass through
// unchanged — this is documented as not an error.
func RewriteTopP(body []byte, topP float64) []byte {
	var generic map[string]interface{}
	if err := json.Unmarshal(body, &generic); err != nil || generic == nil {
		return body
	}

	generic["top_p"] = topP

	rewritten, err := json.Marshal(generic)
	if err != nil {
		return body
	}
	return rewritten
}
