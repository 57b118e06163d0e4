package classifier

import (
	"encoding/json"
	"time"
)

// retryDelayFromBody looks for a `retry_delay` field in a JSON error
// envelope, as some upstream dialects report throttling in the body rather
// than (or in addition to) a Retry-After header. Accepts either a bare
// number of seconds or a Google-style {"seconds": N} object, since both
// shapes appear across the dialects this proxy fronts.
func retryDelayFromBody(body []byte) (time.Duration, bool) {
	var envelope struct {
		Error struct {
			RetryDelay json.RawMessage `json:"retry_delay"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.RetryDelay == nil {
		return 0, false
	}

	var seconds float64
	if err := json.Unmarshal(envelope.Error.RetryDelay, &seconds); err == nil {
		return time.Duration(seconds * float64(time.Second)), true
	}

	var nested struct {
		Seconds float64 `json:"seconds"`
	}
	if err := json.Unmarshal(envelope.Error.RetryDelay, &nested); err == nil {
		return time.Duration(nested.Seconds * float64(time.Second)), true
	}

	return 0, false
}
