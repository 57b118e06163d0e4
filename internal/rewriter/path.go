// Package rewriter implements the deterministic path translation, model
// extraction, URL construction, header filtering, optional body rewrite,
// and token-limit pre-check applied to every proxied request.
package rewriter

import "strings"

// TranslatePath maps an incoming client path to the outgoing upstream path
// via a fixed table. This is a pure function: same input, same output,
// every time.
func TranslatePath(incoming string) string {
	switch {
	case strings.HasPrefix(incoming, "/health/detailed"):
		return "/v1beta/models" + strings.TrimPrefix(incoming, "/health/detailed")
	case strings.HasPrefix(incoming, "/v1/chat/completions"):
		return "/v1beta/openai/chat/completions" + strings.TrimPrefix(incoming, "/v1/chat/completions")
	case strings.HasPrefix(incoming, "/v1/embeddings"):
		return "/v1beta/embeddings" + strings.TrimPrefix(incoming, "/v1/embeddings")
	case strings.HasPrefix(incoming, "/v1/audio/speech"):
		return "/v1beta/audio/speech" + strings.TrimPrefix(incoming, "/v1/audio/speech")
	case strings.HasPrefix(incoming, "/v1/"):
		return "/v1beta/openai/" + strings.TrimPrefix(incoming, "/v1/")
	default:
		return incoming
	}
}
