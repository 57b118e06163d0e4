package rewriter

import "net/http"

// hopByHop is the set of headers that must never be forwarded across a
// proxy hop, plus the headers this proxy always substitutes itself
// (Host, Authorization, x-goog-api-key).
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Authorization",
	"X-Goog-Api-Key",
}

// FilterHeaders returns a copy of in with every hop-by-hop header removed.
// It never mutates in.
func FilterHeaders(in http.Header) http.Header {
	out := in.Clone()
	for _, h := range hopByHop {
		out.Del(h)
	}
	return out
}

// InjectCredential adds the two credential-carrying headers the upstream
// dialects expect, after FilterHeaders has stripped any caller-supplied
// copies of the same names.
func InjectCredential(h http.Header, credential string) {
	h.Set("X-Goog-Api-Key", credential)
	h.Set("Authorization", "Bearer "+credential)
}
