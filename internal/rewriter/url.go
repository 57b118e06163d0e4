package rewriter

import (
	"fmt"
	"net/url"
	"path"
)

// BuildOutboundURL joins the group's target URL with the translated path,
// copies the incoming query string, and appends key=<credential>, per spec
// §4.E's URL construction step.
func BuildOutboundURL(targetURL, translatedPath, incomingRawQuery, credential string) (string, error) {
	base, err := url.Parse(targetURL)
	if err != nil {
		return "", fmt.Errorf("rewriter: invalid target url %q: %w", targetURL, err)
	}

	base.Path = path.Join(base.Path, translatedPath)

	query, err := url.ParseQuery(incomingRawQuery)
	if err != nil {
		query = url.Values{}
	}
	query.Set("key", credential)
	base.RawQuery = query.Encode()

	return base.String(), nil
}
