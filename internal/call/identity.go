package call

import (
	"regexp"
	"strings"

	"github.com/emiago/sipgo/sip"
)

var (
	numberPattern = regexp.MustCompile(`\+?[1-9]\d{1,14}`)
	uriPattern    = regexp.MustCompile(`(?i)(sips?):([^@>;]+)(?:@([^>;]+))?`)
)

// ExtractNumber returns the first E.164-like number found in the
// P-Asserted-Identity, the Request-URI or the To header, in that order.
func ExtractNumber(pai, requestURI, to string) string {
	for _, s := range []string{pai, requestURI, to} {
		if s == "" {
			continue
		}
		if m := numberPattern.FindString(s); m != "" {
			return m
		}
	}
	return ""
}

// ExtractDomain returns the routing domain of a request: the host of the
// P-Asserted-Identity sip URI when present, otherwise the Request-URI host.
// The result is lower-cased and empty when no host can be found.
func ExtractDomain(pai, requestURI string) string {
	if host := uriHost(uriPattern.FindString(pai)); host != "" {
		return host
	}
	return uriHost(requestURI)
}

func uriHost(raw string) string {
	if raw == "" {
		return ""
	}
	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return ""
	}
	return strings.ToLower(uri.Host)
}
