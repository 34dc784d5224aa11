package utils

import (
	"net/url"
	"strings"
)

const redacted = "***"

// RedactURL hides credentials in an RPC URL before it is logged. Hosted RPC
// providers put API keys in the userinfo, the path or the query, so only the
// scheme and host survive.
func RedactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return redacted
	}

	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(redacted + "@")
	}
	b.WriteString(u.Host)
	if strings.Trim(u.Path, "/") != "" {
		b.WriteString("/" + redacted)
	}
	if u.RawQuery != "" {
		b.WriteString("?" + redacted)
	}
	return b.String()
}
