package ratelimit

import "strings"

// UnknownClient is the shared bucket for requests without address headers.
const UnknownClient = "unknown"

// ClientKey derives the limiter key from request headers. Header names are
// matched case-insensitively. The first X-Forwarded-For hop wins, then
// X-Real-IP, then the transport source address.
func ClientKey(headers map[string]string, sourceIP string) string {
	if v := header(headers, "X-Forwarded-For"); v != "" {
		first, _, _ := strings.Cut(v, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if v := strings.TrimSpace(header(headers, "X-Real-IP")); v != "" {
		return v
	}
	if v := strings.TrimSpace(sourceIP); v != "" {
		return v
	}
	return UnknownClient
}

func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
