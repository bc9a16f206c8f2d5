package metadata

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"pich/pkg/requestcontext"
)

// ClientMetadata extracts the client IP, User-Agent, and a short device
// description from the request and stores them in the context for audit
// attributes. Apply it early in the chain.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua := r.Header.Get("User-Agent")
		ctx := requestcontext.WithClientMetadata(r.Context(), ClientIPFromRequest(r), ua, DescribeDevice(ua))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// DescribeDevice renders a User-Agent as "browser / os", e.g. "Safari / iOS 17.2".
// Returns "" for an empty header.
func DescribeDevice(ua string) string {
	if strings.TrimSpace(ua) == "" {
		return ""
	}
	parsed := useragent.New(ua)
	if parsed.Bot() {
		return "bot"
	}
	browser, _ := parsed.Browser()
	osName := parsed.OSInfo().Name
	if version := parsed.OSInfo().Version; version != "" {
		osName += " " + version
	}
	switch {
	case browser != "" && osName != "":
		return browser + " / " + osName
	case browser != "":
		return browser
	default:
		return osName
	}
}

// ClientIPFromRequest extracts the client IP, honouring proxy headers.
func ClientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Leftmost entry is the original client.
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// RemoteAddr is "ip:port" or "[::1]:port".
	if addr := r.RemoteAddr; addr != "" {
		if idx := strings.LastIndex(addr, ":"); idx != -1 {
			return strings.Trim(addr[:idx], "[]")
		}
		return addr
	}

	return "unknown"
}
