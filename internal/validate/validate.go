// Package validate checks job sources and sanitizes owner-supplied text
// before anything reaches the queue.
package validate

import (
	"net"
	"net/url"
	"strings"
	"unicode"

	apperrors "github.com/fetchrelay/backend/internal/errors"
)

const (
	// MaxSourceLength bounds the accepted source URL.
	MaxSourceLength = 2048

	// MaxTextLength bounds sanitized free-text fields.
	MaxTextLength = 256
)

// ValidateSource checks that raw is a fetchable public http(s) URL and
// returns its canonical form. Private, loopback, and link-local hosts are
// rejected so a job can never be pointed at internal infrastructure.
func ValidateSource(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", apperrors.ValidationError("source url is required")
	}
	if len(trimmed) > MaxSourceLength {
		return "", apperrors.ValidationError("source url too long")
	}
	if containsControlChars(trimmed) {
		return "", apperrors.ValidationError("source url contains control characters")
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", apperrors.ValidationError("source url is malformed")
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", apperrors.ValidationError("source url must use http or https")
	}
	if u.Host == "" {
		return "", apperrors.ValidationError("source url has no host")
	}
	if u.User != nil {
		return "", apperrors.ValidationError("source url must not embed credentials")
	}

	host := u.Hostname()
	if isBlockedHost(host) {
		return "", apperrors.ValidationError("source host is not allowed")
	}

	u.Fragment = ""
	return u.String(), nil
}

// isBlockedHost rejects hosts that resolve into the local or private
// network by name or literal address.
func isBlockedHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") ||
		strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal") {
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// SanitizeText strips control characters from owner-supplied free text and
// caps its length. Never errors; hostile input degrades to an empty string.
func SanitizeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if len(out) > MaxTextLength {
		out = out[:MaxTextLength]
	}
	return out
}

func containsControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
