package limiter

import (
	"net"
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeComponent makes a caller supplied value safe to embed in a key.
// It drops control characters (including \r and \n), whitespace, ';' and the key
// delimiter, and truncates the result to MaxKeyLength bytes. It never fails.
func SanitizeComponent(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), MaxKeyLength))
	for _, r := range s {
		if b.Len() >= MaxKeyLength {
			break
		}
		switch {
		case r == utf8.RuneError:
			continue
		case unicode.IsControl(r), unicode.IsSpace(r):
			continue
		case r == ';', strings.ContainsRune(keyDelimiter, r):
			continue
		}
		b.WriteRune(r)
	}
	return truncate(b.String(), MaxKeyLength)
}

// BuildKey composes "<dimension>|<value>|<resource>" from sanitized parts, bounded to MaxKeyLength.
func BuildKey(dim Dimension, value, resource string) string {
	return joinKey(string(dim), SanitizeComponent(value), SanitizeComponent(resource))
}

// BuildCombinedKey limits by user and client address together.
// Without a user it falls back to an ip key.
func BuildCombinedKey(user, ip, resource string) string {
	user = SanitizeComponent(user)
	if user == "" {
		return BuildKey(DimensionIP, ip, resource)
	}
	return joinKey(string(DimensionCombined), user, SanitizeComponent(ip), SanitizeComponent(resource))
}

// ClientIP resolves the client address for the ip dimension. The left-most
// X-Forwarded-For entry wins; it is only as trustworthy as the proxy that set it.
// Without a forwarded chain the host part of remoteAddr is used.
func ClientIP(forwardedFor, remoteAddr string) string {
	if first, _, _ := strings.Cut(forwardedFor, ","); strings.TrimSpace(first) != "" {
		return normalizeAddr(stripPort(strings.TrimSpace(first)))
	}
	return normalizeAddr(stripPort(strings.TrimSpace(remoteAddr)))
}

// stripPort drops a trailing port ("203.0.113.5:8080", "[2001:db8::1]:443").
// Bare IPv6 addresses fail SplitHostPort and are returned unchanged.
func stripPort(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}

func normalizeAddr(addr string) string {
	if ip := net.ParseIP(strings.Trim(addr, "[]")); ip != nil {
		return ip.String()
	}
	return SanitizeComponent(addr)
}

func joinKey(parts ...string) string {
	return truncate(strings.Join(parts, keyDelimiter), MaxKeyLength)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Identity carries the caller-resolved values a key can be built from.
type Identity struct {
	UserID string
	IP     string
}

// KeyFor builds the key for dim. A user key without a user id falls back to the ip key,
// so an unauthenticated caller is still limited.
func KeyFor(dim Dimension, id Identity, resource string) string {
	switch dim {
	case DimensionUser:
		if SanitizeComponent(id.UserID) == "" {
			return BuildKey(DimensionIP, id.IP, resource)
		}
		return BuildKey(DimensionUser, id.UserID, resource)
	case DimensionCombined:
		return BuildCombinedKey(id.UserID, id.IP, resource)
	default:
		return BuildKey(DimensionIP, id.IP, resource)
	}
}
