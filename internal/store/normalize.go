package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
)

// LocalScheme prefixes cache keys of filesystem sources.
const LocalScheme = "local://"

// WithScheme treats bare host names such as "example.com/a" as https URLs.
// Paths stay paths.
func WithScheme(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "://") || strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, ".") || strings.HasPrefix(raw, "~") {
		return raw
	}
	host, _, _ := strings.Cut(raw, "/")
	if strings.Contains(host, ".") {
		return "https://" + raw
	}
	return raw
}

// NormalizeURL canonicalizes raw so that equivalent spellings of the same
// source share one cache row. Web URLs lose their fragment, get a lowercase
// scheme and host, drop default ports and sort their query parameters.
// Filesystem paths (bare, file://, or local://) become local://<absolute path>.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}

	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, LocalScheme):
		return LocalURL(raw[len(LocalScheme):])
	case strings.HasPrefix(lower, "file://"):
		return LocalURL(raw[len("file://"):])
	case !strings.Contains(raw, "://"):
		return LocalURL(raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host: %s", raw)
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	if u.Path == "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		u.RawQuery = sortedQuery(u.Query())
	}
	return u.String(), nil
}

func sortedQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// LocalURL returns the cache key of a filesystem path.
func LocalURL(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return LocalScheme + filepath.ToSlash(abs), nil
}

// IsLocal reports whether a normalized URL names a filesystem source.
func IsLocal(normalized string) bool {
	return strings.HasPrefix(normalized, LocalScheme)
}

// HashKey returns the url_hash of a normalized URL.
func HashKey(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ContentHash fingerprints document content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:16])
}
