// Package urlnorm canonicalizes article URLs before hashing so the same
// story fetched through different tracking links dedupes to one row.
package urlnorm

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Mode selects how aggressively URLs are folded together.
type Mode string

const (
	// ModeStrict lowercases scheme and host, drops the fragment and
	// tracking parameters, and leaves the path untouched.
	ModeStrict Mode = "strict"
	// ModeLenient additionally lowercases the path, trims a trailing
	// slash, and sorts the surviving query parameters.
	ModeLenient Mode = "lenient"
)

// ParseMode validates a mode string from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStrict, ModeLenient:
		return Mode(s), nil
	case "":
		return ModeStrict, nil
	}
	return "", fmt.Errorf("unknown URL normalization mode %q", s)
}

// Tracking parameters stripped regardless of mode. Any utm_* parameter
// is stripped as well.
var trackingParams = map[string]struct{}{
	"gclid":   {},
	"gclsrc":  {},
	"dclid":   {},
	"fbclid":  {},
	"msclkid": {},
	"mc_eid":  {},
	"igshid":  {},
}

func isTracking(key string) bool {
	k := strings.ToLower(key)
	if strings.HasPrefix(k, "utm_") {
		return true
	}
	_, ok := trackingParams[k]
	return ok
}

// Normalize canonicalizes raw according to mode. The result is stable:
// normalizing an already-normalized URL returns it unchanged.
func Normalize(raw string, mode Mode) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL %q missing scheme or host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch u.Scheme {
	case "http":
		host = strings.TrimSuffix(host, ":80")
	case "https":
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = filterQuery(u.RawQuery, mode)

	if mode == ModeLenient {
		u.Path = strings.ToLower(u.Path)
		u.RawPath = ""
		if len(u.Path) > 1 {
			u.Path = strings.TrimSuffix(u.Path, "/")
		}
	}

	return u.String(), nil
}

// filterQuery drops tracking parameters, preserving the order of the
// rest. Lenient mode sorts the survivors so parameter order cannot
// produce distinct hashes.
func filterQuery(rawQuery string, mode Mode) string {
	if rawQuery == "" {
		return ""
	}
	var kept []string
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key := pair
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key = pair[:i]
		}
		if isTracking(key) {
			continue
		}
		kept = append(kept, pair)
	}
	if mode == ModeLenient {
		sort.Strings(kept)
	}
	return strings.Join(kept, "&")
}

// ResolveCanonical resolves a rel=canonical link (possibly relative)
// against the page it was found on.
func ResolveCanonical(pageURL, canonical string) (string, error) {
	base, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil {
		return "", fmt.Errorf("parse page URL %q: %w", pageURL, err)
	}
	ref, err := url.Parse(strings.TrimSpace(canonical))
	if err != nil {
		return "", fmt.Errorf("parse canonical %q: %w", canonical, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// Hasher produces deduplication hashes over normalized URLs.
type Hasher struct {
	algo string
}

// NewHasher validates algo (sha256, sha1 or blake2b) and returns a
// Hasher for it. An empty algo defaults to sha256.
func NewHasher(algo string) (*Hasher, error) {
	switch algo {
	case "":
		algo = "sha256"
	case "sha256", "sha1", "blake2b":
	default:
		return nil, fmt.Errorf("unknown URL hash algorithm %q", algo)
	}
	return &Hasher{algo: algo}, nil
}

// Algo returns the configured algorithm name, recorded next to each hash
// so a future algorithm change does not corrupt dedupe.
func (h *Hasher) Algo() string { return h.algo }

// Sum returns the hex digest of the normalized URL.
func (h *Hasher) Sum(normalized string) string {
	switch h.algo {
	case "sha1":
		sum := sha1.Sum([]byte(normalized))
		return hex.EncodeToString(sum[:])
	case "blake2b":
		sum := blake2b.Sum256([]byte(normalized))
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256([]byte(normalized))
		return hex.EncodeToString(sum[:])
	}
}
