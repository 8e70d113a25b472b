package carbon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// NormalizeTarget canonicalizes a submitted target URL: scheme defaults
// to https, host lowercased, default ports and trailing slashes dropped.
// Two spellings of the same page normalize to the same string so their
// jobs share a fingerprint.
func NormalizeTarget(target string) (string, error) {
	raw := strings.TrimSpace(target)
	if raw == "" {
		return "", fmt.Errorf("target is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse target: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("target has no host")
	}
	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimSuffix(u.Host, ":443")
	u.Host = strings.TrimSuffix(u.Host, ":80")
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

// Fingerprint derives the deduplication key for a submission from the
// normalized target and every option field.
func Fingerprint(normalizedTarget string, opts JobOptions) string {
	payload := fmt.Sprintf("%s|mobile=%t|subpages=%t|max_images=%d|max_subpages=%d",
		normalizedTarget, opts.Mobile, opts.IncludeSubpages, opts.MaxImages, opts.MaxSubpages)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// ReportFingerprint derives the deduplication key for a report job from
// its source analysis job.
func ReportFingerprint(sourceJobID string) string {
	sum := sha256.Sum256([]byte("report|" + sourceJobID))
	return hex.EncodeToString(sum[:])
}

// CacheKey derives the content address for a fetched or transformed
// artifact from its source URL and transform parameters.
func CacheKey(sourceURL string, params ...string) string {
	payload := sourceURL
	if len(params) > 0 {
		payload += "|" + strings.Join(params, "|")
	}
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
