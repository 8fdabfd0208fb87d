// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 content hashing. WAL payload hashes and
// idempotency fingerprints are computed here so that the same logical
// value always hashes identically regardless of map iteration order or
// source encoding.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
// v is marshaled with encoding/json first (honoring struct tags), then
// transformed: keys sorted by UTF-8 bytes, no HTML escaping, canonical
// number formatting.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON form of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes as a hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// NFC returns the Unicode NFC normal form of s. String identifiers are
// normalized before hashing so visually identical keys hash identically.
func NFC(s string) string {
	return norm.NFC.String(s)
}

// NormalizeStrings walks v and NFC-normalizes every string key and value.
// Maps and slices are rebuilt; other values pass through unchanged.
func NormalizeStrings(v any) any {
	switch t := v.(type) {
	case string:
		return NFC(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[NFC(k)] = NormalizeStrings(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = NormalizeStrings(elem)
		}
		return out
	default:
		return v
	}
}
