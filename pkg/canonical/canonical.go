// Package canonical provides RFC 8785 (JSON Canonicalization Scheme) serialization
// for deterministic hashing and signing of ledger content.
//
// Strings are NFC-normalized before canonicalization so that visually identical
// reasons or identifiers always hash to the same digest.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Marshal returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json (so struct tags are respected),
// decoded into a generic tree, NFC-normalized, and finally transformed by JCS.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: intermediate decode failed: %w", err)
	}

	normalized, err := json.Marshal(normalize(generic))
	if err != nil {
		return nil, fmt.Errorf("canonical: normalized marshal failed: %w", err)
	}

	out, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the lowercase hex SHA-256 digest of Marshal(v).
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 of raw bytes as lowercase hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalize(val)
		}
		return out
	default:
		return v
	}
}
