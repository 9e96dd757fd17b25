package verify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm/integrity/pkg/ledger"
)

// BundleFormatVersion is written by this build. Readers accept any 1.x.
const BundleFormatVersion = "1.0.0"

const supportedFormats = ">= 1.0.0, < 2.0.0"

var (
	ErrBundleSchema  = errors.New("verify: bundle does not match schema")
	ErrBundleVersion = errors.New("verify: unsupported bundle format_version")
)

// Bundle is the offline export of a ledger range.
type Bundle struct {
	FormatVersion string         `json:"format_version"`
	ExportedAt    time.Time      `json:"exported_at"`
	FromSequence  uint64         `json:"from_sequence"`
	ToSequence    uint64         `json:"to_sequence"`
	MerkleRoot    string         `json:"merkle_root"`
	Orphaned      []uint64       `json:"orphaned,omitempty"`
	Events        []ledger.Event `json:"events"`
}

const bundleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["format_version", "events"],
  "properties": {
    "format_version": {"type": "string", "minLength": 1},
    "exported_at": {"type": "string"},
    "from_sequence": {"type": "integer", "minimum": 0},
    "to_sequence": {"type": "integer", "minimum": 0},
    "merkle_root": {"type": "string"},
    "orphaned": {"type": "array", "items": {"type": "integer", "minimum": 1}},
    "events": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["sequence", "event_type", "prev_hash", "content_hash", "signature", "witness_id", "witness_signature", "local_timestamp"],
        "properties": {
          "event_id": {"type": "string"},
          "sequence": {"type": "integer", "minimum": 1},
          "event_type": {"type": "string", "minLength": 1},
          "prev_hash": {"type": "string"},
          "content_hash": {"type": "string"},
          "signature": {"type": "string"},
          "agent_id": {"type": "string"},
          "witness_id": {"type": "string"},
          "witness_signature": {"type": "string"},
          "local_timestamp": {"type": "string"},
          "authority_timestamp": {"type": "string"},
          "orphaned": {"type": "boolean"}
        }
      }
    }
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://helm.schemas.local/integrity/bundle.schema.json"
		if err := c.AddResource(url, strings.NewReader(bundleSchema)); err != nil {
			compileErr = fmt.Errorf("verify: bundle schema load failed: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(url)
	})
	return compiledSchema, compileErr
}

// ParseBundle validates raw against the bundle schema, checks the format
// version and decodes it.
func ParseBundle(raw []byte) (*Bundle, error) {
	s, err := schema()
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundleSchema, err)
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundleSchema, err)
	}

	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundleSchema, err)
	}
	if err := CheckFormatVersion(b.FormatVersion); err != nil {
		return nil, err
	}
	return &b, nil
}

// CheckFormatVersion accepts any 1.x bundle.
func CheckFormatVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrBundleVersion, v, err)
	}
	c, err := semver.NewConstraint(supportedFormats)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return fmt.Errorf("%w: %s (supported %s)", ErrBundleVersion, ver, supportedFormats)
	}
	return nil
}
