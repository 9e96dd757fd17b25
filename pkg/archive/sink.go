// Package archive stores exported ledger bundles in content-addressed sinks.
// Archives are write-once: there is no delete.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const refPrefix = "sha256:"

var (
	ErrInvalidRef = errors.New("archive: invalid reference")
	ErrNotFound   = errors.New("archive: object not found")
)

// Sink is a content-addressed blob store. Put is idempotent and returns
// "sha256:<hex>".
type Sink interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

func contentRef(data []byte) (ref, digest string) {
	sum := sha256.Sum256(data)
	digest = hex.EncodeToString(sum[:])
	return refPrefix + digest, digest
}

func parseRef(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || len(digest) != 2*sha256.Size {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return digest, nil
}

func objectName(prefix, digest string) string {
	return prefix + digest + ".bundle.json"
}

// FileSink writes bundles under a directory.
type FileSink struct {
	dir string
	mu  sync.RWMutex
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, digest := contentRef(data)
	path := filepath.Join(s.dir, objectName("", digest))
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", fmt.Errorf("archive: write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("archive: commit bundle: %w", err)
	}
	return ref, nil
}

func (s *FileSink) Get(_ context.Context, ref string) ([]byte, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(filepath.Join(s.dir, objectName("", digest)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", ref, err)
	}
	return data, nil
}

func (s *FileSink) Exists(_ context.Context, ref string) (bool, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(filepath.Join(s.dir, objectName("", digest)))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}
